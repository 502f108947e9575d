// Package imap serves plain IMAP accounts. IMAP has no stable message ids
// across folders, so remote ids are "<mailbox>:<uid>" and change on move.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// TLS modes.
const (
	TLSImplicit = "tls"
	TLSStart    = "starttls"
	TLSNone     = "none"
)

// Settings locate the server of one account.
type Settings struct {
	Host     string
	Port     int
	Username string
	TLS      string
}

func (s Settings) addr() string {
	port := s.Port
	if port == 0 {
		port = 993
		if s.TLS != TLSImplicit && s.TLS != "" {
			port = 143
		}
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// Client implements mail.Service over IMAP. Every call opens its own
// session and logs out when done.
type Client struct {
	settings  Settings
	password  string
	accountID string
	log       logrus.FieldLogger
	tlsConfig *tls.Config
}

// New creates a client for account. The credential's access token is the
// account password.
func New(account mail.Account, settings Settings, cred *mail.Credential, log logrus.FieldLogger) (*Client, error) {
	if settings.Host == "" {
		return nil, errors.Errorf("account %s has no IMAP host", account.ID)
	}
	if settings.Username == "" {
		settings.Username = account.Email
	}
	return &Client{
		settings:  settings,
		password:  cred.AccessToken,
		accountID: account.ID,
		log:       log.WithFields(logrus.Fields{"provider": "imap", "account": account.ID}),
	}, nil
}

// Factory builds clients from per-account settings.
func Factory(lookup func(accountID string) (Settings, bool), log logrus.FieldLogger) func(context.Context, mail.Account, *mail.Credential) (mail.Service, error) {
	return func(ctx context.Context, account mail.Account, cred *mail.Credential) (mail.Service, error) {
		s, ok := lookup(account.ID)
		if !ok {
			return nil, errors.Errorf("no IMAP settings for account %s", account.ID)
		}
		return New(account, s, cred, log)
	}
}

func (c *Client) dial() (*imapclient.Client, error) {
	opts := &imapclient.Options{TLSConfig: c.tlsConfig}
	addr := c.settings.addr()
	switch c.settings.TLS {
	case TLSNone:
		return imapclient.DialInsecure(addr, opts)
	case TLSStart:
		return imapclient.DialStartTLS(addr, opts)
	default:
		return imapclient.DialTLS(addr, opts)
	}
}

// session runs fn on a logged-in connection. Cancelling ctx closes the
// connection, which unblocks any pending command.
func (c *Client) session(ctx context.Context, fn func(*imapclient.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cli, err := c.dial()
	if err != nil {
		return errors.Wrapf(err, "connecting to IMAP %s", c.settings.addr())
	}
	stop := context.AfterFunc(ctx, func() { cli.Close() })
	defer func() {
		if stop() {
			_ = cli.Logout().Wait()
			cli.Close()
		}
	}()

	if err := cli.Login(c.settings.Username, c.password).Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var ie *imap.Error
		if errors.As(err, &ie) {
			return fmt.Errorf("authentication failed for %s: %v: %w", c.settings.Username, err, mail.ErrNeedsInteraction)
		}
		return errors.Wrap(err, "login")
	}
	if err := fn(cli); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func remoteID(mailbox string, uid imap.UID) string {
	return mailbox + ":" + strconv.FormatUint(uint64(uid), 10)
}

func parseRemoteID(id string) (string, imap.UID, error) {
	i := strings.LastIndexByte(id, ':')
	if i <= 0 {
		return "", 0, errors.Errorf("malformed IMAP message id %q", id)
	}
	n, err := strconv.ParseUint(id[i+1:], 10, 32)
	if err != nil || n == 0 {
		return "", 0, errors.Errorf("malformed IMAP message id %q", id)
	}
	return id[:i], imap.UID(n), nil
}
