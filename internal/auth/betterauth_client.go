package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// BetterAuthClient fetches OAuth tokens of connected accounts from the auth
// server, which owns storage and refresh.
type BetterAuthClient struct {
	baseURL      string
	serviceToken string
	client       *http.Client
	log          logrus.FieldLogger

	mu    sync.Mutex
	cache map[string]*oauth2.Token
}

// NewBetterAuthClient creates a client for the auth server at authServerURL.
// serviceToken authenticates this process to it.
func NewBetterAuthClient(authServerURL, serviceToken string, log logrus.FieldLogger) *BetterAuthClient {
	return &BetterAuthClient{
		baseURL:      strings.TrimRight(authServerURL, "/"),
		serviceToken: serviceToken,
		client:       &http.Client{Timeout: 10 * time.Second},
		log:          log.WithField("component", "auth"),
		cache:        make(map[string]*oauth2.Token),
	}
}

// Resolve returns a valid access token of account. Tokens are reused until
// they expire. An account the server does not know, or whose grant was
// revoked, needs interactive sign-in.
func (c *BetterAuthClient) Resolve(ctx context.Context, account mail.Account, scopes []string) (*mail.Credential, error) {
	key := account.ID + "|" + strings.Join(scopes, " ")
	c.mu.Lock()
	tok, ok := c.cache[key]
	c.mu.Unlock()
	if ok && tok.Valid() {
		return credential(tok), nil
	}

	tok, err := c.GetToken(ctx, account, scopes)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[key] = tok
	c.mu.Unlock()
	return credential(tok), nil
}

// Forget drops the cached token of an account.
func (c *BetterAuthClient) Forget(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.cache {
		if strings.HasPrefix(key, accountID+"|") {
			delete(c.cache, key)
		}
	}
}

// GetToken fetches a fresh token from the auth server.
func (c *BetterAuthClient) GetToken(ctx context.Context, account mail.Account, scopes []string) (*oauth2.Token, error) {
	provider, err := providerPath(account.Provider)
	if err != nil {
		return nil, err
	}
	q := url.Values{"account_id": {account.ID}}
	if len(scopes) > 0 {
		q.Set("scope", strings.Join(scopes, " "))
	}
	endpoint := fmt.Sprintf("%s/api/auth/accounts/%s/token?%s", c.baseURL, provider, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("no %s account %s connected: %w", provider, account.ID, mail.ErrNeedsInteraction)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("grant of %s revoked: %w", account.ID, mail.ErrNeedsInteraction)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("empty token for %s: %w", account.ID, mail.ErrNeedsInteraction)
	}

	tok := &oauth2.Token{AccessToken: result.AccessToken, RefreshToken: result.RefreshToken, TokenType: "Bearer"}
	if result.ExpiresAt > 0 {
		tok.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	c.log.WithFields(logrus.Fields{"account": account.ID, "expiry": tok.Expiry}).Debug("token fetched")
	return tok, nil
}

func providerPath(p mail.ProviderTag) (string, error) {
	switch p {
	case mail.ProviderGoogle:
		return "google", nil
	case mail.ProviderMicrosoft:
		return "microsoft", nil
	}
	return "", fmt.Errorf("provider %s has no oauth accounts", p)
}

func credential(tok *oauth2.Token) *mail.Credential {
	return &mail.Credential{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}
}
