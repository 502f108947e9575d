package auth

import (
	"context"
	"fmt"
	"os"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// Resolver routes credential lookups by provider: OAuth providers go to the
// auth server, IMAP accounts use passwords taken from the environment.
type Resolver struct {
	OAuth *BetterAuthClient
	// PasswordEnv maps an IMAP account id to the variable holding its
	// password.
	PasswordEnv map[string]string
	lookupEnv   func(string) (string, bool)
}

func (r *Resolver) Resolve(ctx context.Context, account mail.Account, scopes []string) (*mail.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if account.Provider != mail.ProviderIMAP {
		if r.OAuth == nil {
			return nil, fmt.Errorf("no auth server configured for %s", account.ID)
		}
		return r.OAuth.Resolve(ctx, account, scopes)
	}

	lookup := r.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	name, ok := r.PasswordEnv[account.ID]
	if !ok {
		return nil, fmt.Errorf("no password configured for %s: %w", account.ID, mail.ErrNeedsInteraction)
	}
	password, ok := lookup(name)
	if !ok || password == "" {
		return nil, fmt.Errorf("%s is not set: %w", name, mail.ErrNeedsInteraction)
	}
	return &mail.Credential{AccessToken: password}, nil
}
