// Package storetest provides an in-memory store for tests.
package storetest

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/store"
)

// NewTestStore creates an in-memory Store with all migrations applied. It
// is closed when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	log, _ := test.NewNullLogger()
	s, err := store.Open(":memory:", log)
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})
	return s
}

// SeedAccounts stores accounts so rows referencing them satisfy foreign keys.
func SeedAccounts(t *testing.T, s *store.Store, accounts ...mail.Account) {
	t.Helper()
	for _, a := range accounts {
		if a.Provider == "" {
			a.Provider = mail.ProviderIMAP
		}
		if err := s.UpsertAccount(context.Background(), a); err != nil {
			t.Fatalf("seeding account %s: %v", a.ID, err)
		}
	}
}

// Logger returns a logger that discards output.
func Logger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}
