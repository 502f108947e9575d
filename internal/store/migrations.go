package store

import (
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

type migration struct {
	version int
	sql     string
}

// migrations must stay sequential starting from 1.
var migrations = []migration{
	{version: 1, sql: schemaSQL},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_messages_synced ON messages(account_id, last_synced_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}

func (s *Store) migrate() error {
	current := 0

	var tables int
	err := s.db.Get(&tables, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		s.log.WithField("version", m.version).Debug("applied migration")
	}
	return nil
}
