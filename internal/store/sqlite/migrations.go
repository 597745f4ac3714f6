package sqlite

import (
	"fmt"
	"strings"
)

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			key_hash TEXT UNIQUE NOT NULL,
			key_prefix TEXT NOT NULL,
			scopes_json TEXT NOT NULL DEFAULT '[]',
			tier TEXT NOT NULL DEFAULT 'free',
			rate_limit_override INTEGER NOT NULL DEFAULT 0,
			ip_allow_list_json TEXT NOT NULL DEFAULT '[]',
			is_active INTEGER NOT NULL DEFAULT 1,
			expires_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_used_at DATETIME,
			request_count INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS quota_counters (
			principal_id TEXT NOT NULL,
			period_id TEXT NOT NULL,
			consumed INTEGER NOT NULL DEFAULT 0,
			last_consumed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (principal_id, period_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_owner ON api_keys(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_quota_counters_period ON quota_counters(period_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// SQLite ALTER TABLE ADD COLUMN fails if column already exists;
			// treat "duplicate column" as a no-op for idempotent migrations.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
