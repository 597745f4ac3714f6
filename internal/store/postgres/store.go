// Package postgres provides the Store backend for multi-node production
// deployments, backed by pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rapidtriage/triage/internal/model"
	"github.com/rapidtriage/triage/internal/store"
)

// Store persists API keys and quota counters in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New connects to PostgreSQL and applies the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
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
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_used_at TIMESTAMPTZ,
			request_count BIGINT NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS quota_counters (
			principal_id TEXT NOT NULL,
			period_id TEXT NOT NULL,
			consumed BIGINT NOT NULL DEFAULT 0,
			last_consumed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (principal_id, period_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_api_keys_owner ON api_keys(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_quota_counters_period ON quota_counters(period_id)`,
	}

	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const apiKeyColumns = `id, owner_id, display_name, key_hash, key_prefix, scopes_json, tier,
	rate_limit_override, ip_allow_list_json, is_active, expires_at, created_at,
	last_used_at, request_count`

func scanAPIKey(row pgx.Row) (*model.APIKey, error) {
	var (
		k          model.APIKey
		scopesJSON string
		allowJSON  string
	)
	err := row.Scan(&k.ID, &k.OwnerID, &k.DisplayName, &k.KeyHash, &k.KeyPrefix,
		&scopesJSON, &k.Tier, &k.RateLimitOverride, &allowJSON, &k.IsActive,
		&k.ExpiresAt, &k.CreatedAt, &k.LastUsedAt, &k.RequestCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	if err := json.Unmarshal([]byte(scopesJSON), &k.Scopes); err != nil {
		return nil, fmt.Errorf("unmarshal scopes: %w", err)
	}
	if err := json.Unmarshal([]byte(allowJSON), &k.IPAllowList); err != nil {
		return nil, fmt.Errorf("unmarshal ip allow list: %w", err)
	}
	return &k, nil
}

// CreateAPIKey inserts a new API key record.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	key.CreatedAt = time.Now().UTC()

	scopesJSON, err := json.Marshal(key.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	allowJSON, err := json.Marshal(key.IPAllowList)
	if err != nil {
		return fmt.Errorf("marshal ip allow list: %w", err)
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO api_keys
		(id, owner_id, display_name, key_hash, key_prefix, scopes_json, tier,
		 rate_limit_override, ip_allow_list_json, is_active, expires_at,
		 created_at, request_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		key.ID, key.OwnerID, key.DisplayName, key.KeyHash, key.KeyPrefix,
		string(scopesJSON), string(key.Tier), key.RateLimitOverride,
		string(allowJSON), key.IsActive, key.ExpiresAt, key.CreatedAt,
		key.RequestCount)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash looks up an API key by its SHA-256 secret hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+apiKeyColumns+" FROM api_keys WHERE key_hash = $1", hash)
	return scanAPIKey(row)
}

// GetAPIKey looks up an API key by ID.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*model.APIKey, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+apiKeyColumns+" FROM api_keys WHERE id = $1", id)
	return scanAPIKey(row)
}

// ListAPIKeysByOwner returns all keys minted by one owner, newest first.
func (s *Store) ListAPIKeysByOwner(ctx context.Context, ownerID string) ([]model.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+apiKeyColumns+" FROM api_keys WHERE owner_id = $1 ORDER BY created_at DESC", ownerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []model.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey marks an API key as inactive by ID.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE api_keys SET is_active = FALSE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// TouchAPIKey bumps request_count and sets last_used_at.
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE api_keys SET last_used_at = now(), request_count = request_count + 1 WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// TryConsume performs the check-then-increment as a single conditional
// UPDATE; the row lock taken by UPDATE serializes concurrent callers.
func (s *Store) TryConsume(ctx context.Context, principalID, periodID string, amount, ceiling int64) (int64, bool, error) {
	now := time.Now().UTC()

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO quota_counters (principal_id, period_id, consumed, last_consumed_at)
		 VALUES ($1, $2, 0, $3)
		 ON CONFLICT (principal_id, period_id) DO NOTHING`,
		principalID, periodID, now); err != nil {
		return 0, false, fmt.Errorf("ensure quota counter: %w", err)
	}

	var (
		consumed int64
		err      error
	)
	if ceiling < 0 {
		err = s.pool.QueryRow(ctx,
			`UPDATE quota_counters
			 SET consumed = consumed + $1, last_consumed_at = $2
			 WHERE principal_id = $3 AND period_id = $4
			 RETURNING consumed`,
			amount, now, principalID, periodID).Scan(&consumed)
	} else {
		err = s.pool.QueryRow(ctx,
			`UPDATE quota_counters
			 SET consumed = consumed + $1, last_consumed_at = $2
			 WHERE principal_id = $3 AND period_id = $4 AND consumed + $1 <= $5
			 RETURNING consumed`,
			amount, now, principalID, periodID, ceiling).Scan(&consumed)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		if err := s.pool.QueryRow(ctx,
			"SELECT consumed FROM quota_counters WHERE principal_id = $1 AND period_id = $2",
			principalID, periodID).Scan(&consumed); err != nil {
			return 0, false, fmt.Errorf("read quota counter: %w", err)
		}
		return consumed, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("consume quota: %w", err)
	}
	return consumed, true, nil
}

// GetQuotaCounter returns the counter for one principal and period.
func (s *Store) GetQuotaCounter(ctx context.Context, principalID, periodID string) (*model.QuotaCounter, error) {
	var c model.QuotaCounter
	err := s.pool.QueryRow(ctx,
		"SELECT principal_id, period_id, consumed, last_consumed_at FROM quota_counters WHERE principal_id = $1 AND period_id = $2",
		principalID, periodID).
		Scan(&c.PrincipalID, &c.PeriodID, &c.Consumed, &c.LastConsumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quota counter: %w", err)
	}
	return &c, nil
}

// PruneQuotaCounters deletes counters for periods strictly before cutoffPeriod.
func (s *Store) PruneQuotaCounters(ctx context.Context, cutoffPeriod string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM quota_counters WHERE period_id < $1", cutoffPeriod)
	if err != nil {
		return 0, fmt.Errorf("prune quota counters: %w", err)
	}
	return tag.RowsAffected(), nil
}
