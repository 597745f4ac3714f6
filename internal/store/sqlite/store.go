// Package sqlite provides the default Store backend for single-node
// deployments and tests, backed by modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/rapidtriage/triage/internal/model"
	"github.com/rapidtriage/triage/internal/store"
)

// Store persists API keys and quota counters in SQLite.
type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

// New creates a SQLite-backed store. Pass empty string for in-memory.
func New(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "triage.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// apiKeyRow maps 1:1 to the api_keys table. Scopes and the IP allow-list
// are stored as JSON text columns.
type apiKeyRow struct {
	ID                string     `db:"id"`
	OwnerID           string     `db:"owner_id"`
	DisplayName       string     `db:"display_name"`
	KeyHash           string     `db:"key_hash"`
	KeyPrefix         string     `db:"key_prefix"`
	ScopesJSON        string     `db:"scopes_json"`
	Tier              string     `db:"tier"`
	RateLimitOverride int        `db:"rate_limit_override"`
	IPAllowListJSON   string     `db:"ip_allow_list_json"`
	IsActive          bool       `db:"is_active"`
	ExpiresAt         *time.Time `db:"expires_at"`
	CreatedAt         time.Time  `db:"created_at"`
	LastUsedAt        *time.Time `db:"last_used_at"`
	RequestCount      int64      `db:"request_count"`
}

func apiKeyRowFromModel(k *model.APIKey) (apiKeyRow, error) {
	scopesJSON, err := json.Marshal(k.Scopes)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal scopes: %w", err)
	}
	allowJSON, err := json.Marshal(k.IPAllowList)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal ip allow list: %w", err)
	}
	return apiKeyRow{
		ID:                k.ID,
		OwnerID:           k.OwnerID,
		DisplayName:       k.DisplayName,
		KeyHash:           k.KeyHash,
		KeyPrefix:         k.KeyPrefix,
		ScopesJSON:        string(scopesJSON),
		Tier:              string(k.Tier),
		RateLimitOverride: k.RateLimitOverride,
		IPAllowListJSON:   string(allowJSON),
		IsActive:          k.IsActive,
		ExpiresAt:         k.ExpiresAt,
		CreatedAt:         k.CreatedAt,
		LastUsedAt:        k.LastUsedAt,
		RequestCount:      k.RequestCount,
	}, nil
}

func (r apiKeyRow) toModel() (model.APIKey, error) {
	var scopes []model.Scope
	if r.ScopesJSON != "" && r.ScopesJSON != "null" {
		if err := json.Unmarshal([]byte(r.ScopesJSON), &scopes); err != nil {
			return model.APIKey{}, fmt.Errorf("unmarshal scopes: %w", err)
		}
	}
	var allowList []string
	if r.IPAllowListJSON != "" && r.IPAllowListJSON != "null" {
		if err := json.Unmarshal([]byte(r.IPAllowListJSON), &allowList); err != nil {
			return model.APIKey{}, fmt.Errorf("unmarshal ip allow list: %w", err)
		}
	}
	return model.APIKey{
		ID:                r.ID,
		OwnerID:           r.OwnerID,
		DisplayName:       r.DisplayName,
		KeyHash:           r.KeyHash,
		KeyPrefix:         r.KeyPrefix,
		Scopes:            scopes,
		Tier:              model.Tier(r.Tier),
		RateLimitOverride: r.RateLimitOverride,
		IPAllowList:       allowList,
		IsActive:          r.IsActive,
		ExpiresAt:         r.ExpiresAt,
		CreatedAt:         r.CreatedAt,
		LastUsedAt:        r.LastUsedAt,
		RequestCount:      r.RequestCount,
	}, nil
}

// CreateAPIKey inserts a new API key record.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	key.CreatedAt = time.Now().UTC()

	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}

	const q = `INSERT INTO api_keys
		(id, owner_id, display_name, key_hash, key_prefix, scopes_json, tier,
		 rate_limit_override, ip_allow_list_json, is_active, expires_at,
		 created_at, request_count)
		VALUES
		(:id, :owner_id, :display_name, :key_hash, :key_prefix, :scopes_json, :tier,
		 :rate_limit_override, :ip_allow_list_json, :is_active, :expires_at,
		 :created_at, :request_count)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash looks up an API key by its SHA-256 secret hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var row apiKeyRow
	if err := s.db.GetContext(ctx, &row, "SELECT * FROM api_keys WHERE key_hash = ?", hash); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	key, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// GetAPIKey looks up an API key by ID.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*model.APIKey, error) {
	var row apiKeyRow
	if err := s.db.GetContext(ctx, &row, "SELECT * FROM api_keys WHERE id = ?", id); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	key, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// ListAPIKeysByOwner returns all keys minted by one owner, newest first.
func (s *Store) ListAPIKeysByOwner(ctx context.Context, ownerID string) ([]model.APIKey, error) {
	var rows []apiKeyRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM api_keys WHERE owner_id = ? ORDER BY created_at DESC", ownerID); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}

	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// RevokeAPIKey marks an API key as inactive by ID.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET is_active = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke api key rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// TouchAPIKey bumps request_count and sets last_used_at.
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET last_used_at = ?, request_count = request_count + 1 WHERE id = ?", now, id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch api key rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// TryConsume performs the check-then-increment as a single conditional
// UPDATE, so two concurrent calls can never jointly overshoot the ceiling.
func (s *Store) TryConsume(ctx context.Context, principalID, periodID string, amount, ceiling int64) (int64, bool, error) {
	now := time.Now().UTC()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_counters (principal_id, period_id, consumed, last_consumed_at)
		 VALUES (?, ?, 0, ?)
		 ON CONFLICT (principal_id, period_id) DO NOTHING`,
		principalID, periodID, now); err != nil {
		return 0, false, fmt.Errorf("ensure quota counter: %w", err)
	}

	var q string
	args := []interface{}{amount, now, principalID, periodID}
	if ceiling < 0 {
		q = `UPDATE quota_counters
			 SET consumed = consumed + ?, last_consumed_at = ?
			 WHERE principal_id = ? AND period_id = ?
			 RETURNING consumed`
	} else {
		q = `UPDATE quota_counters
			 SET consumed = consumed + ?, last_consumed_at = ?
			 WHERE principal_id = ? AND period_id = ? AND consumed + ? <= ?
			 RETURNING consumed`
		args = append(args, amount, ceiling)
	}

	var consumed int64
	err := s.db.QueryRowxContext(ctx, q, args...).Scan(&consumed)
	if err == sql.ErrNoRows {
		// Denied: report the untouched counter value.
		if err := s.db.GetContext(ctx, &consumed,
			"SELECT consumed FROM quota_counters WHERE principal_id = ? AND period_id = ?",
			principalID, periodID); err != nil {
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
	err := s.db.QueryRowxContext(ctx,
		"SELECT principal_id, period_id, consumed, last_consumed_at FROM quota_counters WHERE principal_id = ? AND period_id = ?",
		principalID, periodID).
		Scan(&c.PrincipalID, &c.PeriodID, &c.Consumed, &c.LastConsumedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quota counter: %w", err)
	}
	return &c, nil
}

// PruneQuotaCounters deletes counters for periods strictly before
// cutoffPeriod. Period IDs are zero-padded "YYYY-MM", so string comparison
// orders them chronologically.
func (s *Store) PruneQuotaCounters(ctx context.Context, cutoffPeriod string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM quota_counters WHERE period_id < ?", cutoffPeriod)
	if err != nil {
		return 0, fmt.Errorf("prune quota counters: %w", err)
	}
	return result.RowsAffected()
}
