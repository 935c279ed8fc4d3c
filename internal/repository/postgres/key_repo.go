package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/itbali/vpn-validator-bot/internal/errs"
	"github.com/itbali/vpn-validator-bot/internal/model"
)

// KeyRepo implements KeyRepository using PostgreSQL.
type KeyRepo struct{ db *DB }

// NewKeyRepo constructs a key repository.
func NewKeyRepo(db *DB) *KeyRepo { return &KeyRepo{db: db} }

const keyColumns = `id, user_id, key_id, name, access_url, created_at, last_active, data_bytes, is_active`

func scanKey(row pgx.Row) (*model.Key, error) {
	var k model.Key
	err := row.Scan(&k.ID, &k.UserID, &k.KeyID, &k.Name, &k.AccessURL, &k.CreatedAt, &k.LastActive, &k.DataBytes, &k.IsActive)
	if err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

func (r *KeyRepo) list(ctx context.Context, q string, args ...any) ([]model.Key, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

// Create inserts a new active key row.
func (r *KeyRepo) Create(ctx context.Context, k *model.Key) error {
	const q = `
INSERT INTO vpn_keys (user_id, key_id, name, access_url, is_active)
VALUES ($1, $2, $3, $4, true)
RETURNING id, created_at`
	err := r.db.Pool.QueryRow(ctx, q, k.UserID, k.KeyID, k.Name, k.AccessURL).Scan(&k.ID, &k.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	k.IsActive = true
	return nil
}

// GetByKeyID selects a key by remote id.
func (r *KeyRepo) GetByKeyID(ctx context.Context, keyID string) (*model.Key, error) {
	const q = `SELECT ` + keyColumns + ` FROM vpn_keys WHERE key_id=$1`
	return scanKey(r.db.Pool.QueryRow(ctx, q, keyID))
}

// ActiveForUser returns active keys of a user, newest first.
func (r *KeyRepo) ActiveForUser(ctx context.Context, userID int64) ([]model.Key, error) {
	const q = `SELECT ` + keyColumns + ` FROM vpn_keys WHERE user_id=$1 AND is_active ORDER BY created_at DESC, id DESC`
	return r.list(ctx, q, userID)
}

// Deactivate clears is_active.
func (r *KeyRepo) Deactivate(ctx context.Context, keyID string) error {
	const q = `UPDATE vpn_keys SET is_active=false WHERE key_id=$1 AND is_active`
	_, err := r.db.Pool.Exec(ctx, q, keyID)
	return err
}

// RecordUsage updates counters and appends a sample in one transaction.
func (r *KeyRepo) RecordUsage(ctx context.Context, keyID string, dataBytes int64, lastActive *time.Time, at time.Time) error {
	const upd = `
UPDATE vpn_keys
SET data_bytes=$2, last_active=COALESCE($3, last_active)
WHERE key_id=$1
RETURNING id`
	const ins = `INSERT INTO usage_stats (key_row_id, ts, data_bytes) VALUES ($1, $2, $3)`

	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		var rowID int64
		if err := tx.QueryRow(ctx, upd, keyID, dataBytes, lastActive).Scan(&rowID); err != nil {
			return notFound(err)
		}
		_, err := tx.Exec(ctx, ins, rowID, at, dataBytes)
		return err
	})
}

// ListActive returns every active key.
func (r *KeyRepo) ListActive(ctx context.Context) ([]model.Key, error) {
	const q = `SELECT ` + keyColumns + ` FROM vpn_keys WHERE is_active ORDER BY id`
	return r.list(ctx, q)
}

// ListInactive returns active keys idle since cutoff.
func (r *KeyRepo) ListInactive(ctx context.Context, cutoff time.Time) ([]model.Key, error) {
	const q = `SELECT ` + keyColumns + ` FROM vpn_keys WHERE is_active AND (last_active IS NULL OR last_active < $1) ORDER BY id`
	return r.list(ctx, q, cutoff)
}

// Stats aggregates the ledger.
func (r *KeyRepo) Stats(ctx context.Context) (model.LedgerStats, error) {
	const q = `
SELECT
  (SELECT count(*) FROM users),
  (SELECT count(*) FROM vpn_keys WHERE is_active),
  (SELECT COALESCE(sum(data_bytes), 0) FROM vpn_keys)::bigint`
	var s model.LedgerStats
	err := r.db.Pool.QueryRow(ctx, q).Scan(&s.TotalUsers, &s.ActiveKeys, &s.TotalBytes)
	return s, err
}
