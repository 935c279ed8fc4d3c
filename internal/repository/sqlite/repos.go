package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/itbali/vpn-validator-bot/internal/errs"
	"github.com/itbali/vpn-validator-bot/internal/model"
)

// userRow maps 1:1 to the users table.
type userRow struct {
	ID          int64        `db:"id"`
	OpaqueID    int64        `db:"opaque_id"`
	Handle      string       `db:"handle"`
	DisplayName string       `db:"display_name"`
	IsAdmin     bool         `db:"is_admin"`
	CreatedAt   time.Time    `db:"created_at"`
	LastActive  sql.NullTime `db:"last_active"`
}

func (r userRow) toModel() model.User {
	return model.User{
		ID:          r.ID,
		OpaqueID:    r.OpaqueID,
		Handle:      r.Handle,
		DisplayName: r.DisplayName,
		IsAdmin:     r.IsAdmin,
		CreatedAt:   r.CreatedAt.UTC(),
		LastActive:  nullTime(r.LastActive),
	}
}

const userColumns = `id, opaque_id, handle, display_name, is_admin, created_at, last_active`

// UserRepo implements UserRepository on SQLite.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

func (r *UserRepo) one(ctx context.Context, q string, args ...any) (*model.User, error) {
	var row userRow
	if err := r.db.X.GetContext(ctx, &row, q, args...); err != nil {
		return nil, notFound(err)
	}
	u := row.toModel()
	return &u, nil
}

// Upsert inserts the identity or refreshes handle and display name.
func (r *UserRepo) Upsert(ctx context.Context, id model.Identity) (*model.User, error) {
	const q = `
INSERT INTO users (opaque_id, handle, display_name)
VALUES (?, ?, ?)
ON CONFLICT (opaque_id) DO UPDATE
SET handle = excluded.handle, display_name = excluded.display_name
RETURNING ` + userColumns
	return r.one(ctx, q, id.OpaqueID, id.Handle, id.DisplayName)
}

// GetByID selects a user by surrogate id.
func (r *UserRepo) GetByID(ctx context.Context, id int64) (*model.User, error) {
	return r.one(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// GetByOpaqueID selects a user by chat id.
func (r *UserRepo) GetByOpaqueID(ctx context.Context, opaqueID int64) (*model.User, error) {
	return r.one(ctx, `SELECT `+userColumns+` FROM users WHERE opaque_id = ?`, opaqueID)
}

// FindByHandle returns users whose handle contains fragment.
func (r *UserRepo) FindByHandle(ctx context.Context, fragment string) ([]model.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE handle <> '' AND instr(lower(handle), lower(?)) > 0 ORDER BY id`
	var rows []userRow
	if err := r.db.X.SelectContext(ctx, &rows, q, fragment); err != nil {
		return nil, err
	}
	out := make([]model.User, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// TouchActivity sets last_active.
func (r *UserRepo) TouchActivity(ctx context.Context, userID int64, at time.Time) error {
	_, err := r.db.X.ExecContext(ctx, `UPDATE users SET last_active = ? WHERE id = ?`, at.UTC(), userID)
	return err
}

// Count returns the number of users.
func (r *UserRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.X.GetContext(ctx, &n, `SELECT count(*) FROM users`)
	return n, err
}

// keyRow maps 1:1 to the vpn_keys table.
type keyRow struct {
	ID         int64        `db:"id"`
	UserID     int64        `db:"user_id"`
	KeyID      string       `db:"key_id"`
	Name       string       `db:"name"`
	AccessURL  string       `db:"access_url"`
	CreatedAt  time.Time    `db:"created_at"`
	LastActive sql.NullTime `db:"last_active"`
	DataBytes  int64        `db:"data_bytes"`
	IsActive   bool         `db:"is_active"`
}

func (r keyRow) toModel() model.Key {
	return model.Key{
		ID:         r.ID,
		UserID:     r.UserID,
		KeyID:      r.KeyID,
		Name:       r.Name,
		AccessURL:  r.AccessURL,
		CreatedAt:  r.CreatedAt.UTC(),
		LastActive: nullTime(r.LastActive),
		DataBytes:  r.DataBytes,
		IsActive:   r.IsActive,
	}
}

const keyColumns = `id, user_id, key_id, name, access_url, created_at, last_active, data_bytes, is_active`

// KeyRepo implements KeyRepository on SQLite.
type KeyRepo struct{ db *DB }

// NewKeyRepo constructs a key repository.
func NewKeyRepo(db *DB) *KeyRepo { return &KeyRepo{db: db} }

func (r *KeyRepo) list(ctx context.Context, q string, args ...any) ([]model.Key, error) {
	var rows []keyRow
	if err := r.db.X.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]model.Key, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// Create inserts a new active key row.
func (r *KeyRepo) Create(ctx context.Context, k *model.Key) error {
	now := time.Now().UTC()
	const q = `
INSERT INTO vpn_keys (user_id, key_id, name, access_url, created_at, is_active)
VALUES (?, ?, ?, ?, ?, 1)
RETURNING id`
	err := r.db.X.GetContext(ctx, &k.ID, q, k.UserID, k.KeyID, k.Name, k.AccessURL, now)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	k.CreatedAt = now
	k.IsActive = true
	return nil
}

// GetByKeyID selects a key by remote id.
func (r *KeyRepo) GetByKeyID(ctx context.Context, keyID string) (*model.Key, error) {
	var row keyRow
	if err := r.db.X.GetContext(ctx, &row, `SELECT `+keyColumns+` FROM vpn_keys WHERE key_id = ?`, keyID); err != nil {
		return nil, notFound(err)
	}
	k := row.toModel()
	return &k, nil
}

// ActiveForUser returns active keys of a user, newest first.
func (r *KeyRepo) ActiveForUser(ctx context.Context, userID int64) ([]model.Key, error) {
	return r.list(ctx, `SELECT `+keyColumns+` FROM vpn_keys WHERE user_id = ? AND is_active = 1 ORDER BY created_at DESC, id DESC`, userID)
}

// Deactivate clears is_active.
func (r *KeyRepo) Deactivate(ctx context.Context, keyID string) error {
	_, err := r.db.X.ExecContext(ctx, `UPDATE vpn_keys SET is_active = 0 WHERE key_id = ? AND is_active = 1`, keyID)
	return err
}

// RecordUsage updates counters and appends a sample in one transaction.
func (r *KeyRepo) RecordUsage(ctx context.Context, keyID string, dataBytes int64, lastActive *time.Time, at time.Time) error {
	return r.db.inTx(ctx, func(tx *sqlx.Tx) error {
		var rowID int64
		const upd = `
UPDATE vpn_keys
SET data_bytes = ?, last_active = COALESCE(?, last_active)
WHERE key_id = ?
RETURNING id`
		if err := tx.GetContext(ctx, &rowID, upd, dataBytes, fromPtr(lastActive), keyID); err != nil {
			return notFound(err)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO usage_stats (key_row_id, ts, data_bytes) VALUES (?, ?, ?)`, rowID, at.UTC(), dataBytes)
		return err
	})
}

// ListActive returns every active key.
func (r *KeyRepo) ListActive(ctx context.Context) ([]model.Key, error) {
	return r.list(ctx, `SELECT `+keyColumns+` FROM vpn_keys WHERE is_active = 1 ORDER BY id`)
}

// ListInactive returns active keys idle since cutoff.
func (r *KeyRepo) ListInactive(ctx context.Context, cutoff time.Time) ([]model.Key, error) {
	const q = `SELECT ` + keyColumns + ` FROM vpn_keys WHERE is_active = 1 AND (last_active IS NULL OR last_active < ?) ORDER BY id`
	return r.list(ctx, q, cutoff.UTC())
}

// Stats aggregates the ledger.
func (r *KeyRepo) Stats(ctx context.Context) (model.LedgerStats, error) {
	const q = `
SELECT
  (SELECT count(*) FROM users) AS total_users,
  (SELECT count(*) FROM vpn_keys WHERE is_active = 1) AS active_keys,
  (SELECT COALESCE(sum(data_bytes), 0) FROM vpn_keys) AS total_bytes`
	var row struct {
		TotalUsers int64 `db:"total_users"`
		ActiveKeys int64 `db:"active_keys"`
		TotalBytes int64 `db:"total_bytes"`
	}
	if err := r.db.X.GetContext(ctx, &row, q); err != nil {
		return model.LedgerStats{}, err
	}
	return model.LedgerStats{TotalUsers: row.TotalUsers, ActiveKeys: row.ActiveKeys, TotalBytes: row.TotalBytes}, nil
}

// AuditRepo implements AuditRepository on SQLite.
type AuditRepo struct{ db *DB }

// NewAuditRepo constructs an audit repository.
func NewAuditRepo(db *DB) *AuditRepo { return &AuditRepo{db: db} }

type auditRow struct {
	ID      int64         `db:"id"`
	UserID  sql.NullInt64 `db:"user_id"`
	Kind    string        `db:"kind"`
	TS      time.Time     `db:"ts"`
	Details string        `db:"details"`
}

// Append inserts an audit entry.
func (r *AuditRepo) Append(ctx context.Context, e *model.AuditEntry) error {
	now := time.Now().UTC()
	const q = `INSERT INTO user_actions (user_id, kind, ts, details) VALUES (?, ?, ?, ?) RETURNING id`
	if err := r.db.X.GetContext(ctx, &e.ID, q, nullableID(e.UserID), string(e.Kind), now, e.Details); err != nil {
		return err
	}
	e.Timestamp = now
	return nil
}

// CountByKind counts entries of one kind.
func (r *AuditRepo) CountByKind(ctx context.Context, kind model.ActionKind) (int64, error) {
	var n int64
	err := r.db.X.GetContext(ctx, &n, `SELECT count(*) FROM user_actions WHERE kind = ?`, string(kind))
	return n, err
}

// ListRecent returns the latest entries of a user.
func (r *AuditRepo) ListRecent(ctx context.Context, userID int64, limit int) ([]model.AuditEntry, error) {
	var rows []auditRow
	const q = `SELECT id, user_id, kind, ts, details FROM user_actions WHERE user_id = ? ORDER BY ts DESC, id DESC LIMIT ?`
	if err := r.db.X.SelectContext(ctx, &rows, q, userID, limit); err != nil {
		return nil, err
	}
	out := make([]model.AuditEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.AuditEntry{
			ID:        row.ID,
			UserID:    row.UserID.Int64,
			Kind:      model.ActionKind(row.Kind),
			Timestamp: row.TS.UTC(),
			Details:   row.Details,
		})
	}
	return out, nil
}
