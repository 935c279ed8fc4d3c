package postgres

import (
	"context"

	"github.com/itbali/vpn-validator-bot/internal/model"
)

// AuditRepo implements AuditRepository using PostgreSQL.
type AuditRepo struct{ db *DB }

// NewAuditRepo constructs an audit repository.
func NewAuditRepo(db *DB) *AuditRepo { return &AuditRepo{db: db} }

// Append inserts an audit entry.
func (r *AuditRepo) Append(ctx context.Context, e *model.AuditEntry) error {
	const q = `INSERT INTO user_actions (user_id, kind, details) VALUES ($1, $2, $3) RETURNING id, ts`
	return r.db.Pool.QueryRow(ctx, q, nullableID(e.UserID), string(e.Kind), e.Details).Scan(&e.ID, &e.Timestamp)
}

// CountByKind counts entries of one kind.
func (r *AuditRepo) CountByKind(ctx context.Context, kind model.ActionKind) (int64, error) {
	var n int64
	err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM user_actions WHERE kind=$1`, string(kind)).Scan(&n)
	return n, err
}

// ListRecent returns the latest entries of a user.
func (r *AuditRepo) ListRecent(ctx context.Context, userID int64, limit int) ([]model.AuditEntry, error) {
	const q = `
SELECT id, user_id, kind, ts, details
FROM user_actions WHERE user_id=$1
ORDER BY ts DESC, id DESC
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e    model.AuditEntry
			uid  *int64
			kind string
		)
		if err := rows.Scan(&e.ID, &uid, &kind, &e.Timestamp, &e.Details); err != nil {
			return nil, err
		}
		if uid != nil {
			e.UserID = *uid
		}
		e.Kind = model.ActionKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}
