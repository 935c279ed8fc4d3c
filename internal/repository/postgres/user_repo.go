package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/itbali/vpn-validator-bot/internal/model"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

const userColumns = `id, opaque_id, handle, display_name, is_admin, created_at, last_active`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.OpaqueID, &u.Handle, &u.DisplayName, &u.IsAdmin, &u.CreatedAt, &u.LastActive); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// Upsert inserts the identity or refreshes handle and display name.
func (r *UserRepo) Upsert(ctx context.Context, id model.Identity) (*model.User, error) {
	const q = `
INSERT INTO users (opaque_id, handle, display_name)
VALUES ($1, $2, $3)
ON CONFLICT (opaque_id) DO UPDATE
SET handle = EXCLUDED.handle, display_name = EXCLUDED.display_name
RETURNING ` + userColumns
	return scanUser(r.db.Pool.QueryRow(ctx, q, id.OpaqueID, id.Handle, id.DisplayName))
}

// GetByID selects a user by surrogate id.
func (r *UserRepo) GetByID(ctx context.Context, id int64) (*model.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	return scanUser(r.db.Pool.QueryRow(ctx, q, id))
}

// GetByOpaqueID selects a user by chat id.
func (r *UserRepo) GetByOpaqueID(ctx context.Context, opaqueID int64) (*model.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE opaque_id=$1`
	return scanUser(r.db.Pool.QueryRow(ctx, q, opaqueID))
}

// FindByHandle returns users whose handle contains fragment.
func (r *UserRepo) FindByHandle(ctx context.Context, fragment string) ([]model.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE handle <> '' AND strpos(lower(handle), lower($1)) > 0 ORDER BY id`
	rows, err := r.db.Pool.Query(ctx, q, fragment)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// TouchActivity sets last_active for the user.
func (r *UserRepo) TouchActivity(ctx context.Context, userID int64, at time.Time) error {
	const q = `UPDATE users SET last_active=$2 WHERE id=$1`
	_, err := r.db.Pool.Exec(ctx, q, userID, at)
	return err
}

// Count returns the number of users.
func (r *UserRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&n)
	return n, err
}
