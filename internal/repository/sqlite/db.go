// Package sqlite contains SQLite implementations of the ledger repositories, for single-host
// deployments without a Postgres server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/itbali/vpn-validator-bot/internal/errs"
	"github.com/itbali/vpn-validator-bot/internal/migrate"
)

// DB wraps the sqlx handle shared by the repositories.
type DB struct{ X *sqlx.DB }

// Open connects to path (":memory:" for an in-memory ledger) and applies migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	x, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	x.SetMaxOpenConns(1) // single writer

	if _, err := x.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = x.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate.Apply(ctx, x.DB, migrate.SQLite); err != nil {
		_ = x.Close()
		return nil, fmt.Errorf("migrate ledger database: %w", err)
	}
	return &DB{X: x}, nil
}

// Close closes the database.
func (db *DB) Close() error { return db.X.Close() }

func (db *DB) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.X.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errs.ErrNotFound
	}
	return err
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func fromPtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullableID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}
