// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/itbali/vpn-validator-bot/migrations"
)

// Dialect selects the migration set.
type Dialect string

// Supported ledger dialects.
const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Up runs all pending Postgres migrations for dsn.
func Up(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	return Apply(ctx, db, Postgres)
}

// Apply runs pending migrations of the given dialect on an open database.
func Apply(ctx context.Context, db *sql.DB, d Dialect) error {
	var gd goose.Dialect
	switch d {
	case Postgres:
		gd = goose.DialectPostgres
	case SQLite:
		gd = goose.DialectSQLite3
	default:
		return fmt.Errorf("migrate: unsupported dialect %q", d)
	}

	sub, err := fs.Sub(migrations.FS, string(d))
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(gd, db, sub)
	if err != nil {
		return err
	}
	_, err = p.Up(ctx)
	return err
}
