// Package migrations embeds SQL migration files and provides a function to apply them.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

// FS contains the embedded SQL migration files, one directory per dialect.
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS

// Dialect names a supported database engine.
type Dialect string

// Supported dialects.
const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Setup points goose at the embedded migrations for the dialect and returns
// the directory to pass to goose commands.
func Setup(d Dialect) (string, error) {
	goose.SetBaseFS(FS)

	switch d {
	case SQLite:
		if err := goose.SetDialect("sqlite3"); err != nil {
			return "", fmt.Errorf("set dialect: %w", err)
		}
		return "sqlite", nil
	case Postgres:
		if err := goose.SetDialect("postgres"); err != nil {
			return "", fmt.Errorf("set dialect: %w", err)
		}
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", d)
	}
}

// Run applies all pending migrations to the given database.
func Run(db *sql.DB, d Dialect) error {
	dir, err := Setup(d)
	if err != nil {
		return err
	}

	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
