// Package migrations embeds the trace cache schema for each SQL backend and
// applies it once per database.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed sqlite/*.sql postgres/*.sql
var embedded embed.FS

// dialect holds the statements that differ between backends. Migration
// files are recorded in schema_migrations by their embedded path.
type dialect struct {
	ledgerDDL string
	claimSQL  string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		ledgerDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
		claimSQL: `INSERT OR IGNORE INTO schema_migrations (name) VALUES (?)`,
	},
	DriverPostgres: {
		ledgerDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		claimSQL: `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
	},
}

// Apply brings db up to date with the embedded migrations for driver. Each
// file runs in its own transaction together with its schema_migrations row,
// so concurrent callers apply it exactly once.
func Apply(ctx context.Context, db *sql.DB, driver string) error {
	if db == nil {
		return errors.New("database is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	driver = strings.ToLower(strings.TrimSpace(driver))
	d, ok := dialects[driver]
	if !ok {
		return fmt.Errorf("unsupported migration driver %q", driver)
	}

	if _, err := db.ExecContext(ctx, d.ledgerDDL); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	files, err := Files(driver)
	if err != nil {
		return err
	}
	for _, file := range files {
		if err := d.apply(ctx, db, file); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

// Files lists the embedded migration paths for driver in apply order.
func Files(driver string) ([]string, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if _, ok := dialects[driver]; !ok {
		return nil, fmt.Errorf("unsupported migration driver %q", driver)
	}
	files, err := fs.Glob(embedded, driver+"/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list embedded %s migrations: %w", driver, err)
	}
	sort.Strings(files)
	return files, nil
}

// Applied lists the migrations recorded in schema_migrations, oldest name first.
func Applied(ctx context.Context, db *sql.DB) ([]string, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	rows, err := db.QueryContext(ctx, `SELECT name FROM schema_migrations ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (d dialect) apply(ctx context.Context, db *sql.DB, file string) (err error) {
	body, err := embedded.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	claimed, err := tx.ExecContext(ctx, d.claimSQL, file)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if n, err := claimed.RowsAffected(); err != nil {
		return fmt.Errorf("claim row count: %w", err)
	} else if n == 0 {
		return tx.Rollback()
	}

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
