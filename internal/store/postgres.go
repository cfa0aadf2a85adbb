package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/traceview/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	postgresMaxOpenConns    = 20
	postgresMaxIdleConns    = 10
	postgresConnMaxLifetime = 30 * time.Minute
	postgresPingTimeout     = 5 * time.Second
)

// PostgresStore is a cache shared by several traceview servers.
type PostgresStore struct {
	*sqlCache
	DSN string
}

// NewPostgresStore connects through the pgx stdlib driver and applies the
// cache schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	db.SetMaxOpenConns(postgresMaxOpenConns)
	db.SetMaxIdleConns(postgresMaxIdleConns)
	db.SetConnMaxLifetime(postgresConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), postgresPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	cache := &sqlCache{db: db, driver: DriverPostgres, numbered: true}
	if err := cache.migrate(migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{sqlCache: cache, DSN: dsn}, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.sqlCache == nil {
		return nil
	}
	return s.close()
}
