package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	retry "github.com/avast/retry-go"

	"github.com/ongoingai/traceview/migrations"

	_ "modernc.org/sqlite"
)

// sqlitePragmas run on every new SQLite cache, in order.
var sqlitePragmas = []string{
	`PRAGMA journal_mode = WAL`,
	`PRAGMA synchronous = NORMAL`,
	`PRAGMA busy_timeout = 5000`,
}

const (
	sqliteBusyAttempts     = 13
	sqliteBusyInitialDelay = 5 * time.Millisecond
	sqliteBusyMaxDelay     = 250 * time.Millisecond
)

// SQLiteStore is the on-disk cache used by the CLI and single-node servers.
type SQLiteStore struct {
	*sqlCache
	Path string
}

// NewSQLiteStore opens or creates the cache database at path, creating
// parent directories as needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}
	for _, pragma := range sqlitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", strings.TrimPrefix(pragma, "PRAGMA "), err)
		}
	}

	cache := &sqlCache{
		db:     db,
		driver: DriverSQLite,
		// One writer at a time; concurrent replays would otherwise trip
		// SQLITE_BUSY.
		writeMu:    &sync.Mutex{},
		retryWrite: retrySQLiteBusy,
	}
	if err := cache.migrate(migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlCache: cache, Path: path}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlCache == nil {
		return nil
	}
	return s.close()
}

// retrySQLiteBusy retries fn while it fails with lock contention, backing
// off exponentially up to sqliteBusyMaxDelay.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(sqliteBusyAttempts),
		retry.Delay(sqliteBusyInitialDelay),
		retry.MaxDelay(sqliteBusyMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isSQLiteBusyError),
	)
}

func isSQLiteBusyError(err error) bool {
	return err != nil && isSQLiteBusyMessage(strings.ToLower(err.Error()))
}
