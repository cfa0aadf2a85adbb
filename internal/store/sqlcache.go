package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/traceview/internal/trace"
	"github.com/ongoingai/traceview/migrations"
)

const stateManifestsRefreshedAt = "manifests_refreshed_at"

// sqlCache implements Store over database/sql. SQLite and Postgres differ
// only in placeholder syntax, write serialization, and busy retries.
type sqlCache struct {
	db         *sql.DB
	driver     string
	numbered   bool
	writeMu    *sync.Mutex
	retryWrite func(ctx context.Context, fn func() error) error
}

func (c *sqlCache) migrate(driver string) error {
	if err := migrations.Apply(context.Background(), c.db, driver); err != nil {
		return fmt.Errorf("ensure %s schema: %w", c.driver, err)
	}
	return nil
}

func (c *sqlCache) close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *sqlCache) rebind(query string) string {
	if !c.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *sqlCache) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if c.writeMu != nil {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
	}
	run := func() error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s transaction: %w", c.driver, err)
		}
		defer func() {
			_ = tx.Rollback()
		}()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s transaction: %w", c.driver, err)
		}
		return nil
	}
	if c.retryWrite == nil {
		return run()
	}
	return c.retryWrite(ctx, run)
}

func (c *sqlCache) setState(ctx context.Context, tx *sql.Tx, name, value string) error {
	_, err := tx.ExecContext(ctx, c.rebind(`
INSERT INTO cache_state (name, value) VALUES (?, ?)
ON CONFLICT (name) DO UPDATE SET value = excluded.value`), name, value)
	if err != nil {
		return fmt.Errorf("update cache state %q: %w", name, err)
	}
	return nil
}

func (c *sqlCache) state(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := c.db.QueryRowContext(ctx, c.rebind(`SELECT value FROM cache_state WHERE name = ?`), name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read cache state %q: %w", name, err)
	}
	return value, true, nil
}

func (c *sqlCache) ReplaceManifests(ctx context.Context, manifests []trace.Manifest) error {
	return c.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM manifests`); err != nil {
			return fmt.Errorf("clear cached manifests: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, c.rebind(`
INSERT INTO manifests (trace_id, position, provider, started_at, payload)
VALUES (?, ?, ?, ?, ?)`))
		if err != nil {
			return fmt.Errorf("prepare manifest insert: %w", err)
		}
		defer stmt.Close()

		seen := make(map[string]bool, len(manifests))
		for i, manifest := range manifests {
			if manifest.TraceID == "" || seen[manifest.TraceID] {
				continue
			}
			seen[manifest.TraceID] = true
			payload, err := encodeManifest(manifest)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, manifest.TraceID, i, manifest.Provider, manifest.StartedAt, payload); err != nil {
				return fmt.Errorf("insert manifest %q: %w", manifest.TraceID, err)
			}
		}
		return c.setState(ctx, tx, stateManifestsRefreshedAt, time.Now().UTC().Format(time.RFC3339Nano))
	})
}

func (c *sqlCache) ListManifests(ctx context.Context) ([]trace.Manifest, error) {
	if _, ok, err := c.state(ctx, stateManifestsRefreshedAt); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrNotFound
	}

	rows, err := c.db.QueryContext(ctx, `SELECT payload FROM manifests ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("query cached manifests: %w", err)
	}
	defer rows.Close()

	manifests := make([]trace.Manifest, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan cached manifest: %w", err)
		}
		manifest, err := decodeManifest(payload)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, manifest)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cached manifests: %w", err)
	}
	return manifests, nil
}

func (c *sqlCache) GetManifest(ctx context.Context, traceID string) (trace.Manifest, error) {
	var payload string
	err := c.db.QueryRowContext(ctx, c.rebind(`SELECT payload FROM manifests WHERE trace_id = ?`), traceID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return trace.Manifest{}, ErrNotFound
	}
	if err != nil {
		return trace.Manifest{}, fmt.Errorf("get cached manifest %q: %w", traceID, err)
	}
	return decodeManifest(payload)
}

func (c *sqlCache) ReplaceEvents(ctx context.Context, traceID string, events []trace.Event) error {
	traceID, err := normalizeTraceID(traceID)
	if err != nil {
		return err
	}
	payloads := make([]string, len(events))
	for i, event := range events {
		payload, err := encodeEvent(event)
		if err != nil {
			return fmt.Errorf("trace %q event %d: %w", traceID, i, err)
		}
		payloads[i] = payload
	}

	return c.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, c.rebind(`DELETE FROM trace_events WHERE trace_id = ?`), traceID); err != nil {
			return fmt.Errorf("clear cached events for %q: %w", traceID, err)
		}
		stmt, err := tx.PrepareContext(ctx, c.rebind(`
INSERT INTO trace_events (trace_id, seq, event_type, span_id, payload)
VALUES (?, ?, ?, ?, ?)`))
		if err != nil {
			return fmt.Errorf("prepare event insert: %w", err)
		}
		defer stmt.Close()

		for i, event := range events {
			if _, err := stmt.ExecContext(ctx, traceID, i, string(event.Type), event.SpanID, payloads[i]); err != nil {
				return fmt.Errorf("insert event %d for %q: %w", i, traceID, err)
			}
		}
		_, err = tx.ExecContext(ctx, c.rebind(`
INSERT INTO cached_traces (trace_id, event_count, cached_at) VALUES (?, ?, ?)
ON CONFLICT (trace_id) DO UPDATE SET event_count = excluded.event_count, cached_at = excluded.cached_at`),
			traceID, len(events), time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("mark %q cached: %w", traceID, err)
		}
		return nil
	})
}

func (c *sqlCache) GetEvents(ctx context.Context, traceID string) ([]trace.Event, error) {
	var count int
	err := c.db.QueryRowContext(ctx, c.rebind(`SELECT event_count FROM cached_traces WHERE trace_id = ?`), traceID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cached trace %q: %w", traceID, err)
	}

	rows, err := c.db.QueryContext(ctx, c.rebind(`SELECT payload FROM trace_events WHERE trace_id = ? ORDER BY seq ASC`), traceID)
	if err != nil {
		return nil, fmt.Errorf("query cached events for %q: %w", traceID, err)
	}
	defer rows.Close()

	events := make([]trace.Event, 0, count)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan cached event: %w", err)
		}
		event, err := decodeEvent(payload)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cached events for %q: %w", traceID, err)
	}
	return events, nil
}

func (c *sqlCache) DeleteEvents(ctx context.Context, traceID string) error {
	return c.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, c.rebind(`DELETE FROM trace_events WHERE trace_id = ?`), traceID); err != nil {
			return fmt.Errorf("delete cached events for %q: %w", traceID, err)
		}
		if _, err := tx.ExecContext(ctx, c.rebind(`DELETE FROM cached_traces WHERE trace_id = ?`), traceID); err != nil {
			return fmt.Errorf("delete cached trace %q: %w", traceID, err)
		}
		return nil
	})
}

func (c *sqlCache) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Driver: c.driver}
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM manifests`).Scan(&stats.ManifestCount); err != nil {
		return Stats{}, fmt.Errorf("count cached manifests: %w", err)
	}
	var events sql.NullInt64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*), SUM(event_count) FROM cached_traces`).Scan(&stats.TraceCount, &events); err != nil {
		return Stats{}, fmt.Errorf("count cached traces: %w", err)
	}
	stats.EventCount = int(events.Int64)

	raw, ok, err := c.state(ctx, stateManifestsRefreshedAt)
	if err != nil {
		return Stats{}, err
	}
	if ok {
		if refreshedAt, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			stats.ManifestsRefreshedAt = &refreshedAt
		}
	}

	applied, err := migrations.Applied(ctx, c.db)
	if err != nil {
		return Stats{}, err
	}
	if len(applied) > 0 {
		stats.SchemaVersion = applied[len(applied)-1]
	}
	return stats, nil
}
