package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/traceview/internal/trace"
)

var ErrNotFound = errors.New("trace cache record not found")

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store caches what the recording service returned: the manifest list as a
// whole, and one event sequence per trace id. Writing a trace's events
// replaces whatever was cached for it.
type Store interface {
	ReplaceManifests(ctx context.Context, manifests []trace.Manifest) error
	// ListManifests returns ErrNotFound until manifests were stored once.
	ListManifests(ctx context.Context) ([]trace.Manifest, error)
	GetManifest(ctx context.Context, traceID string) (trace.Manifest, error)
	ReplaceEvents(ctx context.Context, traceID string, events []trace.Event) error
	GetEvents(ctx context.Context, traceID string) ([]trace.Event, error)
	DeleteEvents(ctx context.Context, traceID string) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

type Stats struct {
	Driver               string     `json:"driver"`
	ManifestCount        int        `json:"manifest_count"`
	TraceCount           int        `json:"trace_count"`
	EventCount           int        `json:"event_count"`
	ManifestsRefreshedAt *time.Time `json:"manifests_refreshed_at,omitempty"`
	SchemaVersion        string     `json:"schema_version,omitempty"`
}

type Options struct {
	Driver string
	// Path is the SQLite database file.
	Path string
	// DSN is the Postgres connection string.
	DSN string
	// MemoryBytes sizes the in-memory event cache.
	MemoryBytes int
}

// Open returns the cache backend selected by options.Driver.
func Open(options Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(options.Driver)) {
	case "", DriverMemory:
		return NewMemoryStore(options.MemoryBytes), nil
	case DriverSQLite:
		return NewSQLiteStore(options.Path)
	case DriverPostgres:
		return NewPostgresStore(options.DSN)
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", options.Driver)
	}
}

func normalizeTraceID(traceID string) (string, error) {
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		return "", fmt.Errorf("trace id cannot be empty")
	}
	return traceID, nil
}

func encodeManifest(manifest trace.Manifest) (string, error) {
	payload, err := trace.MarshalJSON(manifest)
	if err != nil {
		return "", fmt.Errorf("encode manifest %q: %w", manifest.TraceID, err)
	}
	return string(payload), nil
}

func decodeManifest(payload string) (trace.Manifest, error) {
	var manifest trace.Manifest
	if err := trace.UnmarshalJSON([]byte(payload), &manifest); err != nil {
		return trace.Manifest{}, fmt.Errorf("decode cached manifest: %w", err)
	}
	return manifest, nil
}

func encodeEvent(event trace.Event) (string, error) {
	payload, err := event.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	return string(payload), nil
}

func decodeEvent(payload string) (trace.Event, error) {
	var event trace.Event
	if err := event.UnmarshalJSON([]byte(payload)); err != nil {
		return trace.Event{}, fmt.Errorf("decode cached event: %w", err)
	}
	return event, nil
}
