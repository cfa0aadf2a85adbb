package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/ongoingai/traceview/internal/trace"
)

// DefaultMemoryBytes sizes the in-memory event cache when no size is configured.
const DefaultMemoryBytes = 64 * 1024 * 1024

var eventKeyPrefix = []byte("events:")

// MemoryStore keeps event sequences in a fastcache arena and the manifest
// list in process memory. The arena evicts old entries when full; an evicted
// trace reads back as ErrNotFound and is fetched again by the caller.
type MemoryStore struct {
	mu          sync.RWMutex
	events      *fastcache.Cache
	manifests   []trace.Manifest
	haveList    bool
	refreshedAt time.Time
	// cached maps trace id to the event count stored in the arena.
	cached map[string]int
}

func NewMemoryStore(maxBytes int) *MemoryStore {
	if maxBytes <= 0 {
		maxBytes = DefaultMemoryBytes
	}
	return &MemoryStore{
		events: fastcache.New(maxBytes),
		cached: make(map[string]int),
	}
}

func (s *MemoryStore) ReplaceManifests(_ context.Context, manifests []trace.Manifest) error {
	copied := make([]trace.Manifest, len(manifests))
	copy(copied, manifests)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests = copied
	s.haveList = true
	s.refreshedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListManifests(_ context.Context) ([]trace.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.haveList {
		return nil, ErrNotFound
	}
	out := make([]trace.Manifest, len(s.manifests))
	copy(out, s.manifests)
	return out, nil
}

func (s *MemoryStore) GetManifest(_ context.Context, traceID string) (trace.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, manifest := range s.manifests {
		if manifest.TraceID == traceID {
			return manifest, nil
		}
	}
	return trace.Manifest{}, ErrNotFound
}

func (s *MemoryStore) ReplaceEvents(_ context.Context, traceID string, events []trace.Event) error {
	traceID, err := normalizeTraceID(traceID)
	if err != nil {
		return err
	}
	payload, err := trace.MarshalEvents(events)
	if err != nil {
		return fmt.Errorf("encode events for %q: %w", traceID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events.SetBig(eventKey(traceID), payload)
	s.cached[traceID] = len(events)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, traceID string) ([]trace.Event, error) {
	s.mu.RLock()
	_, ok := s.cached[traceID]
	var payload []byte
	if ok {
		payload = s.events.GetBig(nil, eventKey(traceID))
	}
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if len(payload) == 0 {
		s.mu.Lock()
		delete(s.cached, traceID)
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	events, err := trace.UnmarshalEvents(payload)
	if err != nil {
		return nil, fmt.Errorf("decode cached events for %q: %w", traceID, err)
	}
	if events == nil {
		events = []trace.Event{}
	}
	return events, nil
}

func (s *MemoryStore) DeleteEvents(_ context.Context, traceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events.Del(eventKey(traceID))
	delete(s.cached, traceID)
	return nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{
		Driver:        DriverMemory,
		ManifestCount: len(s.manifests),
		TraceCount:    len(s.cached),
	}
	for _, count := range s.cached {
		stats.EventCount += count
	}
	if s.haveList {
		refreshedAt := s.refreshedAt
		stats.ManifestsRefreshedAt = &refreshedAt
	}
	return stats, nil
}

func (s *MemoryStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events.Reset()
	s.cached = make(map[string]int)
	return nil
}

func eventKey(traceID string) []byte {
	key := make([]byte, 0, len(eventKeyPrefix)+len(traceID))
	key = append(key, eventKeyPrefix...)
	return append(key, traceID...)
}
