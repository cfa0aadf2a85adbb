package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ongoingai/traceview/internal/trace"
)

const writerBatchSize = 16

const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

// Snapshot is the complete event sequence of one trace. Writing it replaces
// what the cache held for that trace.
type Snapshot struct {
	TraceID string
	Events  []trace.Event
}

// WriterDiagnostics captures queue pressure and drop signals of the snapshot writer.
type WriterDiagnostics struct {
	QueueCapacity           int              `json:"queue_capacity"`
	QueueDepth              int              `json:"queue_depth"`
	QueueDepthHighWatermark int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct     int              `json:"queue_utilization_pct"`
	QueuePressureState      string           `json:"queue_pressure_state"`
	EnqueueAcceptedTotal    int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal     int64            `json:"enqueue_dropped_total"`
	CoalescedTotal          int64            `json:"coalesced_total"`
	WrittenTotal            int64            `json:"written_total"`
	WriteDroppedTotal       int64            `json:"write_dropped_total"`
	LastEnqueueDropAt       *time.Time       `json:"last_enqueue_drop_at,omitempty"`
	LastWriteDropAt         *time.Time       `json:"last_write_drop_at,omitempty"`
	LastWriteDropTraceID    string           `json:"last_write_drop_trace_id,omitempty"`
	WriteFailuresByClass    map[string]int64 `json:"write_failures_by_class,omitempty"`
	StoreDriver             string           `json:"store_driver,omitempty"`
}

// WriteFailure describes a snapshot that could not be persisted.
type WriteFailure struct {
	TraceID    string
	EventCount int
	Err        error
	ErrorClass string
}

// WriteFailureHandler receives asynchronous write failure signals.
type WriteFailureHandler func(WriteFailure)

var noopWriteFailureHandler = WriteFailureHandler(func(WriteFailure) {})

// WriterMetrics holds optional callbacks the Writer invokes at key pipeline points.
type WriterMetrics struct {
	OnEnqueue func()
	OnDrop    func()
	// OnFlush is called after each batch with the number of snapshots written.
	OnFlush func(written int, duration time.Duration)
}

// Writer persists snapshots on a background goroutine so streaming callers
// never wait on the cache. Snapshots for the same trace queued close
// together are coalesced; only the latest is written.
type Writer struct {
	store  Store
	driver string
	queue  chan Snapshot
	wg     sync.WaitGroup

	started      atomic.Bool
	stopped      atomic.Bool
	stopOnce     sync.Once
	doneOnce     sync.Once
	done         chan struct{}
	queueMu      sync.RWMutex
	lifecycleMu  sync.RWMutex
	workerCancel context.CancelFunc
	failures     atomic.Value // WriteFailureHandler
	metrics      atomic.Value // *WriterMetrics

	queueDepthHighWatermark atomic.Int64
	enqueueAcceptedTotal    atomic.Int64
	enqueueDroppedTotal     atomic.Int64
	coalescedTotal          atomic.Int64
	writtenTotal            atomic.Int64
	writeDroppedTotal       atomic.Int64
	lastEnqueueDropUnixNano atomic.Int64
	lastWriteDropUnixNano   atomic.Int64
	lastWriteDropTraceID    atomic.Value // string

	failureMu      sync.Mutex
	failureByClass map[string]int64
}

func NewWriter(store Store, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = 64
	}

	writer := &Writer{
		store:          store,
		queue:          make(chan Snapshot, bufferSize),
		done:           make(chan struct{}),
		failureByClass: make(map[string]int64),
	}
	if stats, err := store.Stats(context.Background()); err == nil {
		writer.driver = stats.Driver
	}
	writer.failures.Store(noopWriteFailureHandler)
	writer.metrics.Store(&WriterMetrics{})
	writer.lastWriteDropTraceID.Store("")
	return writer
}

// SetWriteFailureHandler replaces the callback used for failed writes.
func (w *Writer) SetWriteFailureHandler(handler WriteFailureHandler) {
	if w == nil {
		return
	}
	if handler == nil {
		handler = noopWriteFailureHandler
	}
	w.failures.Store(handler)
}

// SetMetrics replaces the metric callbacks used by the writer pipeline.
func (w *Writer) SetMetrics(m *WriterMetrics) {
	if w == nil {
		return
	}
	if m == nil {
		m = &WriterMetrics{}
	}
	w.metrics.Store(m)
}

func (w *Writer) loadMetrics() *WriterMetrics {
	m, _ := w.metrics.Load().(*WriterMetrics)
	return m
}

// QueueLen returns the number of snapshots waiting to be written.
func (w *Writer) QueueLen() int {
	if w == nil {
		return 0
	}
	return len(w.queue)
}

func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w.lifecycleMu.Lock()
	w.workerCancel = cancel
	w.lifecycleMu.Unlock()

	w.wg.Add(1)
	go func(workerCtx context.Context) {
		defer w.wg.Done()
		defer w.markDone()

		for {
			select {
			case <-workerCtx.Done():
				return
			case snapshot, ok := <-w.queue:
				if !ok {
					return
				}

				batch := make([]Snapshot, 0, writerBatchSize)
				batch = append(batch, snapshot)
			drain:
				for len(batch) < writerBatchSize {
					select {
					case <-workerCtx.Done():
						// Fresh context so the final flush is not rejected
						// by the store because of the cancellation.
						w.flushBatch(context.Background(), batch)
						return
					case next, ok := <-w.queue:
						if !ok {
							w.flushBatch(context.Background(), batch)
							return
						}
						batch = append(batch, next)
					default:
						break drain
					}
				}
				w.flushBatch(workerCtx, batch)
			}
		}
	}(workerCtx)
}

// Enqueue queues snapshot for writing. It returns false when the writer is
// stopped or the queue is full.
func (w *Writer) Enqueue(snapshot Snapshot) bool {
	if w.stopped.Load() {
		return false
	}
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return false
	}

	select {
	case w.queue <- snapshot:
		w.enqueueAcceptedTotal.Add(1)
		w.observeQueueDepth(len(w.queue))
		if m := w.loadMetrics(); m != nil && m.OnEnqueue != nil {
			m.OnEnqueue()
		}
		return true
	default:
		w.enqueueDroppedTotal.Add(1)
		w.observeQueueDepth(cap(w.queue))
		w.lastEnqueueDropUnixNano.Store(time.Now().UTC().UnixNano())
		if m := w.loadMetrics(); m != nil && m.OnDrop != nil {
			m.OnDrop()
		}
		return false
	}
}

func (w *Writer) Stop() {
	_ = w.Shutdown(context.Background())
}

// Shutdown stops accepting snapshots and waits for queued ones to be written.
func (w *Writer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.queueMu.Lock()
		close(w.queue)
		w.queueMu.Unlock()
		if !w.started.Load() {
			w.markDone()
		}
	})

	select {
	case <-w.done:
		w.wg.Wait()
		w.cancelWorker()
		return nil
	case <-ctx.Done():
		w.cancelWorker()
		return ctx.Err()
	}
}

func (w *Writer) cancelWorker() {
	w.lifecycleMu.RLock()
	cancel := w.workerCancel
	w.lifecycleMu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Writer) markDone() {
	w.doneOnce.Do(func() {
		close(w.done)
	})
}

func (w *Writer) flushBatch(ctx context.Context, batch []Snapshot) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()

	latest := make(map[string]int, len(batch))
	order := make([]string, 0, len(batch))
	for i, snapshot := range batch {
		if _, ok := latest[snapshot.TraceID]; !ok {
			order = append(order, snapshot.TraceID)
		} else {
			w.coalescedTotal.Add(1)
		}
		latest[snapshot.TraceID] = i
	}

	written := 0
	for _, traceID := range order {
		snapshot := batch[latest[traceID]]
		if err := w.store.ReplaceEvents(ctx, snapshot.TraceID, snapshot.Events); err != nil {
			w.reportWriteFailure(WriteFailure{
				TraceID:    snapshot.TraceID,
				EventCount: len(snapshot.Events),
				Err:        err,
			})
			continue
		}
		written++
	}
	w.writtenTotal.Add(int64(written))

	if m := w.loadMetrics(); m != nil && m.OnFlush != nil {
		m.OnFlush(written, time.Since(start))
	}
}

func (w *Writer) reportWriteFailure(failure WriteFailure) {
	failure.ErrorClass = ClassifyWriteError(failure.Err)
	w.writeDroppedTotal.Add(1)
	w.lastWriteDropUnixNano.Store(time.Now().UTC().UnixNano())
	w.lastWriteDropTraceID.Store(failure.TraceID)

	w.failureMu.Lock()
	w.failureByClass[failure.ErrorClass]++
	w.failureMu.Unlock()

	handler, ok := w.failures.Load().(WriteFailureHandler)
	if !ok || handler == nil {
		return
	}
	handler(failure)
}

// Diagnostics returns a point-in-time snapshot of queue pressure and drop
// counters.
func (w *Writer) Diagnostics() WriterDiagnostics {
	if w == nil {
		return WriterDiagnostics{}
	}

	queueCapacity := cap(w.queue)
	queueDepth := len(w.queue)
	highWatermark := int(w.queueDepthHighWatermark.Load())
	if queueDepth > highWatermark {
		highWatermark = queueDepth
	}
	utilization := queueUtilizationPct(queueDepth, queueCapacity)

	snapshot := WriterDiagnostics{
		QueueCapacity:           queueCapacity,
		QueueDepth:              queueDepth,
		QueueDepthHighWatermark: highWatermark,
		QueueUtilizationPct:     utilization,
		QueuePressureState:      queuePressureState(utilization),
		EnqueueAcceptedTotal:    w.enqueueAcceptedTotal.Load(),
		EnqueueDroppedTotal:     w.enqueueDroppedTotal.Load(),
		CoalescedTotal:          w.coalescedTotal.Load(),
		WrittenTotal:            w.writtenTotal.Load(),
		WriteDroppedTotal:       w.writeDroppedTotal.Load(),
		StoreDriver:             w.driver,
	}
	if ts := w.lastEnqueueDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastEnqueueDropAt = &last
	}
	if ts := w.lastWriteDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastWriteDropAt = &last
	}
	if traceID, ok := w.lastWriteDropTraceID.Load().(string); ok {
		snapshot.LastWriteDropTraceID = traceID
	}

	w.failureMu.Lock()
	if len(w.failureByClass) > 0 {
		snapshot.WriteFailuresByClass = make(map[string]int64, len(w.failureByClass))
		for class, count := range w.failureByClass {
			snapshot.WriteFailuresByClass[class] = count
		}
	}
	w.failureMu.Unlock()

	return snapshot
}

func (w *Writer) observeQueueDepth(depth int) {
	if depth < 0 {
		return
	}
	depthValue := int64(depth)
	for {
		current := w.queueDepthHighWatermark.Load()
		if depthValue <= current {
			return
		}
		if w.queueDepthHighWatermark.CompareAndSwap(current, depthValue) {
			return
		}
	}
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return QueuePressureSaturated
	case utilizationPct >= 80:
		return QueuePressureHigh
	case utilizationPct >= 50:
		return QueuePressureElevated
	default:
		return QueuePressureOK
	}
}
