package writer

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/SteelMorgan/timeline-indexer/internal/domain"
	"github.com/SteelMorgan/timeline-indexer/internal/metrics"
	"github.com/SteelMorgan/timeline-indexer/internal/observability"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const statusConflict = 409

// FlushResult summarizes one flush
type FlushResult struct {
	Sent     int           // entries sent to the backend
	Created  int           // entries written
	Existing int           // entries whose id already existed (create was a no-op)
	Failed   []FailedItem  // entries rejected individually by the backend
	Duration time.Duration // time spent waiting for the backend
}

// Partial reports whether some entries were rejected
func (r *FlushResult) Partial() bool {
	return len(r.Failed) > 0
}

func (r *FlushResult) merge(other *FlushResult) {
	r.Sent += other.Sent
	r.Created += other.Created
	r.Existing += other.Existing
	r.Failed = append(r.Failed, other.Failed...)
	r.Duration += other.Duration
}

// FailedItem is an entry the backend rejected inside a successful bulk request
type FailedItem struct {
	Entry     Entry
	Status    int
	ErrorType string
	Reason    string
}

// Stats holds cumulative counters of an Index
type Stats struct {
	Added    uint64
	Flushes  uint64
	Created  uint64
	Existing uint64
	Failed   uint64
}

// Index buffers documents for one backend index and writes them with bulk
// create operations. An Index is meant to be owned by a single goroutine:
// methods take an internal lock so a shared Index does not corrupt its
// buffers, but append order then holds only per producer. OnFlush hooks run
// with that lock held and must not call back into the Index.
type Index struct {
	mu   sync.Mutex
	name string
	sink BulkSink
	cfg  BatchConfig

	batch   []Entry // entries not yet sent
	pending []Entry // swapped-out entries awaiting backend confirmation

	// outcomes of requests answered during a flush that failed later on;
	// reported by the next successful flush
	carried *FlushResult

	hooks  []func(*FlushResult)
	closed bool
	stats  Stats
}

var _ BatchWriter = (*Index)(nil)

// NewIndex creates a batch cache writing to the index name through sink
func NewIndex(name string, sink BulkSink, cfg BatchConfig) *Index {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}

	ix := &Index{
		name:  name,
		sink:  sink,
		cfg:   cfg,
		batch: make([]Entry, 0, initialBatchCap(cfg.Capacity)),
	}
	runtime.SetFinalizer(ix, reportUnflushed)
	return ix
}

// reportUnflushed runs when an Index is collected, so nothing else can hold
// it and the lock is not needed. It performs no I/O: Close is the draining
// path, this only makes lost documents visible.
func reportUnflushed(ix *Index) {
	if n := len(ix.batch) + len(ix.pending); n > 0 {
		log.Error().
			Str("index", ix.name).
			Int("unflushed", n).
			Msg("Index released without a successful Close - buffered documents were lost")
	}
	if ix.carried != nil && ix.carried.Partial() {
		log.Error().
			Str("index", ix.name).
			Int("rejected", len(ix.carried.Failed)).
			Msg("Index released with rejected documents never reported to a caller")
	}
}

func initialBatchCap(capacity int) int {
	if capacity > 1024 {
		return 1024
	}
	return capacity
}

// Name returns the target index name
func (ix *Index) Name() string {
	return ix.name
}

// Capacity returns the current batch capacity
func (ix *Index) Capacity() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.cfg.Capacity
}

// Len returns the number of buffered entries, including unconfirmed ones
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.batch) + len(ix.pending)
}

// Stats returns cumulative counters
func (ix *Index) Stats() Stats {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.stats
}

// OnFlush registers fn to run after every successful flush.
// Hooks run with the Index locked and must not call back into it.
func (ix *Index) OnFlush(fn func(*FlushResult)) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.hooks = append(ix.hooks, fn)
}

// Add appends doc to the batch and flushes when the batch is full.
// If that flush fails the document stays buffered and the error is returned.
func (ix *Index) Add(ctx context.Context, doc *domain.Document) error {
	entry, err := NewEntry(doc)
	if err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return ErrClosed
	}

	ix.batch = append(ix.batch, entry)
	ix.stats.Added++
	metrics.DocumentsAdded.WithLabelValues(ix.name).Inc()

	if len(ix.batch) >= ix.cfg.Capacity {
		if _, err := ix.flushLocked(ctx); err != nil {
			return fmt.Errorf("failed to flush full batch: %w", err)
		}
	}

	metrics.PendingEntries.WithLabelValues(ix.name).Set(float64(len(ix.batch) + len(ix.pending)))
	return nil
}

// Requeue puts individually rejected entries back into the batch so the
// next flush retries them.
func (ix *Index) Requeue(items []FailedItem) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return ErrClosed
	}
	for _, item := range items {
		ix.batch = append(ix.batch, item.Entry)
	}
	return nil
}

// Flush sends everything buffered. Entries are kept until the backend
// confirms them, so a failed flush can simply be retried. Items answered by
// a request that preceded the failure are reported by the next successful
// flush.
func (ix *Index) Flush(ctx context.Context) (*FlushResult, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.flushLocked(ctx)
}

// SetCapacity changes the batch capacity. Shrinking flushes first; if that
// flush fails the capacity is left unchanged.
func (ix *Index) SetCapacity(ctx context.Context, capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", capacity)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if capacity < ix.cfg.Capacity {
		if _, err := ix.flushLocked(ctx); err != nil {
			return fmt.Errorf("failed to flush before shrinking capacity: %w", err)
		}
	}

	ix.cfg.Capacity = capacity
	return nil
}

// Close flushes buffered entries and rejects further writes. Calling Close
// again retries entries a previous Close could not deliver.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.closed = true
	if len(ix.batch)+len(ix.pending) == 0 {
		runtime.SetFinalizer(ix, nil)
		return nil
	}

	timeout := ix.cfg.FlushTimeout
	if timeout <= 0 {
		timeout = DefaultFlushTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if _, err := ix.flushLocked(ctx); err != nil {
		unflushed := len(ix.batch) + len(ix.pending)
		log.Error().
			Err(err).
			Str("index", ix.name).
			Int("unflushed", unflushed).
			Msg("Failed to flush on close")
		return fmt.Errorf("failed to flush %d entries on close: %w", unflushed, err)
	}

	runtime.SetFinalizer(ix, nil)
	return nil
}

func (ix *Index) flushLocked(ctx context.Context) (result *FlushResult, err error) {
	result = &FlushResult{}
	if len(ix.batch) == 0 && len(ix.pending) == 0 {
		log.Trace().Str("index", ix.name).Msg("Document cache is empty")
		return result, nil
	}

	if ix.cfg.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ix.cfg.FlushTimeout)
		defer cancel()
	}

	ctx, span := observability.StartSpan(ctx, "index.flush",
		attribute.String("index", ix.name),
		attribute.Int("pending", len(ix.pending)),
		attribute.Int("batch", len(ix.batch)),
	)
	defer func() { observability.EndSpan(span, err, "flush") }()

	if ix.carried != nil {
		result = ix.carried
		ix.carried = nil
	}

	// Unconfirmed entries from an earlier attempt go first, then the batch
	for len(ix.pending) > 0 || len(ix.batch) > 0 {
		if len(ix.pending) == 0 {
			ix.pending = ix.batch
			ix.batch = make([]Entry, 0, initialBatchCap(ix.cfg.Capacity))
		}

		part, sendErr := ix.send(ctx, ix.pending)
		if sendErr != nil {
			if result.Sent > 0 {
				ix.carried = result
			}
			metrics.PendingEntries.WithLabelValues(ix.name).Set(float64(len(ix.batch) + len(ix.pending)))
			return nil, sendErr
		}
		result.merge(part)
		ix.pending = nil
	}

	metrics.PendingEntries.WithLabelValues(ix.name).Set(0)

	for _, hook := range ix.hooks {
		hook(result)
	}
	return result, nil
}

// send performs one bulk request and interprets its outcome
func (ix *Index) send(ctx context.Context, entries []Entry) (*FlushResult, error) {
	log.Debug().
		Str("index", ix.name).
		Int("batch_size", len(entries)).
		Msg("Flushing document cache")

	start := time.Now()
	resp, err := ix.sink.BulkCreate(ctx, ix.name, entries)
	elapsed := time.Since(start)
	metrics.FlushLatency.WithLabelValues(ix.name).Observe(elapsed.Seconds())

	if err != nil {
		metrics.FlushesTotal.WithLabelValues(ix.name, "error").Inc()
		log.Error().
			Err(err).
			Str("index", ix.name).
			Int("retained", len(entries)).
			Msg("Bulk request failed, batch retained for retry")
		return nil, fmt.Errorf("failed to send bulk request (%d entries): %w", len(entries), err)
	}

	result := interpretResponse(entries, resp)
	result.Duration = elapsed

	ix.stats.Flushes++
	ix.stats.Created += uint64(result.Created)
	ix.stats.Existing += uint64(result.Existing)
	ix.stats.Failed += uint64(len(result.Failed))

	metrics.BulkItemsTotal.WithLabelValues(ix.name, "created").Add(float64(result.Created))
	metrics.BulkItemsTotal.WithLabelValues(ix.name, "existing").Add(float64(result.Existing))
	metrics.BulkItemsTotal.WithLabelValues(ix.name, "failed").Add(float64(len(result.Failed)))

	if result.Partial() {
		metrics.FlushesTotal.WithLabelValues(ix.name, "partial").Inc()
		first := result.Failed[0]
		log.Warn().
			Str("index", ix.name).
			Int("sent", result.Sent).
			Int("failed", len(result.Failed)).
			Str("first_id", first.Entry.ID).
			Int("first_status", first.Status).
			Str("first_error", first.ErrorType).
			Str("first_reason", first.Reason).
			Msg("Backend rejected some documents")
	} else {
		metrics.FlushesTotal.WithLabelValues(ix.name, "success").Inc()
	}

	log.Info().
		Str("index", ix.name).
		Int("written", result.Created).
		Int("existing", result.Existing).
		Int("failed", len(result.Failed)).
		Dur("duration", elapsed).
		Msg("Flushed document batch")

	return result, nil
}

// interpretResponse matches bulk items to entries. Items are positional;
// when the backend returns a different number of items they are matched by id.
func interpretResponse(entries []Entry, resp *BulkResponse) *FlushResult {
	result := &FlushResult{Sent: len(entries)}
	if resp == nil {
		result.Created = len(entries)
		return result
	}

	items := resp.Items
	if len(items) != len(entries) {
		byID := make(map[string][]BulkItem, len(items))
		for _, item := range items {
			byID[item.ID] = append(byID[item.ID], item)
		}

		items = make([]BulkItem, len(entries))
		for i, entry := range entries {
			queue := byID[entry.ID]
			if len(queue) == 0 {
				items[i] = BulkItem{ID: entry.ID, Reason: "missing from bulk response"}
				continue
			}
			items[i] = queue[0]
			byID[entry.ID] = queue[1:]
		}
	}

	for i, item := range items {
		switch {
		case item.Status >= 200 && item.Status < 300:
			result.Created++
		case item.Status == statusConflict:
			result.Existing++
		default:
			result.Failed = append(result.Failed, FailedItem{
				Entry:     entries[i],
				Status:    item.Status,
				ErrorType: item.ErrorType,
				Reason:    item.Reason,
			})
		}
	}

	return result
}
