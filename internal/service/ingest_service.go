package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/SteelMorgan/timeline-indexer/internal/checkpoint"
	"github.com/SteelMorgan/timeline-indexer/internal/mapping"
	"github.com/SteelMorgan/timeline-indexer/internal/retry"
	"github.com/SteelMorgan/timeline-indexer/internal/source"
	"github.com/SteelMorgan/timeline-indexer/internal/timestamp"
	"github.com/SteelMorgan/timeline-indexer/internal/writer"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Options configures an ingest run
type Options struct {
	Index       string             // target index (Elasticsearch) or label (ClickHouse)
	Batch       writer.BatchConfig // per-worker cache settings
	Workers     int                // sources processed in parallel
	Retry       retry.Config       // policy for failed flushes and item failures
	DefaultZone *time.Location     // zone of records without their own timezone
	ZoneMap     *mapping.ZoneMap   // optional per-source zones
	Zones       *timestamp.ZoneCache
}

// SourceSummary is the outcome of ingesting one source
type SourceSummary struct {
	Source         string
	Resumed        uint64 // records skipped because a checkpoint covered them
	Records        uint64 // records read in this run
	SkippedRecords uint64 // records dropped as a whole (unknown timezone)
	DroppedFields  uint64 // timestamp fields that could not be normalized
	Documents      uint64 // documents handed to the cache
	Created        uint64
	Existing       uint64
	Failed         uint64 // documents the backend rejected for good
	Committed      uint64 // checkpoint after the run
	Duration       time.Duration
	Err            error
}

// Summary is the outcome of an ingest run
type Summary struct {
	RunID    string
	Sources  []SourceSummary
	Duration time.Duration
}

// Err joins the errors of all failed sources
func (s *Summary) Err() error {
	var errs []error
	for _, src := range s.Sources {
		if src.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Source, src.Err))
		}
	}
	return errors.Join(errs...)
}

// IngestService reads timeline records from sources, decomposes them into
// documents and writes them through a bulk sink
type IngestService struct {
	sink  writer.BulkSink
	store checkpoint.Store
	opts  Options
}

// NewIngestService creates an ingest service. store may be nil to disable checkpoints.
func NewIngestService(sink writer.BulkSink, store checkpoint.Store, opts Options) (*IngestService, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if opts.Index == "" {
		return nil, fmt.Errorf("index name is required")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.DefaultZone == nil {
		opts.DefaultZone = time.UTC
	}
	if opts.Zones == nil {
		zones, err := timestamp.NewZoneCache(0)
		if err != nil {
			return nil, err
		}
		opts.Zones = zones
	}

	return &IngestService{
		sink:  sink,
		store: store,
		opts:  opts,
	}, nil
}

// Run ingests every source. Sources fail independently; the returned error
// is only set when the run itself could not proceed. Check Summary.Err for
// per-source failures.
func (s *IngestService) Run(ctx context.Context, sources []string) (*Summary, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources to ingest")
	}

	start := time.Now()
	summary := &Summary{
		RunID:   uuid.NewString(),
		Sources: make([]SourceSummary, len(sources)),
	}

	log.Info().
		Str("run_id", summary.RunID).
		Int("sources", len(sources)).
		Int("workers", s.opts.Workers).
		Str("index", s.opts.Index).
		Msg("Ingest run starting")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for i, path := range sources {
		i, path := i, path
		g.Go(func() error {
			w, err := s.newWorker(summary.RunID, path)
			var result SourceSummary
			if err != nil {
				result = SourceSummary{Source: path, Err: err}
			} else {
				result = w.run(gctx)
			}

			mu.Lock()
			summary.Sources[i] = result
			mu.Unlock()

			// only cancellation stops the other sources
			if errors.Is(result.Err, context.Canceled) {
				return result.Err
			}
			return nil
		})
	}

	runErr := g.Wait()
	summary.Duration = time.Since(start)

	var records, documents, failed uint64
	for _, src := range summary.Sources {
		records += src.Records
		documents += src.Documents
		failed += src.Failed
	}
	log.Info().
		Str("run_id", summary.RunID).
		Uint64("records", records).
		Uint64("documents", documents).
		Uint64("failed", failed).
		Dur("duration", summary.Duration).
		Msg("Ingest run finished")

	if runErr != nil {
		return summary, fmt.Errorf("ingest run cancelled: %w", runErr)
	}
	return summary, nil
}

func (s *IngestService) newWorker(runID, path string) (*sourceWorker, error) {
	loc := s.opts.DefaultZone
	if name := s.opts.ZoneMap.ZoneFor(path); name != "" {
		zone, err := s.opts.Zones.LoadZone(name)
		if err != nil {
			return nil, fmt.Errorf("zone map entry for %s: %w", path, err)
		}
		loc = zone
	}

	key, err := CheckpointKey(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	return &sourceWorker{
		runID:    runID,
		path:     path,
		key:      key,
		zone:     loc,
		svc:      s,
		attempts: make(map[string]int),
	}, nil
}

// CheckpointKey returns the key a source's progress is stored under, empty
// for stdin
func CheckpointKey(path string) (string, error) {
	if path == source.Stdin {
		return "", nil
	}
	return filepath.Abs(path)
}
