package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/SteelMorgan/timeline-indexer/internal/domain"
	"github.com/SteelMorgan/timeline-indexer/internal/metrics"
	"github.com/SteelMorgan/timeline-indexer/internal/observability"
	"github.com/SteelMorgan/timeline-indexer/internal/retry"
	"github.com/SteelMorgan/timeline-indexer/internal/source"
	"github.com/SteelMorgan/timeline-indexer/internal/timeline"
	"github.com/SteelMorgan/timeline-indexer/internal/timestamp"
	"github.com/SteelMorgan/timeline-indexer/internal/writer"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// flushMark is a flush outcome together with the number of records that
// were completely handed to the cache before that flush
type flushMark struct {
	result    *writer.FlushResult
	completed uint64
}

// sourceWorker ingests one source through its own Index
type sourceWorker struct {
	runID string
	path  string
	key   string // checkpoint key, empty for stdin
	zone  *time.Location
	svc   *IngestService

	ix        *writer.Index
	marks     []flushMark
	completed uint64 // records fully added, counting resumed ones
	committed uint64
	attempts  map[string]int // sends per entry id that failed with a retryable status
	summary   SourceSummary
}

func (w *sourceWorker) run(ctx context.Context) SourceSummary {
	start := time.Now()
	w.summary.Source = w.path

	ctx, span := observability.StartSpan(ctx, "ingest.source",
		attribute.String("source", w.path),
		attribute.String("run_id", w.runID),
		attribute.String("zone", w.zone.String()),
	)

	w.summary.Err = w.ingest(ctx)
	w.summary.Duration = time.Since(start)
	observability.EndSpan(span, w.summary.Err, "ingest source")

	event := log.Info()
	if w.summary.Err != nil {
		event = log.Error().Err(w.summary.Err)
	}
	event.
		Str("run_id", w.runID).
		Str("source", w.path).
		Uint64("resumed", w.summary.Resumed).
		Uint64("records", w.summary.Records).
		Uint64("documents", w.summary.Documents).
		Uint64("created", w.summary.Created).
		Uint64("existing", w.summary.Existing).
		Uint64("failed", w.summary.Failed).
		Uint64("dropped_fields", w.summary.DroppedFields).
		Uint64("committed", w.summary.Committed).
		Dur("duration", w.summary.Duration).
		Msg("Source ingested")

	return w.summary
}

func (w *sourceWorker) ingest(ctx context.Context) (err error) {
	reader, err := source.Open(w.path)
	if err != nil {
		return err
	}
	defer reader.Close()

	if err := w.resume(ctx, reader); err != nil {
		return err
	}

	w.ix = writer.NewIndex(w.svc.opts.Index, w.svc.sink, w.svc.opts.Batch)
	w.ix.OnFlush(func(result *writer.FlushResult) {
		w.marks = append(w.marks, flushMark{result: result, completed: w.completed})
	})
	defer func() {
		if closeErr := w.close(ctx); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	decomposer := timeline.NewDecomposer(w.zone, w.svc.opts.Zones)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			metrics.RecordsTotal.WithLabelValues("malformed").Inc()
			return err
		}
		w.summary.Records++

		if err := w.addRecord(ctx, decomposer, raw); err != nil {
			return err
		}
		w.completed++

		if err := w.settle(ctx); err != nil {
			return err
		}
	}

	return w.drain(ctx)
}

// resume skips the records a previous run already committed
func (w *sourceWorker) resume(ctx context.Context, reader *source.Reader) error {
	if w.key == "" || w.svc.store == nil {
		return nil
	}

	committed, err := w.svc.store.Get(ctx, w.key)
	if err != nil {
		return err
	}
	if committed == 0 {
		return nil
	}

	if err := reader.Skip(committed); err != nil {
		return fmt.Errorf("failed to resume from checkpoint: %w", err)
	}

	w.completed = committed
	w.committed = committed
	w.summary.Resumed = committed
	w.summary.Committed = committed

	log.Info().
		Str("source", w.path).
		Uint64("records", committed).
		Msg("Resuming from checkpoint")
	return nil
}

func (w *sourceWorker) addRecord(ctx context.Context, decomposer *timeline.Decomposer, raw domain.RawRecord) error {
	for _, res := range decomposer.Decompose(raw) {
		if res.Err != nil {
			var fieldErr *timeline.FieldError
			if errors.As(res.Err, &fieldErr) {
				w.summary.DroppedFields++
				metrics.DroppedTimestamps.WithLabelValues(dropReason(fieldErr)).Inc()
				log.Warn().
					Err(fieldErr.Err).
					Str("source", w.path).
					Uint64("record", w.summary.Resumed+w.summary.Records).
					Str("name", raw.Name).
					Str("field", string(fieldErr.Field)).
					Int64("raw", fieldErr.Raw).
					Msg("Dropped timestamp field")
				continue
			}

			// the record as a whole is unusable
			w.summary.SkippedRecords++
			metrics.RecordsTotal.WithLabelValues("skipped").Inc()
			log.Warn().
				Err(res.Err).
				Str("source", w.path).
				Str("name", raw.Name).
				Msg("Skipped record")
			return nil
		}

		if err := w.add(ctx, res.Document); err != nil {
			return err
		}
	}

	metrics.RecordsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (w *sourceWorker) add(ctx context.Context, doc *domain.Document) error {
	err := w.ix.Add(ctx, doc)
	if err == nil {
		w.summary.Documents++
		return nil
	}
	if errors.Is(err, writer.ErrSerialization) || errors.Is(err, writer.ErrClosed) {
		return err
	}

	// the document is buffered, only the flush failed
	w.summary.Documents++
	if !retry.IsRetryableError(err, w.svc.opts.Retry) {
		return err
	}
	return w.flush(ctx)
}

func (w *sourceWorker) flush(ctx context.Context) error {
	_, err := retry.DoWithResult(ctx, w.svc.opts.Retry, func() (*writer.FlushResult, error) {
		return w.ix.Flush(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to flush %s: %w", w.path, err)
	}
	return nil
}

// settle processes the flushes recorded by the hook: it requeues retryable
// item failures and advances the checkpoint past flushes that left nothing
// to retry. Marks recorded before a Requeue never carried the requeued
// entries, so none of them may commit; the first flush after the Requeue
// does.
func (w *sourceWorker) settle(ctx context.Context) error {
	for len(w.marks) > 0 {
		marks := w.marks
		w.marks = nil
		held := false

		for _, mark := range marks {
			w.summary.Created += uint64(mark.result.Created)
			w.summary.Existing += uint64(mark.result.Existing)

			var requeue []writer.FailedItem
			for _, item := range mark.result.Failed {
				w.attempts[item.Entry.ID]++
				if retry.IsRetryableStatus(item.Status) && w.attempts[item.Entry.ID] < w.svc.opts.Retry.MaxAttempts {
					requeue = append(requeue, item)
					continue
				}
				delete(w.attempts, item.Entry.ID)
				w.summary.Failed++
				log.Error().
					Str("source", w.path).
					Str("id", item.Entry.ID).
					Int64("timestamp", item.Entry.Timestamp.Millis()).
					Int("status", item.Status).
					Str("error", item.ErrorType).
					Str("reason", item.Reason).
					Msg("Document rejected by backend")
			}

			if len(requeue) == 0 {
				if held {
					continue
				}
				if err := w.commit(ctx, mark.completed); err != nil {
					return err
				}
				continue
			}

			held = true
			if err := w.ix.Requeue(requeue); err != nil {
				// index already closed; the checkpoint stays behind these entries
				w.summary.Failed += uint64(len(requeue))
				log.Error().
					Err(err).
					Str("source", w.path).
					Int("entries", len(requeue)).
					Msg("Failed to requeue rejected documents")
				continue
			}
			log.Debug().
				Str("source", w.path).
				Int("entries", len(requeue)).
				Msg("Requeued rejected documents")
		}
	}
	return nil
}

// drain flushes until nothing is buffered, including requeued entries,
// then commits every record read
func (w *sourceWorker) drain(ctx context.Context) error {
	delay := w.svc.opts.Retry.InitialDelay
	for first := true; w.ix.Len() > 0; first = false {
		if !first && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err := w.flush(ctx); err != nil {
			return err
		}
		if err := w.settle(ctx); err != nil {
			return err
		}
	}
	return w.commit(ctx, w.completed)
}

// close drains whatever an interrupted run left buffered
func (w *sourceWorker) close(ctx context.Context) error {
	closeErr := w.ix.Close()
	if err := w.settle(context.WithoutCancel(ctx)); err != nil && closeErr == nil {
		closeErr = err
	}
	return closeErr
}

func (w *sourceWorker) commit(ctx context.Context, records uint64) error {
	if records <= w.committed {
		return nil
	}
	w.committed = records
	w.summary.Committed = records

	if w.key == "" || w.svc.store == nil {
		return nil
	}
	if err := w.svc.store.Set(ctx, w.key, records); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, timestamp.ErrInvalidInstant):
		return "nonexistent_local_time"
	case errors.Is(err, timestamp.ErrOutOfRange):
		return "out_of_range"
	default:
		return "other"
	}
}
