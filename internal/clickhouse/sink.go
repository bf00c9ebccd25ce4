package clickhouse

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/SteelMorgan/timeline-indexer/internal/timestamp"
	"github.com/SteelMorgan/timeline-indexer/internal/writer"
	"github.com/rs/zerolog/log"
)

// DateTime64 valid range: 1925-01-01 to 2283-11-11
var (
	minDateTime = time.Date(1925, 1, 1, 0, 0, 0, 0, time.UTC)
	maxDateTime = time.Date(2283, 11, 11, 23, 59, 59, 999000000, time.UTC)
)

// batchConn is the part of clickhouse.Conn the sink needs
type batchConn interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

// Sink writes entries into a ReplacingMergeTree table keyed by document id,
// so re-inserting an entry is idempotent after merges.
//
//	CREATE TABLE timeline.documents (
//	    id         String,
//	    event_time DateTime64(3, 'UTC'),
//	    content    String
//	) ENGINE = ReplacingMergeTree ORDER BY (event_time, id)
type Sink struct {
	conn  batchConn
	query string
}

var _ writer.BulkSink = (*Sink)(nil)

// NewSink creates a sink inserting into database.table
func NewSink(conn batchConn, database, table string) *Sink {
	return &Sink{
		conn:  conn,
		query: fmt.Sprintf("INSERT INTO %s.%s (id, event_time, content)", database, table),
	}
}

// BulkCreate inserts entries in one native batch. The index name is only
// used for logging; the target table is fixed by the sink.
func (s *Sink) BulkCreate(ctx context.Context, index string, entries []writer.Entry) (*writer.BulkResponse, error) {
	start := time.Now()
	resp := &writer.BulkResponse{Items: make([]writer.BulkItem, 0, len(entries))}

	batch, err := s.conn.PrepareBatch(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare batch: %w", err)
	}

	appended := 0
	for _, entry := range entries {
		eventTime, ok := eventTime(entry.Timestamp)
		if !ok {
			resp.Errors = true
			resp.Items = append(resp.Items, writer.BulkItem{
				ID:        entry.ID,
				Status:    http.StatusBadRequest,
				ErrorType: "out_of_range",
				Reason:    fmt.Sprintf("timestamp %d outside DateTime64 range", int64(entry.Timestamp)),
			})
			continue
		}

		if err := batch.Append(entry.ID, eventTime, string(entry.Content)); err != nil {
			_ = batch.Abort()
			return nil, fmt.Errorf("failed to append to batch: %w", err)
		}
		resp.Items = append(resp.Items, writer.BulkItem{ID: entry.ID, Status: http.StatusCreated})
		appended++
	}

	if appended == 0 {
		_ = batch.Abort()
	} else if err := batch.Send(); err != nil {
		return nil, fmt.Errorf("failed to send batch: %w", err)
	}

	resp.Took = time.Since(start).Milliseconds()

	log.Debug().
		Str("index", index).
		Int("records", appended).
		Int("rejected", len(entries)-appended).
		Msg("Wrote documents to ClickHouse")

	return resp, nil
}

func eventTime(ts timestamp.Instant) (time.Time, bool) {
	t := ts.Time()
	if t.Before(minDateTime) || t.After(maxDateTime) {
		return time.Time{}, false
	}
	return t, true
}
