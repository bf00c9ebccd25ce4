package clickhouse

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/SteelMorgan/timeline-indexer/internal/domain"
	"github.com/SteelMorgan/timeline-indexer/internal/timestamp"
	"github.com/SteelMorgan/timeline-indexer/internal/writer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBatch struct {
	driver.Batch
	rows    [][]any
	sent    bool
	aborted bool
	sendErr error
}

func (b *fakeBatch) Append(v ...any) error {
	b.rows = append(b.rows, v)
	return nil
}

func (b *fakeBatch) Send() error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = true
	return nil
}

func (b *fakeBatch) Abort() error {
	b.aborted = true
	return nil
}

type fakeConn struct {
	query      string
	batch      *fakeBatch
	prepareErr error
}

func (c *fakeConn) PrepareBatch(_ context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	c.query = query
	if c.prepareErr != nil {
		return nil, c.prepareErr
	}
	return c.batch, nil
}

func entryAt(t *testing.T, ms int64) writer.Entry {
	t.Helper()
	ts := timestamp.Instant(ms)
	entry, err := writer.NewEntry(&domain.Document{
		Timestamp: ts,
		File:      domain.FileAttributes{Name: "/etc/passwd", Inode: "12", MTime: &ts},
	})
	require.NoError(t, err)
	return entry
}

func TestSink_BulkCreate(t *testing.T) {
	conn := &fakeConn{batch: &fakeBatch{}}
	sink := NewSink(conn, "timeline", "documents")

	entries := []writer.Entry{entryAt(t, 1700000000000), entryAt(t, 1700003600000)}
	resp, err := sink.BulkCreate(context.Background(), "timeline", entries)
	require.NoError(t, err)

	assert.Equal(t, "INSERT INTO timeline.documents (id, event_time, content)", conn.query)
	assert.True(t, conn.batch.sent)
	assert.False(t, resp.Errors)
	require.Len(t, resp.Items, 2)
	require.Len(t, conn.batch.rows, 2)

	for i, entry := range entries {
		assert.Equal(t, entry.ID, resp.Items[i].ID)
		assert.Equal(t, http.StatusCreated, resp.Items[i].Status)

		row := conn.batch.rows[i]
		assert.Equal(t, entry.ID, row[0])
		assert.True(t, entry.Timestamp.Time().Equal(row[1].(time.Time)))
		assert.JSONEq(t, string(entry.Content), row[2].(string))
	}
}

func TestSink_OutOfRangeTimestamp(t *testing.T) {
	conn := &fakeConn{batch: &fakeBatch{}}
	sink := NewSink(conn, "timeline", "documents")

	// 1900-01-01 is before DateTime64's lower bound
	old := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	entries := []writer.Entry{entryAt(t, old), entryAt(t, 1700000000000)}

	resp, err := sink.BulkCreate(context.Background(), "timeline", entries)
	require.NoError(t, err)
	assert.True(t, resp.Errors)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, http.StatusBadRequest, resp.Items[0].Status)
	assert.Equal(t, "out_of_range", resp.Items[0].ErrorType)
	assert.Equal(t, http.StatusCreated, resp.Items[1].Status)
	assert.Len(t, conn.batch.rows, 1)

	// positional items let the index report exactly one failure
	ix := writer.NewIndex("timeline", sink, writer.BatchConfig{Capacity: 10})
	conn.batch = &fakeBatch{}
	ts := timestamp.Instant(old)
	require.NoError(t, ix.Add(context.Background(), &domain.Document{Timestamp: ts}))
	result, err := ix.Flush(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Partial())
	assert.True(t, conn.batch.aborted)
	require.NoError(t, ix.Close())
}

func TestSink_Errors(t *testing.T) {
	t.Run("prepare", func(t *testing.T) {
		conn := &fakeConn{prepareErr: errors.New("code: 60, message: Table timeline.documents doesn't exist")}
		_, err := NewSink(conn, "timeline", "documents").BulkCreate(context.Background(), "timeline", []writer.Entry{entryAt(t, 1)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to prepare batch")
	})

	t.Run("send", func(t *testing.T) {
		conn := &fakeConn{batch: &fakeBatch{sendErr: errors.New("code: 999, message: connection lost")}}
		_, err := NewSink(conn, "timeline", "documents").BulkCreate(context.Background(), "timeline", []writer.Entry{entryAt(t, 1)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to send batch")
	})
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, DefaultTable, cfg.Table)
	assert.Equal(t, "default", cfg.Username)

	custom := Config{Host: "ch", Port: 19000, Database: "forensics", Table: "timeline"}.withDefaults()
	assert.Equal(t, "ch", custom.Host)
	assert.Equal(t, 19000, custom.Port)
	assert.Equal(t, "forensics", custom.Database)
	assert.Equal(t, "timeline", custom.Table)
}
