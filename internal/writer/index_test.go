package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SteelMorgan/timeline-indexer/internal/domain"
	"github.com/SteelMorgan/timeline-indexer/internal/timestamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records bulk requests and answers with scripted outcomes
type fakeSink struct {
	mu       sync.Mutex
	calls    [][]Entry
	failures []error                     // consumed one per call; nil means success
	statuses map[string]int              // per-id item status, default 201
	respond  func([]Entry) *BulkResponse // overrides statuses when set
}

func (s *fakeSink) BulkCreate(ctx context.Context, index string, entries []Entry) (*BulkResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sent := make([]Entry, len(entries))
	copy(sent, entries)
	s.calls = append(s.calls, sent)

	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		if err != nil {
			return nil, err
		}
	}

	if s.respond != nil {
		return s.respond(entries), nil
	}

	resp := &BulkResponse{}
	for _, e := range entries {
		status := 201
		if st, ok := s.statuses[e.ID]; ok {
			status = st
		}
		item := BulkItem{ID: e.ID, Status: status}
		if status >= 300 && status != 409 {
			resp.Errors = true
			item.ErrorType = "mapper_parsing_exception"
			item.Reason = "failed to parse"
		}
		resp.Items = append(resp.Items, item)
	}
	return resp, nil
}

func (s *fakeSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func docAt(ms int64) *domain.Document {
	ts := timestamp.Instant(ms)
	return &domain.Document{
		Timestamp: ts,
		File:      domain.FileAttributes{Name: "file", Inode: "1", MTime: &ts},
	}
}

func newTestIndex(sink BulkSink, capacity int) *Index {
	return NewIndex("timeline", sink, BatchConfig{Capacity: capacity, FlushTimeout: time.Second})
}

func TestIndex_AutoFlushAtCapacity(t *testing.T) {
	sink := &fakeSink{}
	ix := newTestIndex(sink, 3)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, docAt(1)))
	require.NoError(t, ix.Add(ctx, docAt(2)))
	assert.Equal(t, 0, sink.callCount())
	assert.Equal(t, 2, ix.Len())

	require.NoError(t, ix.Add(ctx, docAt(3)))
	assert.Equal(t, 1, sink.callCount())
	assert.Equal(t, 0, ix.Len())
	assert.Len(t, sink.calls[0], 3)

	// nothing buffered: no network call
	result, err := ix.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Sent)
	assert.Equal(t, 1, sink.callCount())
}

func TestIndex_PreservesAppendOrder(t *testing.T) {
	sink := &fakeSink{}
	ix := newTestIndex(sink, 100)
	ctx := context.Background()

	var want []string
	for i := int64(0); i < 10; i++ {
		doc := docAt(i)
		entry, err := NewEntry(doc)
		require.NoError(t, err)
		want = append(want, entry.ID)
		require.NoError(t, ix.Add(ctx, doc))
	}

	_, err := ix.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sink.callCount())

	var got []string
	for _, e := range sink.calls[0] {
		got = append(got, e.ID)
	}
	assert.Equal(t, want, got)
}

func TestIndex_IdenticalDocumentsShareID(t *testing.T) {
	sink := &fakeSink{}
	ix := newTestIndex(sink, 10)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, docAt(5)))
	require.NoError(t, ix.Add(ctx, docAt(5)))
	require.NoError(t, ix.Add(ctx, docAt(6)))

	_, err := ix.Flush(ctx)
	require.NoError(t, err)

	entries := sink.calls[0]
	require.Len(t, entries, 3)
	assert.Equal(t, entries[0].ID, entries[1].ID)
	assert.NotEqual(t, entries[0].ID, entries[2].ID)
}

func TestIndex_TransportFailureRetainsBatch(t *testing.T) {
	sink := &fakeSink{failures: []error{&TransportError{StatusCode: 503, Body: "unavailable"}}}
	ix := newTestIndex(sink, 10)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, docAt(1)))
	require.NoError(t, ix.Add(ctx, docAt(2)))

	_, err := ix.Flush(ctx)
	require.Error(t, err)
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, 503, transportErr.StatusCode)
	assert.Equal(t, 2, ix.Len())

	// newer entries queue behind the unconfirmed batch
	require.NoError(t, ix.Add(ctx, docAt(3)))

	result, err := ix.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Sent)
	assert.Equal(t, 3, result.Created)
	assert.Equal(t, 0, ix.Len())

	require.Equal(t, 3, sink.callCount())
	assert.Equal(t, sink.calls[0], sink.calls[1], "retry resends the same entries")
	assert.Len(t, sink.calls[2], 1)
}

func TestIndex_RejectionsSurviveLaterTransportFailure(t *testing.T) {
	doc1, err := NewEntry(docAt(1))
	require.NoError(t, err)

	boom := errors.New("connection reset")
	sink := &fakeSink{
		failures: []error{boom, nil, boom},
		statuses: map[string]int{doc1.ID: 503},
	}
	ix := newTestIndex(sink, 1)
	ctx := context.Background()

	var reported []*FlushResult
	ix.OnFlush(func(r *FlushResult) { reported = append(reported, r) })

	// doc1 stays pending after the first request fails
	require.Error(t, ix.Add(ctx, docAt(1)))
	// doc1 is answered with 503, then the request carrying doc2 fails
	require.Error(t, ix.Add(ctx, docAt(2)))
	assert.Equal(t, 1, ix.Len())
	assert.Empty(t, reported)

	result, err := ix.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, sink.callCount())
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 1, result.Created)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, doc1.ID, result.Failed[0].Entry.ID)
	assert.Equal(t, 503, result.Failed[0].Status)
	require.Len(t, reported, 1)
	assert.Same(t, result, reported[0])
	assert.Equal(t, uint64(1), ix.Stats().Failed)

	// the reported rejection can be retried
	delete(sink.statuses, doc1.ID)
	require.NoError(t, ix.Requeue(result.Failed))
	retry, err := ix.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retry.Created)
	assert.Empty(t, retry.Failed)
	assert.Equal(t, doc1.ID, sink.calls[4][0].ID)
}

func TestIndex_AddReturnsFlushError(t *testing.T) {
	sink := &fakeSink{failures: []error{errors.New("connection refused")}}
	ix := newTestIndex(sink, 1)
	ctx := context.Background()

	err := ix.Add(ctx, docAt(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 1, ix.Len())

	_, err = ix.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ix.Len())
}

func TestIndex_PartialFailureIsNotAnError(t *testing.T) {
	bad, err := NewEntry(docAt(2))
	require.NoError(t, err)
	existing, err := NewEntry(docAt(3))
	require.NoError(t, err)

	sink := &fakeSink{statuses: map[string]int{bad.ID: 400, existing.ID: 409}}
	ix := newTestIndex(sink, 10)
	ctx := context.Background()

	for _, ms := range []int64{1, 2, 3} {
		require.NoError(t, ix.Add(ctx, docAt(ms)))
	}

	result, err := ix.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, result.Partial())
	assert.Equal(t, 3, result.Sent)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Existing)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, bad.ID, result.Failed[0].Entry.ID)
	assert.Equal(t, 400, result.Failed[0].Status)
	assert.Equal(t, "mapper_parsing_exception", result.Failed[0].ErrorType)
	assert.Equal(t, 0, ix.Len())

	stats := ix.Stats()
	assert.Equal(t, uint64(3), stats.Added)
	assert.Equal(t, uint64(1), stats.Created)
	assert.Equal(t, uint64(1), stats.Existing)
	assert.Equal(t, uint64(1), stats.Failed)

	// retry just the rejected entry
	delete(sink.statuses, bad.ID)
	require.NoError(t, ix.Requeue(result.Failed))
	retry, err := ix.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retry.Created)
	assert.Equal(t, bad.ID, sink.calls[1][0].ID)
}

func TestIndex_ItemsMatchedByIDWhenCountsDiffer(t *testing.T) {
	sink := &fakeSink{respond: func(entries []Entry) *BulkResponse {
		// only the last entry is reported
		last := entries[len(entries)-1]
		return &BulkResponse{Items: []BulkItem{{ID: last.ID, Status: 201}}}
	}}
	ix := newTestIndex(sink, 10)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, docAt(1)))
	require.NoError(t, ix.Add(ctx, docAt(2)))

	result, err := ix.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "missing from bulk response", result.Failed[0].Reason)
}

func TestIndex_SetCapacity(t *testing.T) {
	tests := []struct {
		name         string
		buffered     int
		newCapacity  int
		wantFlush    bool
		wantCapacity int
		wantBuffered int
	}{
		{name: "shrink below buffered flushes", buffered: 4, newCapacity: 2, wantFlush: true, wantCapacity: 2, wantBuffered: 0},
		{name: "shrink above buffered flushes", buffered: 1, newCapacity: 5, wantFlush: true, wantCapacity: 5, wantBuffered: 0},
		{name: "grow does not flush", buffered: 4, newCapacity: 20, wantFlush: false, wantCapacity: 20, wantBuffered: 4},
		{name: "same does not flush", buffered: 4, newCapacity: 10, wantFlush: false, wantCapacity: 10, wantBuffered: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &fakeSink{}
			ix := newTestIndex(sink, 10)
			ctx := context.Background()
			for i := 0; i < tt.buffered; i++ {
				require.NoError(t, ix.Add(ctx, docAt(int64(i))))
			}

			require.NoError(t, ix.SetCapacity(ctx, tt.newCapacity))
			assert.Equal(t, tt.wantFlush, sink.callCount() == 1)
			assert.Equal(t, tt.wantCapacity, ix.Capacity())
			assert.Equal(t, tt.wantBuffered, ix.Len())
		})
	}
}

func TestIndex_SetCapacityKeepsOldValueOnFlushError(t *testing.T) {
	sink := &fakeSink{failures: []error{errors.New("timeout")}}
	ix := newTestIndex(sink, 10)
	ctx := context.Background()
	require.NoError(t, ix.Add(ctx, docAt(1)))

	require.Error(t, ix.SetCapacity(ctx, 2))
	assert.Equal(t, 10, ix.Capacity())
	assert.Equal(t, 1, ix.Len())

	assert.Error(t, ix.SetCapacity(ctx, 0))
}

func TestIndex_OnFlushHook(t *testing.T) {
	sink := &fakeSink{failures: []error{errors.New("boom")}}
	ix := newTestIndex(sink, 10)
	ctx := context.Background()

	var results []*FlushResult
	ix.OnFlush(func(r *FlushResult) { results = append(results, r) })

	require.NoError(t, ix.Add(ctx, docAt(1)))
	_, err := ix.Flush(ctx)
	require.Error(t, err)
	assert.Empty(t, results)

	_, err = ix.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Created)

	// empty flushes do not run hooks
	_, err = ix.Flush(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestIndex_Close(t *testing.T) {
	sink := &fakeSink{}
	ix := newTestIndex(sink, 10)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, docAt(1)))
	require.NoError(t, ix.Close())
	assert.Equal(t, 1, sink.callCount())
	assert.Equal(t, 0, ix.Len())

	assert.ErrorIs(t, ix.Add(ctx, docAt(2)), ErrClosed)
	assert.ErrorIs(t, ix.Requeue(nil), ErrClosed)
	require.NoError(t, ix.Close())
	assert.Equal(t, 1, sink.callCount())
}

func TestIndex_CloseReportsUnflushed(t *testing.T) {
	sink := &fakeSink{failures: []error{errors.New("connection reset")}}
	ix := newTestIndex(sink, 10)
	ctx := context.Background()
	require.NoError(t, ix.Add(ctx, docAt(1)))
	require.NoError(t, ix.Add(ctx, docAt(2)))

	err := ix.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 entries")
	assert.Equal(t, 2, ix.Len())

	// a second Close delivers the retained entries
	require.NoError(t, ix.Close())
	assert.Equal(t, 0, ix.Len())
}

func TestIndex_FlushHonorsCancelledContext(t *testing.T) {
	sink := &fakeSink{}
	blocking := &blockingSink{inner: sink}
	ix := NewIndex("timeline", blocking, BatchConfig{Capacity: 10, FlushTimeout: 20 * time.Millisecond})
	require.NoError(t, ix.Add(context.Background(), docAt(1)))

	_, err := ix.Flush(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, ix.Len())
}

// blockingSink waits for the context to end before answering
type blockingSink struct {
	inner BulkSink
}

func (s *blockingSink) BulkCreate(ctx context.Context, index string, entries []Entry) (*BulkResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestIndex_ConcurrentProducers(t *testing.T) {
	sink := &fakeSink{}
	ix := newTestIndex(sink, 7)
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, ix.Add(ctx, docAt(int64(p*1000+i))))
			}
		}(p)
	}
	wg.Wait()

	_, err := ix.Flush(ctx)
	require.NoError(t, err)

	total := 0
	for _, call := range sink.calls {
		assert.LessOrEqual(t, len(call), 7)
		total += len(call)
	}
	assert.Equal(t, 100, total)
	assert.Equal(t, uint64(100), ix.Stats().Created)
}
