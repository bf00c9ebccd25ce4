package writer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SteelMorgan/timeline-indexer/internal/domain"
)

// DefaultCapacity bounds the payload of a single bulk request
const DefaultCapacity = 10000

// DefaultFlushTimeout bounds a single flush attempt
const DefaultFlushTimeout = 30 * time.Second

var (
	// ErrClosed is returned when writing to a closed writer
	ErrClosed = errors.New("writer is closed")

	// ErrSerialization is returned when a document cannot be encoded
	ErrSerialization = errors.New("failed to serialize document")
)

// BatchWriter buffers documents and writes them to the backend in batches
type BatchWriter interface {
	// Add appends a document, flushing when the batch reaches its capacity
	Add(ctx context.Context, doc *domain.Document) error

	// Flush forces writing all pending documents
	Flush(ctx context.Context) (*FlushResult, error)

	// SetCapacity changes the batch capacity, flushing first when it shrinks
	SetCapacity(ctx context.Context, capacity int) error

	// Close flushes pending documents and closes the writer
	Close() error
}

// BatchConfig configures batch behavior
type BatchConfig struct {
	Capacity     int           // Maximum entries per batch
	FlushTimeout time.Duration // Upper bound for one flush attempt (0 = caller context only)
}

// DefaultBatchConfig returns the default batch configuration
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Capacity:     DefaultCapacity,
		FlushTimeout: DefaultFlushTimeout,
	}
}

// BulkSink sends a batch of entries to a backend as create-only operations.
// Entries must be sent in order. A returned error means the request as a
// whole failed; per-entry outcomes are reported in BulkResponse.Items.
type BulkSink interface {
	BulkCreate(ctx context.Context, index string, entries []Entry) (*BulkResponse, error)
}

// BulkResponse is the structurally successful answer to a bulk request
type BulkResponse struct {
	Took   int64
	Errors bool
	Items  []BulkItem
}

// BulkItem is the outcome of one create operation
type BulkItem struct {
	ID        string
	Status    int
	ErrorType string
	Reason    string
}

// TransportError is a bulk request rejected at the HTTP level
type TransportError struct {
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bulk request failed with status %d: %s", e.StatusCode, e.Body)
}
