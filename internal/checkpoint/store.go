package checkpoint

import (
	"context"
	"time"
)

// Checkpoint is the committed progress of one source: the number of input
// records whose documents the backend has confirmed
type Checkpoint struct {
	Source    string
	Records   uint64
	UpdatedAt time.Time
}

// Store stores and retrieves per-source checkpoints
type Store interface {
	// Get returns the committed record count, 0 if nothing is stored
	Get(ctx context.Context, source string) (uint64, error)

	// Set stores the committed record count
	Set(ctx context.Context, source string, records uint64) error

	// Delete removes the checkpoint so the next run starts from the beginning
	Delete(ctx context.Context, source string) error

	// List returns all stored checkpoints ordered by source
	List(ctx context.Context) ([]Checkpoint, error)

	Close() error
}
