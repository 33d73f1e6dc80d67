package storage

import (
	"context"
	"errors"
	"time"

	"lumen/internal/models"
)

// Storage errors
var (
	ErrStorageClosed = errors.New("storage is closed")
	ErrBatchTooLarge = errors.New("batch exceeds storage capacity")
	ErrNotLeased     = errors.New("stored batch is not leased")
	ErrStorageFull   = errors.New("storage is full of batches in replay")
)

// StoredBatch is a persisted batch with its replay metadata
type StoredBatch struct {
	// Key identifies the stored record; it sorts in insertion order
	Key         string
	Batch       models.Batch
	Created     time.Time
	Retries     int
	NextAttempt time.Time
}

// Queue is durable spillover for batches that could not be delivered in-line.
//
// Drain leases the batches it returns: until the lease expires, no other Drain
// sees them. The holder settles each lease with exactly one of Complete, Retry
// or Replace.
type Queue interface {
	Store(ctx context.Context, batch models.Batch) error
	Drain(ctx context.Context, limit int) ([]StoredBatch, error)
	Complete(key string) error
	Retry(ctx context.Context, key string) error
	Replace(ctx context.Context, key string, batch models.Batch) error
	Stats() Stats
	Close() error
}

// Stats holds queue metrics
type Stats struct {
	Batches  int
	Bytes    int64
	Stored   uint64
	Evicted  uint64
	Expired  uint64
	Replayed uint64
}
