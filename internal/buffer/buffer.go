package buffer

import (
	"encoding/json"
	"sync"

	"lumen/internal/metrics"
	"lumen/internal/models"
)

// Buffer accumulates frozen envelopes in arrival order and cuts them into
// batches bounded by item count and encoded size. Add and Flush are mutually
// exclusive; an item is returned by exactly one Flush.
type Buffer struct {
	mu       sync.Mutex
	maxItems int
	maxBytes int

	sealed  []models.Batch
	current []json.RawMessage
	size    int // encoded size of current as a JSON array
	items   int // items held across sealed and current
}

// New creates a buffer. Non-positive limits fall back to 500 items / 1 MiB.
func New(maxItems, maxBytes int) *Buffer {
	if maxItems <= 0 {
		maxItems = 500
	}
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &Buffer{maxItems: maxItems, maxBytes: maxBytes, size: 2}
}

// Add appends item and reports whether a full batch is waiting to be flushed.
// An item larger than the byte ceiling becomes a batch of its own.
func (b *Buffer) Add(item json.RawMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.current) > 0 && b.size+len(item)+1 > b.maxBytes {
		b.seal()
	}
	b.current = append(b.current, item)
	if len(b.current) == 1 {
		b.size += len(item)
	} else {
		b.size += len(item) + 1
	}
	b.items++
	metrics.BufferItems.Set(float64(b.items))

	if len(b.current) >= b.maxItems || b.size >= b.maxBytes {
		b.seal()
	}
	return len(b.sealed) > 0
}

// seal moves the current batch to the sealed list. Caller holds mu.
func (b *Buffer) seal() {
	if len(b.current) == 0 {
		return
	}
	b.sealed = append(b.sealed, models.NewBatch(b.current))
	b.current = nil
	b.size = 2
}

// Flush swaps the buffer for an empty one and returns its contents as batches,
// oldest first. It returns nil when the buffer is empty.
func (b *Buffer) Flush() []models.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seal()
	out := b.sealed
	b.sealed = nil
	b.items = 0
	metrics.BufferItems.Set(0)
	return out
}

// TakeSealed returns only the batches that reached a ceiling, leaving the
// partially filled batch in place.
func (b *Buffer) TakeSealed() []models.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.sealed
	b.sealed = nil
	for _, batch := range out {
		b.items -= batch.Len()
	}
	metrics.BufferItems.Set(float64(b.items))
	return out
}

// Len returns the number of buffered items
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.items
}
