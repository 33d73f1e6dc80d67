package models

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
)

// Batch is an ordered group of frozen envelopes. Items are never modified once
// the batch is handed to the transport; a partial retry produces a new Batch.
type Batch struct {
	ID    string            `json:"id"`
	Items []json.RawMessage `json:"items"`
}

// NewBatch creates a batch with a fresh ID
func NewBatch(items []json.RawMessage) Batch {
	return Batch{ID: uuid.NewString(), Items: items}
}

// Len returns the number of envelopes
func (b Batch) Len() int { return len(b.Items) }

// Size returns the encoded size of the batch in bytes
func (b Batch) Size() int {
	if len(b.Items) == 0 {
		return 2
	}
	n := 1 // '['
	for _, it := range b.Items {
		n += len(it) + 1 // ',' or ']'
	}
	return n
}

// Encode renders the batch as the JSON array posted to the ingestion endpoint
func (b Batch) Encode() []byte {
	var buf bytes.Buffer
	buf.Grow(b.Size())
	buf.WriteByte('[')
	for i, it := range b.Items {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(it)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// Subset returns a new batch holding the items at the given indices, in index order.
// Out of range indices are skipped.
func (b Batch) Subset(indices []int) Batch {
	items := make([]json.RawMessage, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(b.Items) {
			continue
		}
		items = append(items, b.Items[i])
	}
	return NewBatch(items)
}
