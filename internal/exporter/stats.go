package exporter

import (
	"lumen/internal/storage"
)

// Stats is a point-in-time view of exporter counters, served on /stats
type Stats struct {
	Records         uint64 `json:"records"`
	Unsupported     uint64 `json:"unsupported"`
	EncodeFailed    uint64 `json:"encode_failed"`
	Filtered        uint64 `json:"filtered"`
	ProcessorPanics uint64 `json:"processor_panics"`
	Buffered        int    `json:"buffered"`
	Accepted        uint64 `json:"accepted"`
	Stored          uint64 `json:"stored"`
	Rejected        uint64 `json:"rejected"`
	Lost            uint64 `json:"lost"`
	Requests        uint64 `json:"requests"`
	BytesSent       uint64 `json:"bytes_sent"`

	Storage *StorageStats `json:"storage,omitempty"`
}

type StorageStats struct {
	Batches  int    `json:"batches"`
	Bytes    int64  `json:"bytes"`
	Stored   uint64 `json:"stored"`
	Evicted  uint64 `json:"evicted"`
	Expired  uint64 `json:"expired"`
	Replayed uint64 `json:"replayed"`
}

// Stats returns exporter statistics
func (e *Exporter) Stats() Stats {
	ps := e.chain.Stats()
	ss := e.sender.Stats()

	st := Stats{
		Records:         e.records.Load(),
		Unsupported:     e.unsupported.Load(),
		EncodeFailed:    e.encodeFails.Load(),
		Filtered:        ps.Filtered,
		ProcessorPanics: ps.Panicked,
		Buffered:        e.buffer.Len(),
		Accepted:        e.accepted.Load(),
		Stored:          e.stored.Load(),
		Rejected:        e.rejected.Load(),
		Lost:            e.lost.Load(),
		Requests:        ss.Requests,
		BytesSent:       ss.BytesSent,
	}
	if e.queue != nil {
		st.Storage = storageStats(e.queue.Stats())
	}
	return st
}

func storageStats(s storage.Stats) *StorageStats {
	return &StorageStats{
		Batches:  s.Batches,
		Bytes:    s.Bytes,
		Stored:   s.Stored,
		Evicted:  s.Evicted,
		Expired:  s.Expired,
		Replayed: s.Replayed,
	}
}
