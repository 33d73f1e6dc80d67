package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"lumen/internal/alerts"
	"lumen/internal/clock"
	"lumen/internal/logger"
	"lumen/internal/metrics"
	"lumen/internal/models"
)

const (
	blobExt       = ".blob"
	tmpExt        = ".tmp"
	recordVersion = 1
)

// Config holds offline storage configuration
type Config struct {
	Path       string
	MaxBytes   int64
	MaxBatches int
	Retention  time.Duration
	MaxRetries int
	Lease      time.Duration

	// Backoff returns the wait before the next replay after retries failed replays
	Backoff  func(retries int) time.Duration
	Clock    clock.Clock
	Reporter alerts.Reporter
}

// record is the on-disk form of a StoredBatch, gzip-compressed JSON
type record struct {
	Version     int               `json:"version"`
	BatchID     string            `json:"batch_id"`
	Created     time.Time         `json:"created"`
	Retries     int               `json:"retries"`
	NextAttempt time.Time         `json:"next_attempt"`
	Items       []json.RawMessage `json:"items"`
}

// entry is the in-memory index of one file
type entry struct {
	key        string
	size       int64
	created    time.Time
	next       time.Time
	retries    int
	leaseUntil time.Time
}

func (e *entry) leased(now time.Time) bool {
	return !e.leaseUntil.IsZero() && e.leaseUntil.After(now)
}

// LocalStorage is a Queue backed by one file per batch in a directory.
// File names start with a zero-padded creation time, so directory order is
// insertion order. Index operations and file writes are serialized by one mutex.
type LocalStorage struct {
	cfg Config
	dir string

	mu        sync.Mutex
	entries   []*entry
	bytes     int64
	lastNanos int64
	closed    bool

	// Metrics
	stored   atomic.Uint64
	evicted  atomic.Uint64
	expired  atomic.Uint64
	replayed atomic.Uint64
}

// Open loads or creates the storage directory. Leftover temp files from an
// interrupted write are removed; unreadable batches are discarded.
func Open(cfg Config) (*LocalStorage, error) {
	if cfg.Path == "" {
		return nil, errors.New("storage path is required")
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 1000
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 50 << 20
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 48 * time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.Backoff == nil {
		cfg.Backoff = defaultBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = alerts.NewLogReporter()
	}

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	s := &LocalStorage{cfg: cfg, dir: cfg.Path}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.updateGauges()
	return s, nil
}

func defaultBackoff(retries int) time.Duration {
	d := 30 * time.Second
	for i := 1; i < retries && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

func (s *LocalStorage) load() error {
	log := logger.WithComponent("storage")

	files, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read storage dir: %w", err)
	}

	for _, f := range files {
		if f.IsDir() {
			continue
		}
		name := f.Name()
		switch {
		case strings.HasSuffix(name, tmpExt):
			_ = os.Remove(filepath.Join(s.dir, name))
			log.Debug().Str("file", name).Msg("removed incomplete write")
		case strings.HasSuffix(name, blobExt):
			key := strings.TrimSuffix(name, blobExt)
			rec, size, err := s.readRecord(key)
			if err != nil {
				log.Warn().Err(err).Str("file", name).Msg("discarding unreadable stored batch")
				_ = os.Remove(s.path(key))
				continue
			}
			s.entries = append(s.entries, &entry{
				key:     key,
				size:    size,
				created: rec.Created,
				next:    rec.NextAttempt,
				retries: rec.Retries,
			})
			s.bytes += size
			if n := keyNanos(key); n > s.lastNanos {
				s.lastNanos = n
			}
		}
	}

	log.Info().
		Str("path", s.dir).
		Int("batches", len(s.entries)).
		Int64("bytes", s.bytes).
		Msg("offline storage opened")
	return nil
}

func keyNanos(key string) int64 {
	prefix, _, _ := strings.Cut(key, "-")
	n, _ := strconv.ParseInt(prefix, 10, 64)
	return n
}

func (s *LocalStorage) path(key string) string {
	return filepath.Join(s.dir, key+blobExt)
}

// nextKey returns a key that sorts after every existing key
func (s *LocalStorage) nextKey(now time.Time) string {
	n := now.UnixNano()
	if n <= s.lastNanos {
		n = s.lastNanos + 1
	}
	s.lastNanos = n
	return fmt.Sprintf("%020d-%s", n, uuid.NewString())
}

// Store persists batch, evicting the oldest batches if the queue is full.
func (s *LocalStorage) Store(ctx context.Context, batch models.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	log := logger.WithBatch("storage", batch.ID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStorageClosed
	}

	now := s.cfg.Clock.Now()
	data, err := encodeRecord(record{
		Version:     recordVersion,
		BatchID:     batch.ID,
		Created:     now,
		NextAttempt: now,
		Items:       batch.Items,
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	size := int64(len(data))
	if size > s.cfg.MaxBytes {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d bytes", ErrBatchTooLarge, size)
	}

	losses, err := s.evictFor(size, now)
	if err != nil {
		s.mu.Unlock()
		s.report(ctx, losses)
		return err
	}

	key := s.nextKey(now)
	if err := s.writeFile(key, data); err != nil {
		s.mu.Unlock()
		s.report(ctx, losses)
		return err
	}
	s.entries = append(s.entries, &entry{key: key, size: size, created: now, next: now})
	s.bytes += size
	s.updateGauges()
	s.mu.Unlock()

	s.stored.Add(1)
	metrics.StorageOps.WithLabelValues("store").Inc()
	log.Info().
		Str("key", key).
		Int("items", batch.Len()).
		Int64("bytes", size).
		Msg("batch stored offline")

	s.report(ctx, losses)
	return nil
}

// evictFor removes the oldest unleased entries until one more batch of size
// fits. A leased entry is being replayed and is never evicted; when only
// leased entries stand in the way it returns ErrStorageFull. Caller holds mu.
func (s *LocalStorage) evictFor(size int64, now time.Time) ([]alerts.Loss, error) {
	var losses []alerts.Loss
	for len(s.entries) >= s.cfg.MaxBatches || s.bytes+size > s.cfg.MaxBytes {
		victim := -1
		for i, e := range s.entries {
			if !e.leased(now) {
				victim = i
				break
			}
		}
		if victim < 0 {
			return losses, fmt.Errorf("%w: %d batches in replay", ErrStorageFull, len(s.entries))
		}
		e := s.entries[victim]
		loss := s.removeAt(victim, alerts.ReasonEvicted)
		losses = append(losses, loss)
		s.evicted.Add(1)
		metrics.StorageOps.WithLabelValues("evict").Inc()

		log := logger.WithComponent("storage")
		log.Warn().
			Str("key", e.key).
			Time("created", e.created).
			Int("items", loss.Batch.Len()).
			Msg("offline storage full, evicted oldest batch")
	}
	return losses, nil
}

// removeAt deletes the entry at i and its file, returning what was lost.
// Caller holds mu.
func (s *LocalStorage) removeAt(i int, reason alerts.Reason) alerts.Loss {
	e := s.entries[i]
	loss := alerts.Loss{Reason: reason, Batch: models.Batch{ID: e.key}}
	if rec, _, err := s.readRecord(e.key); err == nil {
		loss.Batch = models.Batch{ID: rec.BatchID, Items: rec.Items}
	} else {
		loss.Message = err.Error()
	}
	s.deleteAt(i)
	return loss
}

// deleteAt drops the entry at i and its file. Caller holds mu.
func (s *LocalStorage) deleteAt(i int) {
	e := s.entries[i]
	if err := os.Remove(s.path(e.key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log := logger.WithComponent("storage")
		log.Warn().Err(err).Str("key", e.key).Msg("failed to remove stored batch")
	}
	s.bytes -= e.size
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	s.updateGauges()
}

// Drain leases up to limit batches whose next attempt time has passed, oldest
// first. Batches older than the retention or past the retry limit are
// discarded and reported.
func (s *LocalStorage) Drain(ctx context.Context, limit int) ([]StoredBatch, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStorageClosed
	}

	now := s.cfg.Clock.Now()
	var out []StoredBatch
	var losses []alerts.Loss

	for i := 0; i < len(s.entries) && len(out) < limit; {
		e := s.entries[i]
		if e.leased(now) {
			i++
			continue
		}

		switch {
		case now.Sub(e.created) > s.cfg.Retention:
			losses = append(losses, s.removeAt(i, alerts.ReasonExpired))
			s.expired.Add(1)
			metrics.StorageOps.WithLabelValues("expire").Inc()
			continue
		case e.retries >= s.cfg.MaxRetries:
			losses = append(losses, s.removeAt(i, alerts.ReasonRetryLimit))
			s.expired.Add(1)
			metrics.StorageOps.WithLabelValues("expire").Inc()
			continue
		case e.next.After(now):
			i++
			continue
		}

		rec, _, err := s.readRecord(e.key)
		if err != nil {
			losses = append(losses, alerts.Loss{Reason: alerts.ReasonUnreadable, Batch: models.Batch{ID: e.key}, Message: err.Error()})
			s.deleteAt(i)
			continue
		}

		e.leaseUntil = now.Add(s.cfg.Lease)
		out = append(out, StoredBatch{
			Key:         e.key,
			Batch:       models.Batch{ID: rec.BatchID, Items: rec.Items},
			Created:     e.created,
			Retries:     e.retries,
			NextAttempt: e.next,
		})
		i++
	}
	s.mu.Unlock()

	s.report(ctx, losses)
	return out, nil
}

// find returns the index of a leased entry. Caller holds mu.
func (s *LocalStorage) find(key string) (int, error) {
	if s.closed {
		return -1, ErrStorageClosed
	}
	for i, e := range s.entries {
		if e.key == key {
			if e.leaseUntil.IsZero() {
				return -1, ErrNotLeased
			}
			return i, nil
		}
	}
	return -1, ErrNotLeased
}

// Complete deletes a replayed batch
func (s *LocalStorage) Complete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.find(key)
	if err != nil {
		return err
	}
	s.deleteAt(i)
	s.replayed.Add(1)
	metrics.StorageOps.WithLabelValues("replay_success").Inc()
	return nil
}

// Retry releases the lease after a failed replay and schedules the next one
func (s *LocalStorage) Retry(ctx context.Context, key string) error {
	return s.reschedule(ctx, key, nil)
}

// Replace swaps the stored items for the undelivered subset of a partly
// accepted replay and schedules the next attempt
func (s *LocalStorage) Replace(ctx context.Context, key string, batch models.Batch) error {
	if batch.Len() == 0 {
		return s.Complete(key)
	}
	return s.reschedule(ctx, key, &batch)
}

func (s *LocalStorage) reschedule(ctx context.Context, key string, replacement *models.Batch) error {
	s.mu.Lock()

	i, err := s.find(key)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	e := s.entries[i]
	now := s.cfg.Clock.Now()

	rec, _, err := s.readRecord(key)
	if err != nil {
		s.deleteAt(i)
		s.mu.Unlock()
		s.report(ctx, []alerts.Loss{{Reason: alerts.ReasonUnreadable, Batch: models.Batch{ID: key}, Message: err.Error()}})
		return nil
	}
	if replacement != nil {
		rec.BatchID = replacement.ID
		rec.Items = replacement.Items
	}
	rec.Retries = e.retries + 1

	if rec.Retries >= s.cfg.MaxRetries {
		s.deleteAt(i)
		s.expired.Add(1)
		s.mu.Unlock()
		metrics.StorageOps.WithLabelValues("replay_drop").Inc()
		s.report(ctx, []alerts.Loss{{
			Reason:  alerts.ReasonRetryLimit,
			Batch:   models.Batch{ID: rec.BatchID, Items: rec.Items},
			Message: fmt.Sprintf("gave up after %d replays", rec.Retries),
		}})
		return nil
	}

	rec.NextAttempt = now.Add(s.cfg.Backoff(rec.Retries))
	data, err := encodeRecord(*rec)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.writeFile(key, data); err != nil {
		s.mu.Unlock()
		return err
	}

	size := int64(len(data))
	s.bytes += size - e.size
	e.size = size
	e.retries = rec.Retries
	e.next = rec.NextAttempt
	e.leaseUntil = time.Time{}
	s.updateGauges()
	s.mu.Unlock()

	metrics.StorageOps.WithLabelValues("replay_retry").Inc()
	return nil
}

// Stats returns queue statistics
func (s *LocalStorage) Stats() Stats {
	s.mu.Lock()
	batches, size := len(s.entries), s.bytes
	s.mu.Unlock()

	return Stats{
		Batches:  batches,
		Bytes:    size,
		Stored:   s.stored.Load(),
		Evicted:  s.evicted.Load(),
		Expired:  s.expired.Load(),
		Replayed: s.replayed.Load(),
	}
}

// Close stops accepting operations. Stored batches stay on disk.
func (s *LocalStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *LocalStorage) updateGauges() {
	metrics.StorageBatches.Set(float64(len(s.entries)))
	metrics.StorageBytes.Set(float64(s.bytes))
}

func (s *LocalStorage) report(ctx context.Context, losses []alerts.Loss) {
	for _, l := range losses {
		s.cfg.Reporter.Report(ctx, l)
	}
}

// writeFile replaces the file for key atomically
func (s *LocalStorage) writeFile(key string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, key+"-*"+tmpExt)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write stored batch: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync stored batch: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close stored batch: %w", err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename stored batch: %w", err)
	}
	return nil
}

func (s *LocalStorage) readRecord(key string) (*record, int64, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, 0, fmt.Errorf("open stored batch %s: %w", key, err)
	}
	defer zr.Close()

	var rec record
	if err := json.NewDecoder(zr).Decode(&rec); err != nil {
		return nil, 0, fmt.Errorf("decode stored batch %s: %w", key, err)
	}
	if rec.Version != recordVersion {
		return nil, 0, fmt.Errorf("stored batch %s: unsupported version %d", key, rec.Version)
	}
	return &rec, info.Size(), nil
}

func encodeRecord(rec record) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(rec); err != nil {
		return nil, fmt.Errorf("encode stored batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("encode stored batch: %w", err)
	}
	return buf.Bytes(), nil
}

var _ Queue = (*LocalStorage)(nil)
