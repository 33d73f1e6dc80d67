package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumen/internal/alerts"
	"lumen/internal/clock"
	"lumen/internal/models"
)

type recordingReporter struct {
	mu     sync.Mutex
	losses []alerts.Loss
}

func (r *recordingReporter) Report(_ context.Context, loss alerts.Loss) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.losses = append(r.losses, loss)
}

func (r *recordingReporter) reasons() []alerts.Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alerts.Reason, len(r.losses))
	for i, l := range r.losses {
		out[i] = l.Reason
	}
	return out
}

func batchOf(tag string, n int) models.Batch {
	items := make([]json.RawMessage, n)
	for i := range items {
		items[i] = json.RawMessage(fmt.Sprintf(`{"tag":%q,"i":%d}`, tag, i))
	}
	return models.NewBatch(items)
}

func openTest(t *testing.T, dir string, fake *clock.Fake, rep alerts.Reporter, mutate func(*Config)) *LocalStorage {
	t.Helper()
	cfg := Config{
		Path:       dir,
		MaxBytes:   1 << 20,
		MaxBatches: 100,
		Retention:  time.Hour,
		MaxRetries: 3,
		Lease:      time.Minute,
		Backoff:    func(int) time.Duration { return 10 * time.Second },
		Clock:      fake,
		Reporter:   rep,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	return s
}

func TestStoreAndDrainInInsertionOrder(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := openTest(t, t.TempDir(), fake, &recordingReporter{}, nil)
	ctx := context.Background()

	first, second := batchOf("a", 2), batchOf("b", 3)
	require.NoError(t, s.Store(ctx, first))
	require.NoError(t, s.Store(ctx, second))

	got, err := s.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].Batch.ID)
	assert.Equal(t, first.Items, got[0].Batch.Items)
	assert.Equal(t, second.Items, got[1].Batch.Items)
	assert.Less(t, got[0].Key, got[1].Key)

	// leased batches are not handed out twice
	again, err := s.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, s.Complete(got[0].Key))
	require.NoError(t, s.Complete(got[1].Key))
	assert.ErrorIs(t, s.Complete(got[1].Key), ErrNotLeased)
	assert.Equal(t, 0, s.Stats().Batches)
	assert.Equal(t, uint64(2), s.Stats().Replayed)
}

func TestEvictsOldestWhenFull(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	rep := &recordingReporter{}
	s := openTest(t, t.TempDir(), fake, rep, func(c *Config) { c.MaxBatches = 3 })
	ctx := context.Background()

	var created []time.Time
	for _, tag := range []string{"a", "b", "c", "d"} {
		created = append(created, fake.Now())
		require.NoError(t, s.Store(ctx, batchOf(tag, 1)))
		fake.Advance(time.Second)
	}

	assert.Equal(t, []alerts.Reason{alerts.ReasonEvicted}, rep.reasons())
	assert.JSONEq(t, `{"tag":"a","i":0}`, string(rep.losses[0].Batch.Items[0]))

	got, err := s.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, sb := range got {
		assert.True(t, sb.Created.Equal(created[i+1]), "batch %d created %s", i, sb.Created)
	}
	assert.Equal(t, uint64(1), s.Stats().Evicted)
}

func TestEvictionSkipsBatchesInReplay(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	rep := &recordingReporter{}
	s := openTest(t, t.TempDir(), fake, rep, func(c *Config) { c.MaxBatches = 2 })
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, batchOf("a", 1)))
	fake.Advance(time.Second)
	require.NoError(t, s.Store(ctx, batchOf("b", 1)))

	// lease only the oldest; the next store evicts b instead
	leased, err := s.Drain(ctx, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	fake.Advance(time.Second)
	require.NoError(t, s.Store(ctx, batchOf("c", 1)))
	require.Equal(t, []alerts.Reason{alerts.ReasonEvicted}, rep.reasons())
	assert.JSONEq(t, `{"tag":"b","i":0}`, string(rep.losses[0].Batch.Items[0]))

	// the replayed batch can still be settled exactly once
	require.NoError(t, s.Complete(leased[0].Key))
	assert.Equal(t, 1, s.Stats().Batches)
}

func TestStoreRefusedWhenAllBatchesInReplay(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	rep := &recordingReporter{}
	s := openTest(t, t.TempDir(), fake, rep, func(c *Config) { c.MaxBatches = 2 })
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, batchOf("a", 1)))
	require.NoError(t, s.Store(ctx, batchOf("b", 1)))
	leased, err := s.Drain(ctx, 2)
	require.NoError(t, err)
	require.Len(t, leased, 2)

	err = s.Store(ctx, batchOf("c", 1))
	assert.ErrorIs(t, err, ErrStorageFull)
	assert.Empty(t, rep.reasons())
	assert.Equal(t, uint64(0), s.Stats().Evicted)

	for _, sb := range leased {
		require.NoError(t, s.Complete(sb.Key))
	}
	require.NoError(t, s.Store(ctx, batchOf("c", 1)))
}

func TestEvictsByBytes(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	rep := &recordingReporter{}
	dir := t.TempDir()
	s := openTest(t, dir, fake, rep, nil)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, batchOf("a", 50)))
	one := s.Stats().Bytes
	require.NoError(t, s.Close())

	// room for one batch of that size plus a little
	s = openTest(t, dir, fake, rep, func(c *Config) { c.MaxBytes = one + one/2 })
	require.NoError(t, s.Store(ctx, batchOf("b", 50)))

	assert.Equal(t, []alerts.Reason{alerts.ReasonEvicted}, rep.reasons())
	assert.Equal(t, 1, s.Stats().Batches)

	err := s.Store(ctx, batchOf("huge", 5000))
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestDrainDiscardsExpired(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	rep := &recordingReporter{}
	dir := t.TempDir()
	s := openTest(t, dir, fake, rep, nil)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, batchOf("old", 2)))
	fake.Advance(90 * time.Minute)
	require.NoError(t, s.Store(ctx, batchOf("new", 1)))

	got, err := s.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"tag":"new","i":0}`, string(got[0].Batch.Items[0]))

	assert.Equal(t, []alerts.Reason{alerts.ReasonExpired}, rep.reasons())
	assert.Equal(t, 2, rep.losses[0].Batch.Len())
	assert.Equal(t, uint64(1), s.Stats().Expired)

	files, err := filepath.Glob(filepath.Join(dir, "*.blob"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestRetrySchedulesAndGivesUp(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	rep := &recordingReporter{}
	s := openTest(t, t.TempDir(), fake, rep, nil)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, batchOf("a", 1)))

	for attempt := 1; attempt < 3; attempt++ {
		got, err := s.Drain(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1, "attempt %d", attempt)
		assert.Equal(t, attempt-1, got[0].Retries)
		require.NoError(t, s.Retry(ctx, got[0].Key))

		// not eligible until the backoff has passed
		none, err := s.Drain(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, none)
		fake.Advance(10 * time.Second)
	}

	got, err := s.Drain(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, s.Retry(ctx, got[0].Key))

	assert.Equal(t, []alerts.Reason{alerts.ReasonRetryLimit}, rep.reasons())
	assert.Equal(t, 0, s.Stats().Batches)
}

func TestReplaceKeepsOnlySubset(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := openTest(t, t.TempDir(), fake, &recordingReporter{}, nil)
	ctx := context.Background()

	original := batchOf("a", 6)
	require.NoError(t, s.Store(ctx, original))
	got, err := s.Drain(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	subset := original.Subset([]int{2, 5})
	require.NoError(t, s.Replace(ctx, got[0].Key, subset))

	fake.Advance(10 * time.Second)
	got, err = s.Drain(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, subset.Items, got[0].Batch.Items)
	assert.Equal(t, 1, got[0].Retries)
}

func TestExpiredLeaseBecomesEligible(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := openTest(t, t.TempDir(), fake, &recordingReporter{}, nil)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, batchOf("a", 1)))
	got, err := s.Drain(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	fake.Advance(2 * time.Minute)
	again, err := s.Drain(ctx, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, got[0].Key, again[0].Key)
}

func TestPersistsAcrossReopen(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	dir := t.TempDir()
	ctx := context.Background()

	s := openTest(t, dir, fake, &recordingReporter{}, nil)
	first, second := batchOf("a", 2), batchOf("b", 1)
	require.NoError(t, s.Store(ctx, first))
	require.NoError(t, s.Store(ctx, second))

	// a drained but unsettled batch is not lost by a restart
	_, err := s.Drain(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Store(ctx, first), ErrStorageClosed)

	// leftovers of an interrupted write are cleaned up
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00000000000000000001-x.blob-123.tmp"), []byte("partial"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00000000000000000002-y.blob"), []byte("garbage"), 0o600))

	reopened := openTest(t, dir, fake, &recordingReporter{}, nil)
	got, err := reopened.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.Items, got[0].Batch.Items)
	assert.Equal(t, second.Items, got[1].Batch.Items)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// new keys sort after the reloaded ones even if the clock went back
	fake.Advance(-time.Hour)
	third := batchOf("c", 1)
	require.NoError(t, reopened.Store(ctx, third))
	require.NoError(t, reopened.Complete(got[0].Key))
	require.NoError(t, reopened.Complete(got[1].Key))
	last, err := reopened.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Greater(t, last[0].Key, got[1].Key)
}

func TestConcurrentDrainLeasesOnce(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := openTest(t, t.TempDir(), fake, &recordingReporter{}, nil)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Store(ctx, batchOf(fmt.Sprint(i), 1)))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := s.Drain(ctx, 3)
				if err != nil || len(got) == 0 {
					return
				}
				mu.Lock()
				for _, sb := range got {
					seen[sb.Key]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for k, n := range seen {
		assert.Equal(t, 1, n, k)
	}
}
