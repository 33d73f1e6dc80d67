package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumen/internal/kafka"
	"lumen/internal/logger"
	"lumen/internal/models"
)

type fakePublisher struct {
	records []kafka.Record
	err     error
	ctxErr  error
}

func (f *fakePublisher) PublishBatch(ctx context.Context, records []kafka.Record) error {
	f.ctxErr = ctx.Err()
	f.records = append(f.records, records...)
	return f.err
}

type recordingReporter struct{ losses []Loss }

func (r *recordingReporter) Report(_ context.Context, loss Loss) { r.losses = append(r.losses, loss) }

func lostBatch() models.Batch {
	return models.Batch{ID: "batch-1", Items: []json.RawMessage{json.RawMessage(`{"a":1}`), json.RawMessage(`{"b":2}`)}}
}

func TestKafkaReporterPublishesEveryItem(t *testing.T) {
	pub := &fakePublisher{}
	r := NewKafkaReporter(pub, "ikey-1", time.Second)
	r.now = func() time.Time { return time.Unix(100, 0) }

	r.Report(context.Background(), Loss{Reason: ReasonRejected, Batch: lostBatch(), StatusCode: 400})

	require.Len(t, pub.records, 2)
	assert.NoError(t, pub.ctxErr)
	assert.Equal(t, "batch-1", pub.records[0].Key)
	assert.Equal(t, []byte(`{"b":2}`), pub.records[1].Value)
	assert.Equal(t, map[string]string{
		"reason":      "rejected",
		"batch_id":    "batch-1",
		"ikey":        "ikey-1",
		"status_code": "400",
	}, pub.records[0].Headers)
	assert.Equal(t, time.Unix(100, 0), pub.records[0].Time)
}

// blockingPublisher never reaches a broker and returns when ctx ends
type blockingPublisher struct{}

func (blockingPublisher) PublishBatch(ctx context.Context, _ []kafka.Record) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestKafkaReporterBoundedByCallerAndTimeout(t *testing.T) {
	tests := []struct {
		name     string
		timeout  time.Duration
		deadline time.Duration
	}{
		{name: "caller deadline first", timeout: time.Minute, deadline: 50 * time.Millisecond},
		{name: "reporter timeout first", timeout: 50 * time.Millisecond, deadline: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewKafkaReporter(blockingPublisher{}, "ikey", tt.timeout)
			ctx, cancel := context.WithTimeout(context.Background(), tt.deadline)
			defer cancel()

			start := time.Now()
			r.Report(ctx, Loss{Reason: ReasonRejected, Batch: lostBatch()})
			assert.Less(t, time.Since(start), 2*time.Second)
		})
	}
}

func TestKafkaReporterSkipsEmptyAndLogsErrors(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(nil)

	pub := &fakePublisher{err: errors.New("broker down")}
	r := NewKafkaReporter(pub, "ikey", 0)

	r.Report(context.Background(), Loss{Reason: ReasonEvicted})
	assert.Empty(t, pub.records)

	r.Report(context.Background(), Loss{Reason: ReasonEvicted, Batch: lostBatch()})
	assert.Contains(t, buf.String(), "failed to publish dead letters")
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(nil)

	NewLogReporter().Report(context.Background(), Loss{Reason: ReasonExpired, Batch: lostBatch()})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "expired", line["reason"])
	assert.EqualValues(t, 2, line["items"])
	assert.Equal(t, "batch-1", line["batch_id"])
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recordingReporter{}, &recordingReporter{}
	m := Multi{a, nil, b}
	m.Report(context.Background(), Loss{Reason: ReasonRetryLimit, Batch: lostBatch()})

	assert.Len(t, a.losses, 1)
	assert.Len(t, b.losses, 1)
	assert.Equal(t, ReasonRetryLimit, b.losses[0].Reason)
}
