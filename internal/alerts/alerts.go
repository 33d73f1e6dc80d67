package alerts

import (
	"context"
	"strconv"
	"time"

	"lumen/internal/kafka"
	"lumen/internal/logger"
	"lumen/internal/metrics"
	"lumen/internal/models"
)

// Reason explains why telemetry was permanently lost
type Reason string

const (
	ReasonRejected      Reason = "rejected"       // non-retryable response
	ReasonEvicted       Reason = "evicted"        // offline queue full
	ReasonExpired       Reason = "expired"        // older than retention
	ReasonRetryLimit    Reason = "retry_limit"    // replayed too many times
	ReasonStorageFailed Reason = "storage_failed" // could not persist
	ReasonUnreadable    Reason = "unreadable"     // corrupt stored batch
)

// Loss describes one batch, or part of one, that will never be delivered
type Loss struct {
	Reason     Reason
	Batch      models.Batch
	StatusCode int
	Message    string
}

// Reporter receives every permanent loss. Implementations must not block for long.
type Reporter interface {
	Report(ctx context.Context, loss Loss)
}

// LogReporter logs losses and counts them in lumen_telemetry_lost_total
type LogReporter struct{}

func NewLogReporter() *LogReporter { return &LogReporter{} }

func (LogReporter) Report(_ context.Context, loss Loss) {
	if loss.Batch.Len() == 0 {
		return
	}
	log := logger.WithBatch("alerts", loss.Batch.ID)
	log.Error().
		Str("reason", string(loss.Reason)).
		Int("items", loss.Batch.Len()).
		Int("status", loss.StatusCode).
		Str("message", loss.Message).
		Msg("telemetry permanently lost")
	metrics.TelemetryLost.WithLabelValues(string(loss.Reason)).Add(float64(loss.Batch.Len()))
}

// DeadLetterPublisher writes dead-letter records. *kafka.Producer implements it.
type DeadLetterPublisher interface {
	PublishBatch(ctx context.Context, records []kafka.Record) error
}

// KafkaReporter publishes every lost envelope to a dead-letter topic
type KafkaReporter struct {
	publisher DeadLetterPublisher
	ikey      string
	timeout   time.Duration
	now       func() time.Time
}

// NewKafkaReporter creates a dead-letter reporter. Each Report call is bounded
// by timeout and by the caller's context, whichever ends first.
func NewKafkaReporter(publisher DeadLetterPublisher, ikey string, timeout time.Duration) *KafkaReporter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaReporter{publisher: publisher, ikey: ikey, timeout: timeout, now: time.Now}
}

func (r *KafkaReporter) Report(ctx context.Context, loss Loss) {
	if loss.Batch.Len() == 0 {
		return
	}
	now := r.now()
	headers := map[string]string{
		"reason":   string(loss.Reason),
		"batch_id": loss.Batch.ID,
		"ikey":     r.ikey,
	}
	if loss.StatusCode != 0 {
		headers["status_code"] = strconv.Itoa(loss.StatusCode)
	}

	records := make([]kafka.Record, 0, loss.Batch.Len())
	for _, item := range loss.Batch.Items {
		records = append(records, kafka.Record{
			Key:     loss.Batch.ID,
			Value:   item,
			Headers: headers,
			Time:    now,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.publisher.PublishBatch(ctx, records); err != nil {
		log := logger.WithBatch("alerts", loss.Batch.ID)
		log.Error().
			Err(err).
			Str("reason", string(loss.Reason)).
			Int("items", loss.Batch.Len()).
			Msg("failed to publish dead letters")
	}
}

// Multi fans a loss out to several reporters in order
type Multi []Reporter

func (m Multi) Report(ctx context.Context, loss Loss) {
	for _, r := range m {
		if r != nil {
			r.Report(ctx, loss)
		}
	}
}
