package transport

import (
	"context"

	"lumen/internal/clock"
	"lumen/internal/logger"
	"lumen/internal/metrics"
	"lumen/internal/models"
)

// BatchSender performs a single send. *Sender implements it.
type BatchSender interface {
	Send(ctx context.Context, batch models.Batch) Result
}

// RetryConfig holds in-process retry configuration
type RetryConfig struct {
	MaxAttempts int
	Backoff     Backoff
	Clock       clock.Clock
}

// Retrier sends a batch, retrying transient failures in-line with backoff up
// to MaxAttempts sends. What is still undelivered after that is handed back
// to the caller instead of retried again.
type Retrier struct {
	sender      BatchSender
	maxAttempts int
	backoff     Backoff
	clock       clock.Clock
}

// NewRetrier creates a retrier around sender
func NewRetrier(sender BatchSender, cfg RetryConfig) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Retrier{
		sender:      sender,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		clock:       cfg.Clock,
	}
}

// Delivery is the combined outcome of all attempts for one batch
type Delivery struct {
	Attempts int
	Accepted int

	// Dropped holds every item rejected permanently, in send order
	Dropped models.Batch
	// Remainder holds items still undelivered after the last attempt or when
	// ctx ended; the caller persists or reports them
	Remainder models.Batch

	LastStatus int
	Reason     string
	Err        error
}

// Delivered reports whether nothing was dropped and nothing remains
func (d Delivery) Delivered() bool {
	return d.Dropped.Len() == 0 && d.Remainder.Len() == 0
}

// Deliver sends batch until it is accepted, dropped, out of attempts, or ctx ends.
func (r *Retrier) Deliver(ctx context.Context, batch models.Batch) Delivery {
	log := logger.WithBatch("transport", batch.ID)
	d := Delivery{Dropped: models.Batch{ID: batch.ID}}
	current := batch

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := r.backoff.Delay(attempt - 1)
			log.Warn().
				Int("attempt", attempt+1).
				Int("items", current.Len()).
				Dur("backoff", wait).
				Msg("retrying send")
			metrics.SendRetries.Inc()

			select {
			case <-r.clock.After(wait):
			case <-ctx.Done():
				d.Remainder = current
				d.Err = ctx.Err()
				return d
			}
		}
		if ctx.Err() != nil {
			d.Remainder = current
			d.Err = ctx.Err()
			return d
		}

		res := r.sender.Send(ctx, current)
		d.Attempts++
		d.Accepted += res.Accepted
		d.LastStatus = res.StatusCode
		d.Err = res.Err
		if res.Dropped.Len() > 0 {
			d.Dropped.Items = append(d.Dropped.Items, res.Dropped.Items...)
			if d.Reason == "" {
				d.Reason = res.Reason
			}
		}

		switch res.Outcome {
		case Success, NonRetryable:
			return d
		case PartialFailure, RetryableFailure:
			current = res.Retry
		}
	}

	log.Warn().
		Int("attempts", d.Attempts).
		Int("items", current.Len()).
		Int("status", d.LastStatus).
		Msg("in-line retries exhausted")
	d.Remainder = current
	return d
}
