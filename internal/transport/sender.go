package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"

	"lumen/internal/logger"
	"lumen/internal/metrics"
	"lumen/internal/models"
)

// ErrNoEndpoint is returned when the sender has no ingestion URL
var ErrNoEndpoint = errors.New("ingestion endpoint is required")

// maxResponseBody caps how much of a response is read
const maxResponseBody = 1 << 20

// SenderConfig holds transport configuration
type SenderConfig struct {
	Endpoint        string
	Client          *http.Client
	Timeout         time.Duration
	Gzip            bool
	RetryableStatus []int
}

// Sender posts batches to the ingestion endpoint. It keeps no state between
// calls apart from the HTTP client.
type Sender struct {
	endpoint string
	client   *http.Client
	gzip     bool
	table    *StatusTable

	// Metrics
	requests  atomic.Uint64
	bytesSent atomic.Uint64
}

// NewSender creates a sender
func NewSender(cfg SenderConfig) (*Sender, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNoEndpoint
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &Sender{
		endpoint: cfg.Endpoint,
		client:   client,
		gzip:     cfg.Gzip,
		table:    NewStatusTable(cfg.RetryableStatus),
	}, nil
}

// Send serializes batch and performs a single POST.
// Network and context errors are reported as RetryableFailure.
func (s *Sender) Send(ctx context.Context, batch models.Batch) Result {
	log := logger.WithBatch("transport", batch.ID)
	start := time.Now()

	body, err := s.encode(batch)
	if err != nil {
		// cannot happen with in-memory buffers short of a codec bug
		return Result{Outcome: NonRetryable, Dropped: batch, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: NonRetryable, Dropped: batch, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	if s.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	s.requests.Add(1)
	resp, err := s.client.Do(req)
	duration := time.Since(start)
	metrics.SendDuration.Observe(duration.Seconds())
	if err != nil {
		log.Warn().
			Err(err).
			Int("items", batch.Len()).
			Dur("duration", duration).
			Msg("send failed")
		metrics.SendTotal.WithLabelValues(RetryableFailure.String()).Inc()
		return Result{Outcome: RetryableFailure, Retry: batch, Err: err}
	}
	defer resp.Body.Close()

	s.bytesSent.Add(uint64(len(body)))
	metrics.BytesSent.Add(float64(len(body)))

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	res := s.classify(batch, resp.StatusCode, respBody)

	metrics.SendTotal.WithLabelValues(res.Outcome.String()).Inc()
	metrics.ItemsAccepted.Add(float64(res.Accepted))

	log.Debug().
		Int("status", resp.StatusCode).
		Str("outcome", res.Outcome.String()).
		Int("items", batch.Len()).
		Int("accepted", res.Accepted).
		Int("retry", res.Retry.Len()).
		Int("dropped", res.Dropped.Len()).
		Dur("duration", duration).
		Msg("batch sent")

	return res
}

// encode renders the batch body, gzip-compressed when enabled
func (s *Sender) encode(batch models.Batch) ([]byte, error) {
	raw := batch.Encode()
	if !s.gzip {
		return raw, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("gzip batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip batch: %w", err)
	}
	return buf.Bytes(), nil
}

// Close releases idle connections
func (s *Sender) Close() {
	s.client.CloseIdleConnections()
}

// Stats returns sender statistics
func (s *Sender) Stats() SenderStats {
	return SenderStats{
		Requests:  s.requests.Load(),
		BytesSent: s.bytesSent.Load(),
	}
}

// SenderStats holds sender metrics
type SenderStats struct {
	Requests  uint64
	BytesSent uint64
}
