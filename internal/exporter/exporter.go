package exporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"lumen/internal/alerts"
	"lumen/internal/buffer"
	"lumen/internal/clock"
	"lumen/internal/config"
	"lumen/internal/kafka"
	"lumen/internal/logger"
	"lumen/internal/metrics"
	"lumen/internal/models"
	"lumen/internal/processor"
	"lumen/internal/storage"
	"lumen/internal/transport"
	"lumen/internal/worker"
)

// Exporter errors
var (
	ErrExporterClosed = errors.New("exporter is closed")
	ErrExportFailed   = errors.New("export failed")
)

// Result of one Export call
type Result int

const (
	Success Result = iota
	Failure
)

func (r Result) String() string {
	if r == Success {
		return "success"
	}
	return "failure"
}

// FlushReport describes what happened to the items of the flushed batches
type FlushReport struct {
	Batches  int
	Items    int
	Accepted int
	Stored   int // queued offline
	Dropped  int // rejected permanently by the service
	Lost     int // neither delivered nor stored
	Err      error
}

// OK reports whether every item was delivered or queued offline
func (r FlushReport) OK() bool {
	return r.Dropped == 0 && r.Lost == 0 && r.Err == nil
}

func (r *FlushReport) add(o FlushReport) {
	r.Batches += o.Batches
	r.Items += o.Items
	r.Accepted += o.Accepted
	r.Stored += o.Stored
	r.Dropped += o.Dropped
	r.Lost += o.Lost
	if r.Err == nil {
		r.Err = o.Err
	}
}

// Exporter converts telemetry records to envelopes, runs them through the
// processor chain, batches them and delivers the batches, spilling to offline
// storage what cannot be delivered in-line. It is safe for concurrent use.
type Exporter struct {
	cfg      *config.Config
	builder  *models.Builder
	chain    *processor.Chain
	buffer   *buffer.Buffer
	sender   *transport.Sender
	retrier  *transport.Retrier
	queue    storage.Queue
	reporter alerts.Reporter
	clock    clock.Clock
	closers  []io.Closer

	// sendSem serializes in-line sends so batches leave in order
	sendSem chan struct{}

	flushJob *worker.Periodic
	drainJob *worker.Periodic

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error

	// Metrics
	records     atomic.Uint64
	unsupported atomic.Uint64
	encodeFails atomic.Uint64
	accepted    atomic.Uint64
	stored      atomic.Uint64
	rejected    atomic.Uint64
	lost        atomic.Uint64
}

// New builds an exporter from cfg and starts its background flush and drain jobs.
// The connection settings are read once here.
func New(cfg *config.Config, opts ...Option) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}

	log := logger.WithComponent("exporter")

	sender, err := transport.NewSender(transport.SenderConfig{
		Endpoint:        cfg.Connection.Endpoint,
		Client:          o.httpClient,
		Timeout:         cfg.Transport.Timeout,
		Gzip:            cfg.Transport.Gzip,
		RetryableStatus: cfg.Transport.RetryableStatus,
	})
	if err != nil {
		return nil, err
	}

	e := &Exporter{
		cfg:     cfg,
		builder: models.NewBuilder(cfg.Connection.InstrumentationKey, o.contextTags),
		chain:   processor.NewChain(),
		buffer:  buffer.New(cfg.Batch.MaxItems, cfg.Batch.MaxBytes),
		sender:  sender,
		retrier: transport.NewRetrier(sender, transport.RetryConfig{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff: transport.Backoff{
				Base:   cfg.Retry.BaseDelay,
				Max:    cfg.Retry.MaxDelay,
				Jitter: cfg.Retry.Jitter,
			},
			Clock: o.clock,
		}),
		clock:   o.clock,
		sendSem: make(chan struct{}, 1),
	}

	e.reporter = o.reporter
	if e.reporter == nil {
		e.reporter, err = e.defaultReporter()
		if err != nil {
			return nil, err
		}
	}

	e.queue = o.queue
	if e.queue == nil && cfg.Storage.Enabled {
		replay := transport.Backoff{Base: cfg.Storage.MaintenancePeriod, Max: 32 * cfg.Storage.MaintenancePeriod}
		q, err := storage.Open(storage.Config{
			Path:       cfg.Storage.Path,
			MaxBytes:   cfg.Storage.MaxBytes,
			MaxBatches: cfg.Storage.MaxBatches,
			Retention:  cfg.Storage.Retention,
			MaxRetries: cfg.Storage.MaxRetries,
			Lease:      cfg.Storage.Lease,
			Backoff:    func(retries int) time.Duration { return replay.Delay(retries - 1) },
			Clock:      o.clock,
			Reporter:   e.reporter,
		})
		if err != nil {
			e.closeResources()
			return nil, fmt.Errorf("open offline storage: %w", err)
		}
		e.queue = q
	}

	e.flushJob = worker.NewPeriodic(worker.Config{
		Name:     "flush",
		Interval: cfg.Batch.FlushInterval,
		Task:     e.backgroundFlush,
	})
	e.flushJob.Start()

	if e.queue != nil {
		e.drainJob = worker.NewPeriodic(worker.Config{
			Name:     "drain",
			Interval: cfg.Storage.MaintenancePeriod,
			Task:     e.drainOnce,
		})
		e.drainJob.Start()
	}

	log.Info().
		Str("endpoint", cfg.Connection.Endpoint).
		Int("batch_max_items", cfg.Batch.MaxItems).
		Dur("flush_interval", cfg.Batch.FlushInterval).
		Bool("offline_storage", e.queue != nil).
		Msg("exporter started")

	return e, nil
}

// defaultReporter logs every loss and, when brokers are configured, also
// publishes lost envelopes to the dead-letter topic.
func (e *Exporter) defaultReporter() (alerts.Reporter, error) {
	reporters := alerts.Multi{alerts.NewLogReporter()}
	if len(e.cfg.Kafka.Brokers) == 0 {
		return reporters, nil
	}

	producer, err := kafka.NewProducer(e.cfg.Kafka.Brokers, e.cfg.Kafka.Topic, e.cfg.Kafka.Producer)
	if err != nil {
		return nil, fmt.Errorf("create dead-letter producer: %w", err)
	}
	e.closers = append(e.closers, producer)

	log := logger.WithComponent("exporter")
	log.Info().
		Strs("brokers", e.cfg.Kafka.Brokers).
		Str("topic", e.cfg.Kafka.Topic).
		Msg("dead-letter producer initialized")

	return append(reporters, alerts.NewKafkaReporter(producer, e.cfg.Connection.InstrumentationKey, e.cfg.Kafka.Producer.WriteTimeout)), nil
}

// Register appends a telemetry processor to the chain
func (e *Exporter) Register(p processor.TelemetryProcessor) error {
	return e.chain.Register(p)
}

// RegisterFunc appends a function processor to the chain
func (e *Exporter) RegisterFunc(f func(env *models.Envelope) bool) error {
	if f == nil {
		return processor.ErrNilProcessor
	}
	return e.chain.Register(processor.Func(f))
}

// Export builds, filters and buffers records. Batches that fill up while the
// records are added are sent right away; with flush_on_export the partial
// batch is sent too. It returns Failure only when part of what this call
// flushed was rejected permanently or could be neither delivered nor stored.
// Record-level problems are logged, not returned.
func (e *Exporter) Export(ctx context.Context, records []models.Record) Result {
	log := logger.WithComponent("exporter")
	if e.closed.Load() {
		log.Warn().
			Int("records", len(records)).
			Msg("export called after shutdown")
		return Failure
	}

	e.records.Add(uint64(len(records)))

	var report FlushReport
	for _, r := range records {
		if !e.add(r) {
			continue
		}
		if sealed := e.buffer.TakeSealed(); len(sealed) > 0 {
			report.add(e.sendBatches(ctx, sealed, "size"))
		}
	}

	if e.closed.Load() {
		// Shutdown ran while records were being added and its final flush
		// may already be done: keep what is left offline or report it lost.
		for _, b := range e.buffer.Flush() {
			report.add(e.spill(ctx, b))
		}
		log.Warn().
			Int("stored", report.Stored).
			Int("lost", report.Lost).
			Msg("export raced with shutdown")
	} else {
		var batches []models.Batch
		if e.cfg.Batch.FlushOnExport {
			batches = e.buffer.Flush()
		} else {
			batches = e.buffer.TakeSealed()
		}
		if len(batches) > 0 {
			report.add(e.sendBatches(ctx, batches, "export"))
		}
	}

	if report.Dropped > 0 || report.Lost > 0 {
		return Failure
	}
	return Success
}

// add runs one record through build, chain and buffer. It reports whether a
// full batch is waiting to be sent.
func (e *Exporter) add(r models.Record) bool {
	log := logger.WithComponent("exporter")

	env, err := e.builder.Build(r)
	if err != nil {
		e.unsupported.Add(1)
		metrics.EnvelopesDropped.WithLabelValues("unsupported_kind").Inc()
		log.Warn().Err(err).Str("record", r.Name).Msg("dropping record")
		return false
	}
	metrics.EnvelopesBuilt.WithLabelValues(env.Data.BaseType).Inc()

	if !e.chain.Apply(env) {
		log.Debug().Str("record", r.Name).Msg("envelope dropped by processor")
		return false
	}

	item, err := env.Freeze()
	if err != nil {
		e.encodeFails.Add(1)
		metrics.EnvelopesDropped.WithLabelValues("encode_failed").Inc()
		log.Warn().Err(err).Str("record", r.Name).Msg("dropping envelope that cannot be encoded")
		return false
	}
	return e.buffer.Add(item)
}

// ForceFlush sends everything buffered and waits for outstanding sends, or
// until ctx ends. Whatever is not delivered by then is queued offline.
func (e *Exporter) ForceFlush(ctx context.Context) FlushReport {
	return e.sendBatches(ctx, e.buffer.Flush(), "force")
}

func (e *Exporter) backgroundFlush(ctx context.Context) {
	batches := e.buffer.Flush()
	if len(batches) == 0 {
		return
	}
	e.sendBatches(ctx, batches, "interval")
}

// sendBatches delivers batches in order. Only one caller sends at a time.
func (e *Exporter) sendBatches(ctx context.Context, batches []models.Batch, trigger string) FlushReport {
	var report FlushReport
	if len(batches) == 0 {
		// still wait for a send in progress, so a flush means everything before it is settled
		if err := e.acquire(ctx); err != nil {
			report.Err = err
			return report
		}
		e.release()
		return report
	}

	for _, b := range batches {
		report.Batches++
		report.Items += b.Len()
	}

	if err := e.acquire(ctx); err != nil {
		// never got to send; keep everything for later
		for _, b := range batches {
			report.add(e.spill(ctx, b))
		}
		report.Err = err
		return report
	}
	defer e.release()

	for i, b := range batches {
		if ctx.Err() != nil {
			for _, rest := range batches[i:] {
				report.add(e.spill(ctx, rest))
			}
			report.Err = ctx.Err()
			break
		}

		metrics.BatchesFlushed.WithLabelValues(trigger).Inc()
		metrics.BatchSize.Observe(float64(b.Len()))

		d := e.retrier.Deliver(ctx, b)
		report.Accepted += d.Accepted
		e.accepted.Add(uint64(d.Accepted))

		if d.Dropped.Len() > 0 {
			report.Dropped += d.Dropped.Len()
			e.rejected.Add(uint64(d.Dropped.Len()))
			e.reporter.Report(ctx, alerts.Loss{
				Reason:     alerts.ReasonRejected,
				Batch:      d.Dropped,
				StatusCode: d.LastStatus,
				Message:    d.Reason,
			})
		}
		if d.Remainder.Len() > 0 {
			s := e.spill(ctx, d.Remainder)
			report.Stored += s.Stored
			report.Lost += s.Lost
		} else if d.Delivered() && e.drainJob != nil {
			// the endpoint is reachable, a good moment to replay stored batches
			e.drainJob.Trigger()
		}
	}
	return report
}

func (e *Exporter) acquire(ctx context.Context) error {
	select {
	case e.sendSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Exporter) release() {
	<-e.sendSem
}

// spill stores an undeliverable batch offline, reporting it lost if that fails
func (e *Exporter) spill(ctx context.Context, b models.Batch) FlushReport {
	log := logger.WithBatch("exporter", b.ID)

	var err error
	if e.queue == nil {
		err = errors.New("offline storage disabled")
	} else {
		err = e.queue.Store(ctx, b)
	}
	if err == nil {
		e.stored.Add(uint64(b.Len()))
		return FlushReport{Stored: b.Len()}
	}

	log.Error().Err(err).Int("items", b.Len()).Msg("failed to queue batch offline")
	e.lost.Add(uint64(b.Len()))
	e.reporter.Report(ctx, alerts.Loss{
		Reason:  alerts.ReasonStorageFailed,
		Batch:   b,
		Message: err.Error(),
	})
	return FlushReport{Lost: b.Len()}
}

// drainOnce replays eligible stored batches, one send each. Failed replays are
// rescheduled by the queue with its own backoff.
func (e *Exporter) drainOnce(ctx context.Context) {
	if e.queue == nil {
		return
	}
	log := logger.WithComponent("exporter")

	stored, err := e.queue.Drain(ctx, e.cfg.Storage.DrainBatches)
	if err != nil {
		if !errors.Is(err, storage.ErrStorageClosed) {
			log.Error().Err(err).Msg("failed to drain offline storage")
		}
		return
	}

	for _, sb := range stored {
		if ctx.Err() != nil {
			// leases expire and the batches become eligible again
			return
		}
		res := e.sender.Send(ctx, sb.Batch)
		e.accepted.Add(uint64(res.Accepted))

		if res.Dropped.Len() > 0 {
			e.rejected.Add(uint64(res.Dropped.Len()))
			e.reporter.Report(ctx, alerts.Loss{
				Reason:     alerts.ReasonRejected,
				Batch:      res.Dropped,
				StatusCode: res.StatusCode,
				Message:    res.Reason,
			})
		}

		var settleErr error
		switch res.Outcome {
		case transport.Success, transport.NonRetryable:
			settleErr = e.queue.Complete(sb.Key)
		case transport.PartialFailure:
			settleErr = e.queue.Replace(ctx, sb.Key, res.Retry)
		case transport.RetryableFailure:
			settleErr = e.queue.Retry(ctx, sb.Key)
		}
		switch {
		case errors.Is(settleErr, storage.ErrNotLeased):
			// the lease ran out during the send and another drain took the batch
			log.Warn().Str("key", sb.Key).Msg("stored batch lease expired before settling")
		case settleErr != nil:
			log.Error().Err(settleErr).Str("key", sb.Key).Msg("failed to settle stored batch")
		}

		log.Debug().
			Str("key", sb.Key).
			Int("retries", sb.Retries).
			Str("outcome", res.Outcome.String()).
			Msg("replayed stored batch")
	}
}

// Shutdown stops the background jobs, flushes the buffer, makes one last
// attempt to drain offline storage and releases resources, all within ctx.
// Undelivered batches are queued offline or reported lost. Later calls return
// the first call's result.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		log := logger.WithComponent("exporter")
		log.Info().Msg("exporter shutting down")

		e.closed.Store(true)
		e.flushJob.Stop()
		if e.drainJob != nil {
			e.drainJob.Stop()
		}

		report := e.ForceFlush(ctx)
		if ctx.Err() == nil {
			e.drainOnce(ctx)
		}

		e.closeResources()

		switch {
		case report.Lost > 0 || report.Dropped > 0:
			e.shutdownErr = fmt.Errorf("%w: %d items dropped, %d lost", ErrExportFailed, report.Dropped, report.Lost)
		case ctx.Err() != nil:
			e.shutdownErr = fmt.Errorf("shutdown: %w", ctx.Err())
		}

		log.Info().
			Int("flushed", report.Items).
			Int("accepted", report.Accepted).
			Int("stored", report.Stored).
			Err(e.shutdownErr).
			Msg("exporter stopped")
	})
	return e.shutdownErr
}

func (e *Exporter) closeResources() {
	log := logger.WithComponent("exporter")
	if e.queue != nil {
		if err := e.queue.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close offline storage")
		}
	}
	e.sender.Close()
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close resource")
		}
	}
}

// Closed reports whether Shutdown has been called
func (e *Exporter) Closed() bool {
	return e.closed.Load()
}
