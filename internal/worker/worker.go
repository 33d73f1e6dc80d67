package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"lumen/internal/logger"
	"lumen/internal/metrics"
)

// Task is one run of a periodic job. ctx is cancelled when the job is stopped.
type Task func(ctx context.Context)

// Periodic runs a task on a fixed interval and whenever it is triggered.
// Runs never overlap.
type Periodic struct {
	name     string
	interval time.Duration
	task     Task
	trigger  chan struct{}

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// Metrics
	runs   atomic.Uint64
	panics atomic.Uint64
}

// Config holds periodic job configuration
type Config struct {
	Name     string
	Interval time.Duration
	Task     Task
}

// NewPeriodic creates a stopped periodic job
func NewPeriodic(cfg Config) *Periodic {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "periodic"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Periodic{
		name:     cfg.Name,
		interval: cfg.Interval,
		task:     cfg.Task,
		trigger:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the loop
func (p *Periodic) Start() {
	log := logger.WithComponent("worker")
	log.Info().
		Str("job", p.name).
		Dur("interval", p.interval).
		Msg("starting periodic job")

	p.wg.Add(1)
	go p.loop()
}

// Trigger requests an immediate run. It never blocks; triggers that arrive
// while a run is pending are coalesced.
func (p *Periodic) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels the running task and waits for the loop to exit. Safe to call more than once.
func (p *Periodic) Stop() {
	p.once.Do(func() {
		log := logger.WithComponent("worker")
		log.Info().Str("job", p.name).Msg("stopping periodic job")
		p.cancel()
		p.wg.Wait()
		log.Info().Str("job", p.name).Msg("periodic job stopped")
	})
}

func (p *Periodic) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.run()
		case <-p.trigger:
			p.run()
		}
	}
}

// run executes the task once, recovering from panics so the loop survives
func (p *Periodic) run() {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log := logger.WithComponent("worker")
			log.Error().
				Str("job", p.name).
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("periodic job panic recovered")
			p.panics.Add(1)
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
		}
	}()

	p.runs.Add(1)
	p.task(p.ctx)
}

// Stats returns job statistics
func (p *Periodic) Stats() Stats {
	return Stats{
		Runs:   p.runs.Load(),
		Panics: p.panics.Load(),
	}
}

// Stats holds periodic job metrics
type Stats struct {
	Runs   uint64
	Panics uint64
}
