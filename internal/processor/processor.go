package processor

import (
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"lumen/internal/logger"
	"lumen/internal/metrics"
	"lumen/internal/models"
)

// ErrNilProcessor is returned when registering a nil processor
var ErrNilProcessor = errors.New("processor is nil")

// TelemetryProcessor inspects and may mutate an envelope before it is batched.
// Returning false drops the envelope. Processors own the envelope for the
// duration of the call and must not retain it.
type TelemetryProcessor interface {
	Process(env *models.Envelope) bool
}

// Func adapts a plain function to TelemetryProcessor
type Func func(env *models.Envelope) bool

func (f Func) Process(env *models.Envelope) bool { return f(env) }

// Chain runs registered processors in registration order.
type Chain struct {
	mu         sync.RWMutex
	processors []TelemetryProcessor

	// Metrics
	filtered atomic.Uint64
	panicked atomic.Uint64
}

// NewChain creates an empty chain
func NewChain() *Chain {
	return &Chain{}
}

// Register appends p to the chain
func (c *Chain) Register(p TelemetryProcessor) error {
	if p == nil {
		return ErrNilProcessor
	}
	if f, ok := p.(Func); ok && f == nil {
		return ErrNilProcessor
	}
	c.mu.Lock()
	c.processors = append(c.processors, p)
	c.mu.Unlock()
	return nil
}

// Len returns the number of registered processors
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.processors)
}

// Apply runs the chain on env and reports whether it should be kept.
// Iteration stops at the first processor returning false. A processor that
// panics drops the envelope.
func (c *Chain) Apply(env *models.Envelope) bool {
	c.mu.RLock()
	procs := c.processors
	c.mu.RUnlock()

	for i, p := range procs {
		keep, ok := c.run(i, p, env)
		if !ok {
			c.panicked.Add(1)
			metrics.EnvelopesDropped.WithLabelValues("processor_panic").Inc()
			return false
		}
		if !keep {
			c.filtered.Add(1)
			metrics.EnvelopesDropped.WithLabelValues("processor_filtered").Inc()
			return false
		}
	}
	return true
}

// run invokes one processor; ok is false when it panicked.
func (c *Chain) run(index int, p TelemetryProcessor, env *models.Envelope) (keep, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log := logger.WithComponent("processor")
			log.Error().
				Interface("panic", r).
				Int("processor_index", index).
				Str("envelope", env.Name).
				Bytes("stack", stack).
				Msg("telemetry processor panic recovered, dropping envelope")
			metrics.PanicsRecovered.WithLabelValues("processor").Inc()
			keep, ok = false, false
		}
	}()
	return p.Process(env), true
}

// Stats returns chain statistics
func (c *Chain) Stats() Stats {
	return Stats{
		Filtered: c.filtered.Load(),
		Panicked: c.panicked.Load(),
	}
}

// Stats holds chain metrics
type Stats struct {
	Filtered uint64
	Panicked uint64
}
