// Package router fans audit events and fills out to their consumers.
//
// Producers (registry, ledger callers, matching, settlement) call Publish
// and PublishFill without blocking. Each consumer drains its own growable
// buffer: the audit writer reads Audit, the websocket feed reads Fills.
package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/tokenmarket/internal/metrics"
	"github.com/rickgao/tokenmarket/internal/model"
)

// Config holds configuration for the event router.
type Config struct {
	AuditBufferSize int           // Initial audit buffer capacity (default: 10000)
	FillBufferSize  int           // Initial fill buffer capacity (default: 1000)
	FillBufferMax   int           // Fill buffer ceiling, 0 = unbounded (default: 100000)
	StatsInterval   time.Duration // Buffer depth reporting interval (default: 5s)
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		AuditBufferSize: 10000,
		FillBufferSize:  1000,
		FillBufferMax:   100000,
		StatsInterval:   5 * time.Second,
	}
}

// Buffers provides consumers access to their queues.
type Buffers struct {
	Audit *GrowableBuffer[model.Event]
	Fills *GrowableBuffer[model.Fill]
}

// Stats contains runtime statistics.
type Stats struct {
	EventsPublished int64
	FillsPublished  int64
	Dropped         int64
	AuditBuffer     BufferStats
	FillBuffer      BufferStats
}

// Router is the event fan-out.
type Router struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	audit *GrowableBuffer[model.Event]
	fills *GrowableBuffer[model.Fill]

	events  atomic.Int64
	trades  atomic.Int64
	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an event router. m may be nil.
func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.AuditBufferSize <= 0 {
		cfg.AuditBufferSize = def.AuditBufferSize
	}
	if cfg.FillBufferSize <= 0 {
		cfg.FillBufferSize = def.FillBufferSize
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}

	return &Router{
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		audit:   NewGrowableBuffer[model.Event](cfg.AuditBufferSize, 0),
		fills:   NewGrowableBuffer[model.Fill](cfg.FillBufferSize, cfg.FillBufferMax),
	}
}

// Start begins periodic buffer depth reporting.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.statsLoop()

	r.logger.Info("event router started",
		"audit_buffer", r.cfg.AuditBufferSize,
		"fill_buffer", r.cfg.FillBufferSize,
	)
	return nil
}

// Stop shuts down reporting and closes both buffers so consumers drain and exit.
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info("stopping event router")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("event router stopped")
	case <-ctx.Done():
		r.logger.Warn("event router stop timed out")
	}

	r.audit.Close()
	r.fills.Close()
	return nil
}

// Publish queues an audit event.
func (r *Router) Publish(e model.Event) {
	r.events.Add(1)
	if !r.audit.Send(e) {
		r.drop("audit", "event_id", e.ID, "kind", e.Kind)
	}
}

// PublishFill queues a fill for the feed and its audit record.
func (r *Router) PublishFill(f model.Fill) {
	r.trades.Add(1)
	if !r.fills.Send(f) {
		r.drop("fills", "fill_id", f.ID)
	}
	ev := model.NewEvent(model.EventFill, f.ID, f.BuyerID, f.TokenID, f)
	ev.At = f.ExecutedAt
	r.Publish(ev)
}

// Buffers returns the consumer queues.
func (r *Router) Buffers() Buffers {
	return Buffers{Audit: r.audit, Fills: r.fills}
}

// Stats returns current router statistics.
func (r *Router) Stats() Stats {
	return Stats{
		EventsPublished: r.events.Load(),
		FillsPublished:  r.trades.Load(),
		Dropped:         r.dropped.Load(),
		AuditBuffer:     r.audit.Stats(),
		FillBuffer:      r.fills.Stats(),
	}
}

func (r *Router) drop(buffer string, attrs ...any) {
	r.dropped.Add(1)
	r.metrics.BufferDropped(buffer, 1)
	r.logger.Warn("event dropped", append([]any{"buffer", buffer}, attrs...)...)
}

func (r *Router) statsLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.metrics.SetBufferDepth("audit", r.audit.Len())
			r.metrics.SetBufferDepth("fills", r.fills.Len())
		}
	}
}
