package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/tokenmarket/internal/metrics"
	"github.com/rickgao/tokenmarket/internal/model"
	"github.com/rickgao/tokenmarket/internal/router"
)

// Store appends audit events.
type Store interface {
	InsertEvents(ctx context.Context, events []model.Event) (conflicts int, err error)
}

// AuditWriter consumes events from the router buffer and appends them to storage.
type AuditWriter struct {
	cfg     WriterConfig
	logger  *slog.Logger
	store   Store
	metrics *metrics.Metrics

	input *router.GrowableBuffer[model.Event]

	batch    []model.Event
	attempts int
	batchMu  sync.Mutex
	flushMu  sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats WriterMetrics
}

// NewAuditWriter creates a new AuditWriter. m may be nil.
func NewAuditWriter(
	cfg WriterConfig,
	input *router.GrowableBuffer[model.Event],
	store Store,
	m *metrics.Metrics,
	logger *slog.Logger,
) *AuditWriter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	return &AuditWriter{
		cfg:     cfg,
		input:   input,
		store:   store,
		metrics: m,
		logger:  logger,
		batch:   make([]model.Event, 0, cfg.BatchSize),
	}
}

// Start begins consuming events and writing them to storage.
func (w *AuditWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("audit writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop shuts down the writer, draining whatever is still queued.
func (w *AuditWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping audit writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("audit writer stopped")
	case <-ctx.Done():
		w.logger.Warn("audit writer stop timed out")
	}

	// Final flush, including anything producers queued after cancel.
	w.batchMu.Lock()
	w.batch = append(w.batch, w.input.DrainTo(0)...)
	w.batchMu.Unlock()
	w.flush(ctx)

	return nil
}

// Stats returns current writer statistics.
func (w *AuditWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

// consumeLoop reads from the input buffer and accumulates batches.
func (w *AuditWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		e, ok := w.input.ReceiveContext(w.ctx)
		if !ok {
			return
		}

		w.batchMu.Lock()
		w.batch = append(w.batch, e)
		shouldFlush := len(w.batch) >= w.cfg.BatchSize
		w.batchMu.Unlock()

		if shouldFlush {
			w.flush(w.ctx)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *AuditWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// flush writes the current batch to storage. A failed batch is put back in
// front of newer events until it has failed MaxRetries times.
func (w *AuditWriter) flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]model.Event, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}

	start := time.Now()
	conflicts, err := w.store.InsertEvents(ctx, batch)
	if err != nil {
		w.batchMu.Lock()
		w.stats.Errors++
		w.attempts++
		if w.attempts < w.cfg.MaxRetries {
			w.batch = append(batch, w.batch...)
		} else {
			w.stats.Dropped += int64(len(batch))
			w.attempts = 0
		}
		attempts := w.attempts
		w.batchMu.Unlock()

		w.logger.Error("audit batch insert failed",
			"error", err,
			"count", len(batch),
			"attempt", attempts,
		)
		if attempts == 0 {
			w.metrics.BufferDropped("audit", len(batch))
		}
		return
	}

	w.batchMu.Lock()
	w.attempts = 0
	w.stats.Inserts += int64(len(batch) - conflicts)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.metrics.EventsWritten(len(batch)-conflicts, conflicts)
	w.logger.Debug("flushed audit events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}
