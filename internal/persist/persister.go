package persist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"symmetry/internal/config"
	"symmetry/internal/metrics"
	"symmetry/internal/model"
)

// Store is the storage the persister writes to.
type Store interface {
	InsertTicks(ctx context.Context, ticks []model.Tick) error
	CleanupOldData(ctx context.Context, retentionDays int) (int64, error)
	OptimizeStorage(ctx context.Context) error
}

// Persister buffers ticks in memory and writes them in batches.
// Failed batches are put back at the front of the buffer, so delivery is
// at least once and order is only kept within a batch.
type Persister struct {
	logger        *slog.Logger
	store         Store
	cfg           config.PersistConfig
	retentionDays int
	metrics       *metrics.Metrics

	mu     sync.Mutex
	buffer []model.Tick

	flushReq chan struct{}
}

// New creates a Persister.
func New(logger *slog.Logger, store Store, cfg config.PersistConfig, retentionDays int, m *metrics.Metrics) *Persister {
	return &Persister{
		logger:        logger.With("component", "persister"),
		store:         store,
		cfg:           cfg,
		retentionDays: retentionDays,
		metrics:       m,
		flushReq:      make(chan struct{}, 1),
	}
}

// Add appends ticks to the buffer and requests an out of band flush once
// the batch size is reached. It never blocks on storage.
func (p *Persister) Add(ticks ...model.Tick) {
	if len(ticks) == 0 {
		return
	}
	p.mu.Lock()
	p.buffer = append(p.buffer, ticks...)
	size := len(p.buffer)
	p.mu.Unlock()

	p.metrics.SetBufferSize(size)
	if size >= p.cfg.BatchSize {
		select {
		case p.flushReq <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of buffered ticks.
func (p *Persister) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Flush writes the current buffer. The lock is held only for the swap.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	batch := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var err error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		if err = p.store.InsertTicks(ctx, batch); err == nil {
			p.metrics.RecordFlush("ok")
			p.metrics.SetBufferSize(p.Len())
			p.logger.Debug("Persister: flushed ticks", "count", len(batch), "attempt", attempt)
			return nil
		}
		p.metrics.RecordFlush("retry")
		p.logger.Warn("Persister: flush attempt failed", "attempt", attempt, "count", len(batch), "error", err)
		if attempt < p.cfg.MaxRetries {
			if sleepErr := sleep(ctx, p.cfg.RetryDelay); sleepErr != nil {
				break
			}
		}
	}

	p.mu.Lock()
	p.buffer = append(batch, p.buffer...)
	size := len(p.buffer)
	p.mu.Unlock()

	p.metrics.RecordFlush("failed")
	p.metrics.SetBufferSize(size)
	p.logger.Warn("Persister: retries exhausted, batch returned to buffer", "count", len(batch), "buffered", size)
	return fmt.Errorf("flush %d ticks: %w", len(batch), err)
}

// Maintain retires data past retention and compacts storage.
func (p *Persister) Maintain(ctx context.Context) error {
	removed, err := p.store.CleanupOldData(ctx, p.retentionDays)
	if err != nil {
		return fmt.Errorf("cleanup old data: %w", err)
	}
	if err := p.store.OptimizeStorage(ctx); err != nil {
		return fmt.Errorf("optimize storage: %w", err)
	}
	p.logger.Info("Persister: maintenance complete", "removed", removed, "retention_days", p.retentionDays)
	return nil
}

// Run starts the timed flush, size triggered flush and maintenance loops
// and blocks until ctx is cancelled. Remaining ticks are flushed on exit.
func (p *Persister) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.flushLoop(gctx) })
	g.Go(func() error { return p.sizeWorker(gctx) })
	g.Go(func() error { return p.maintenanceLoop(gctx) })
	err := g.Wait()

	finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if ferr := p.Flush(finalCtx); ferr != nil {
		p.logger.Error("Persister: final flush failed", "error", ferr)
	}
	return err
}

func (p *Persister) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				p.logger.Warn("Persister: timed flush failed", "error", err)
			}
		}
	}
}

func (p *Persister) sizeWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.flushReq:
			if err := p.Flush(ctx); err != nil {
				p.logger.Warn("Persister: size triggered flush failed", "error", err)
			}
		}
	}
}

func (p *Persister) maintenanceLoop(ctx context.Context) error {
	if err := sleep(ctx, p.cfg.MaintenanceDelay); err != nil {
		return nil
	}
	for {
		if err := p.Maintain(ctx); err != nil {
			p.logger.Error("Persister: maintenance failed", "error", err)
			p.metrics.RecordError("persister", "maintenance")
		}
		if err := sleep(ctx, p.cfg.MaintenancePeriod); err != nil {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
