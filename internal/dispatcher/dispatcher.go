// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
)

// Runner consumes jobs until its context finishes. *worker.Worker satisfies it.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queue work to a fixed pool of worker slots.
type Dispatcher struct {
	queue   analysis.Queue
	ids     analysis.IDGenerator
	workers []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue analysis.Queue, ids analysis.IDGenerator, workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		ids:     ids,
		workers: workers,
		logger:  logger,
	}
}

// Size returns the number of worker slots.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until the context finishes and every slot returned.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting worker pool", zap.Int("slots", len(d.workers)))
	var wg sync.WaitGroup
	for i, w := range d.workers {
		wg.Add(1)
		go func(slot int, wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
			d.logger.Debug("worker slot stopped", zap.Int("slot", slot))
		}(i, w)
	}
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("worker pool stopped")
}

// Submit enqueues a manually requested job under a fresh id. Unlike scheduled
// jobs these are never deduplicated.
func (d *Dispatcher) Submit(ctx context.Context, payload analysis.JobPayload) (string, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	if _, err := d.queue.Enqueue(ctx, id, payload); err != nil {
		return "", fmt.Errorf("queue enqueue: %w", err)
	}
	d.logger.Info("job submitted", zap.String("job_id", id), zap.String("page_id", payload.PageID))
	return id, nil
}
