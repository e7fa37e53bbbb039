// Package worker executes analysis jobs: probe audits, the injection decision,
// confirmation audits, aggregation and persistence.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
	"github.com/JakeFAU/script-cpu-analyzer/internal/attribution"
	"github.com/JakeFAU/script-cpu-analyzer/internal/metrics"
	"github.com/JakeFAU/script-cpu-analyzer/internal/telemetry"
)

// errDeferred marks a job that was pushed back onto the queue instead of running.
var errDeferred = errors.New("job deferred")

// Throttle delays an audit until the target host may be loaded again.
type Throttle interface {
	Wait(ctx context.Context, url string) error
}

// PauseSwitch reports whether workers must defer picked-up jobs.
type PauseSwitch interface {
	Paused() bool
}

// Config controls Worker behavior.
type Config struct {
	// RunsPerDevice is the number of samples averaged per device.
	RunsPerDevice   int
	PauseBackoff    time.Duration
	ResourceBackoff time.Duration
	// Heartbeat is how often the job lease is renewed on queues that lease jobs.
	Heartbeat time.Duration
	// JobTimeout bounds a whole job. Zero disables the bound.
	JobTimeout time.Duration
	// Location decides which calendar day an analysis belongs to.
	Location *time.Location
	// ToolEntities maps a tool to the attribution entity whose cost is measured.
	ToolEntities map[analysis.Tool]string
	// Topic receives completion events when a publisher is configured.
	Topic        string
	ReportPrefix string
	// Throttle, when set, is awaited before every audit.
	Throttle Throttle
	// Tracer defaults to the global analyzer tracer.
	Tracer trace.Tracer
}

// DefaultToolEntities maps each supported tool to its built-in entity.
func DefaultToolEntities() map[analysis.Tool]string {
	return map[analysis.Tool]string{analysis.ToolKameleoon: "Kameleoon"}
}

// Worker consumes queue items and runs the analysis state machine.
type Worker struct {
	queue      analysis.Queue
	pages      analysis.PageStore
	launcher   analysis.BrowserLauncher
	attributor *attribution.Attributor
	reports    analysis.ReportStore
	publisher  analysis.Publisher
	switches   PauseSwitch
	clock      analysis.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker. reports, publisher and switches may be nil.
func New(
	queue analysis.Queue,
	pages analysis.PageStore,
	launcher analysis.BrowserLauncher,
	attributor *attribution.Attributor,
	reports analysis.ReportStore,
	publisher analysis.Publisher,
	switches PauseSwitch,
	clock analysis.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.RunsPerDevice <= 0 {
		cfg.RunsPerDevice = 5
	}
	if cfg.PauseBackoff <= 0 {
		cfg.PauseBackoff = 5 * time.Minute
	}
	if cfg.ResourceBackoff <= 0 {
		cfg.ResourceBackoff = time.Minute
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if len(cfg.ToolEntities) == 0 {
		cfg.ToolEntities = DefaultToolEntities()
	}
	if cfg.ReportPrefix == "" {
		cfg.ReportPrefix = "reports"
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.Tracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Worker{
		queue:      queue,
		pages:      pages,
		launcher:   launcher,
		attributor: attributor,
		reports:    reports,
		publisher:  publisher,
		switches:   switches,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if sleepErr := sleep(ctx, time.Second); sleepErr != nil {
				return
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", job.ID))
		_ = w.Process(ctx, job)
	}
}

// Process runs one job to a terminal or deferred state. It returns the failure that was
// recorded, or nil when the job completed, was cancelled, or was deferred.
func (w *Worker) Process(ctx context.Context, job analysis.Job) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("page_id", job.Payload.PageID))
	ctx, span := w.cfg.Tracer.Start(ctx, "analysis.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("page.id", job.Payload.PageID),
	))
	defer span.End()

	jobCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	if ext, ok := w.queue.(analysis.LeaseExtender); ok {
		stop := w.keepLease(ctx, ext, job.ID, logger)
		defer stop()
	}

	err := w.execute(jobCtx, job, logger)
	switch {
	case err == nil:
		metrics.ObserveJob(metrics.JobCompleted)
		return nil
	case errors.Is(err, errDeferred):
		metrics.ObserveJob(metrics.JobDelayed)
		return nil
	case errors.Is(err, analysis.ErrCancelled):
		logger.Info("job cancelled")
		w.finishCancelled(ctx, job.ID, logger)
		metrics.ObserveJob(metrics.JobCancelled)
		return nil
	case ctx.Err() != nil:
		logger.Warn("job interrupted by shutdown, requeueing", zap.Error(err))
		bctx, cancel := bookkeepingContext(ctx)
		defer cancel()
		if delayErr := w.queue.Delay(bctx, job.ID, 0); delayErr != nil {
			logger.Error("requeue interrupted job", zap.Error(delayErr))
		}
		return err
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.fail(ctx, job, err, logger)
		metrics.ObserveJob(metrics.JobFailed)
		return err
	}
}

// finishCancelled moves a still-active cancelled job to failed without touching the page.
func (w *Worker) finishCancelled(ctx context.Context, jobID string, logger *zap.Logger) {
	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()
	active, err := w.queue.IsActive(bctx, jobID)
	if err != nil || !active {
		return
	}
	if err := w.queue.Fail(bctx, jobID, analysis.ReasonCancelled); err != nil {
		logger.Warn("mark cancelled job failed", zap.Error(err))
	}
}

func (w *Worker) fail(ctx context.Context, job analysis.Job, cause error, logger *zap.Logger) {
	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()

	msg := cause.Error()
	logger.Error("analysis job failed", zap.Error(cause))
	if err := w.queue.SetStatusMessage(bctx, job.ID, "Error: "+msg); err != nil {
		logger.Warn("set failure status message", zap.Error(err))
	}
	if err := w.pages.RecordFailure(bctx, job.Payload.PageID, msg, w.clock.Now()); err != nil {
		logger.Error("record page failure", zap.Error(err))
	}
	if err := w.queue.Fail(bctx, job.ID, msg); err != nil {
		logger.Error("fail job", zap.Error(err))
	}
}

// keepLease renews the job lease until the returned stop function is called.
func (w *Worker) keepLease(
	ctx context.Context,
	ext analysis.LeaseExtender,
	jobID string,
	logger *zap.Logger,
) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ext.ExtendLease(ctx, jobID); err != nil && ctx.Err() == nil {
					logger.Warn("extend job lease", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// bookkeepingContext survives a job timeout so failures can still be recorded.
func bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

func (w *Worker) entityFor(tool analysis.Tool) (string, error) {
	entity, ok := w.cfg.ToolEntities[tool]
	if !ok || entity == "" {
		return "", fmt.Errorf("no attribution entity configured for tool %q", tool)
	}
	return entity, nil
}

func (w *Worker) delay(ctx context.Context, jobID string, d time.Duration, reason string, logger *zap.Logger) error {
	if err := w.queue.Delay(ctx, jobID, d); err != nil {
		return fmt.Errorf("delay job: %w", err)
	}
	logger.Info("job deferred", zap.String("reason", reason), zap.Duration("backoff", d))
	return errDeferred
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
