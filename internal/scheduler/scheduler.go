// Package scheduler decides which pages to analyze each cycle and enqueues them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
	"github.com/JakeFAU/script-cpu-analyzer/internal/metrics"
)

// MaxQueueSize caps waiting plus active jobs; a pass is skipped above it.
const MaxQueueSize = 100

// Outcomes of a scheduling pass.
const (
	OutcomeScheduled    = "scheduled"
	OutcomeDisabled     = "disabled"
	OutcomeBusy         = "busy"
	OutcomeQueueFull    = "queue_full"
	OutcomeQuotaReached = "quota_reached"
	OutcomeNoCandidates = "no_candidates"
	OutcomeError        = "error"
)

// KillSwitch reports whether scheduling is disabled. It is read at every pass.
type KillSwitch interface {
	SchedulerDisabled() bool
}

// Config controls pacing and safety limits.
type Config struct {
	Interval        time.Duration
	TargetCycleDays int
	MinDailyBatch   int
	MaxDailyBatch   int
	// Location decides where "today" starts for the daily quota and job ids.
	Location *time.Location
	Tool     analysis.Tool
	// Policy defaults to analysis.DefaultPolicy(TargetCycleDays).
	Policy *analysis.SchedulingPolicy
}

// Report summarizes one pass.
type Report struct {
	Outcome       string
	DailyBatch    int
	AnalyzedToday int
	Candidates    int
	Enqueued      int
}

// Scheduler runs scheduling passes on a cron interval. Overlapping passes are skipped
// with an in-process guard only; running several schedulers against one queue relies on
// job id deduplication.
type Scheduler struct {
	queue    analysis.Queue
	pages    analysis.PageStore
	switches KillSwitch
	clock    analysis.Clock
	cfg      Config
	policy   analysis.SchedulingPolicy
	logger   *zap.Logger

	running atomic.Bool
	cron    *cron.Cron
	passes  sync.WaitGroup
}

// New constructs a Scheduler. switches may be nil.
func New(
	queue analysis.Queue,
	pages analysis.PageStore,
	switches KillSwitch,
	clock analysis.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.TargetCycleDays <= 0 {
		cfg.TargetCycleDays = 15
	}
	if cfg.MinDailyBatch <= 0 {
		cfg.MinDailyBatch = 1
	}
	if cfg.MaxDailyBatch < cfg.MinDailyBatch {
		cfg.MaxDailyBatch = max(500, cfg.MinDailyBatch)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Tool == "" {
		cfg.Tool = analysis.ToolKameleoon
	}
	policy := analysis.DefaultPolicy(cfg.TargetCycleDays)
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Scheduler{
		queue:    queue,
		pages:    pages,
		switches: switches,
		clock:    clock,
		cfg:      cfg,
		policy:   policy,
		logger:   logger,
	}
}

// Start runs one pass immediately and then one every interval until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)
	spec := "@every " + s.cfg.Interval.String()
	if _, err := c.AddFunc(spec, func() { s.pass(ctx) }); err != nil {
		return fmt.Errorf("register scheduler pass: %w", err)
	}
	s.cron = c
	s.logger.Info("starting scheduler", zap.Duration("interval", s.cfg.Interval))
	c.Start()

	s.passes.Add(1)
	go func() {
		defer s.passes.Done()
		s.Run(ctx)
	}()
	return nil
}

func (s *Scheduler) pass(ctx context.Context) {
	s.passes.Add(1)
	defer s.passes.Done()
	s.Run(ctx)
}

// Stop halts the ticker and waits for an in-flight pass, or until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	<-s.cron.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.passes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduler pass: %w", ctx.Err())
	}
}

// Run executes one scheduling pass. Errors are logged and reported in the outcome;
// they never propagate.
func (s *Scheduler) Run(ctx context.Context) Report {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("previous scheduling pass still in progress, skipping")
		metrics.ObserveSchedulerRun(OutcomeBusy)
		return Report{Outcome: OutcomeBusy}
	}
	defer s.running.Store(false)

	report, err := s.scheduleBatch(ctx)
	if err != nil {
		s.logger.Error("scheduling pass failed", zap.Error(err))
		report.Outcome = OutcomeError
	}
	metrics.ObserveSchedulerRun(report.Outcome)
	return report
}

func (s *Scheduler) scheduleBatch(ctx context.Context) (Report, error) {
	var report Report
	if s.switches != nil && s.switches.SchedulerDisabled() {
		s.logger.Info("scheduler disabled by kill switch")
		report.Outcome = OutcomeDisabled
		return report, nil
	}

	totalPages, err := s.pages.CountPages(ctx)
	if err != nil {
		return report, fmt.Errorf("count pages: %w", err)
	}
	report.DailyBatch = analysis.DailyBatch(totalPages, s.cfg.TargetCycleDays, s.cfg.MinDailyBatch, s.cfg.MaxDailyBatch)
	s.logger.Info("calculated daily batch",
		zap.Int("total_pages", totalPages),
		zap.Int("target_cycle_days", s.cfg.TargetCycleDays),
		zap.Int("daily_batch", report.DailyBatch),
	)

	counts, err := s.queue.Counts(ctx)
	if err != nil {
		return report, fmt.Errorf("queue counts: %w", err)
	}
	if inFlight := counts.Pending(); inFlight > MaxQueueSize {
		s.logger.Info("queue is full, skipping", zap.Int64("in_flight", inFlight))
		report.Outcome = OutcomeQueueFull
		return report, nil
	}

	now := s.clock.Now()
	startOfDay := analysis.StartOfDay(now, s.cfg.Location)
	report.AnalyzedToday, err = s.pages.CountAnalysesSince(ctx, startOfDay)
	if err != nil {
		return report, fmt.Errorf("count analyses: %w", err)
	}
	if report.AnalyzedToday >= report.DailyBatch {
		s.logger.Info("daily limit reached, skipping",
			zap.Int("analyzed_today", report.AnalyzedToday),
			zap.Int("daily_batch", report.DailyBatch),
		)
		report.Outcome = OutcomeQuotaReached
		return report, nil
	}

	remaining := report.DailyBatch - report.AnalyzedToday
	pages, err := s.pages.SelectCandidates(ctx, s.policy, now, remaining)
	if err != nil {
		return report, fmt.Errorf("select candidates: %w", err)
	}
	report.Candidates = len(pages)
	if len(pages) == 0 {
		s.logger.Info("no pages need analysis")
		report.Outcome = OutcomeNoCandidates
		return report, nil
	}

	s.logger.Info("scheduling pages", zap.Int("count", len(pages)))
	day := startOfDay.Format(time.DateOnly)
	for _, page := range pages {
		id := analysis.ScheduledJobID(page.ID, day)
		created, err := s.queue.Enqueue(ctx, id, page.Payload(s.cfg.Tool))
		if err != nil {
			metrics.AddJobsEnqueued(report.Enqueued)
			return report, fmt.Errorf("enqueue page %s: %w", page.ID, err)
		}
		if created {
			report.Enqueued++
		} else {
			s.logger.Debug("job already queued today", zap.String("job_id", id))
		}
	}
	metrics.AddJobsEnqueued(report.Enqueued)
	report.Outcome = OutcomeScheduled

	s.logQueueCounts(ctx)
	return report, nil
}

func (s *Scheduler) logQueueCounts(ctx context.Context) {
	counts, err := s.queue.Counts(ctx)
	if err != nil {
		s.logger.Warn("read queue counts", zap.Error(err))
		return
	}
	metrics.SetQueueCounts(counts)
	s.logger.Info("queue metrics",
		zap.Int64("waiting", counts.Waiting),
		zap.Int64("active", counts.Active),
		zap.Int64("delayed", counts.Delayed),
		zap.Int64("completed", counts.Completed),
		zap.Int64("failed", counts.Failed),
	)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
