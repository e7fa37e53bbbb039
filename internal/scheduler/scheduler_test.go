package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
	memqueue "github.com/JakeFAU/script-cpu-analyzer/internal/queue/memory"
	memstore "github.com/JakeFAU/script-cpu-analyzer/internal/storage/memory"
)

var testNow = time.Date(2024, 5, 20, 3, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type killSwitch struct{ disabled bool }

func (k killSwitch) SchedulerDisabled() bool { return k.disabled }

// gatedStore blocks CountPages until release is closed.
type gatedStore struct {
	*memstore.PageStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) CountPages(ctx context.Context) (int, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.PageStore.CountPages(ctx)
}

type brokenStore struct {
	*memstore.PageStore
}

func (brokenStore) CountPages(context.Context) (int, error) {
	return 0, errors.New("connection refused")
}

func pages(n int) []analysis.Page {
	out := make([]analysis.Page, n)
	for i := range out {
		analyzed := testNow.AddDate(0, 0, -20-i)
		out[i] = analysis.Page{
			ID:             fmt.Sprintf("p%02d", i),
			URL:            fmt.Sprintf("shop-%d.example.com", i),
			ScriptURL:      "https://static.kameleoon.com/css/customers/abc/0/kameleoon.js",
			LastAnalyzedAt: &analyzed,
		}
	}
	return out
}

func newScheduler(q analysis.Queue, store analysis.PageStore, switches KillSwitch) *Scheduler {
	return New(q, store, switches, fakeClock{now: testNow}, Config{
		TargetCycleDays: 15,
		MinDailyBatch:   1,
		MaxDailyBatch:   500,
		Location:        time.UTC,
	}, zap.NewNop())
}

func TestRunDisabledHasNoSideEffects(t *testing.T) {
	t.Parallel()

	q := memqueue.NewQueue(0)
	s := newScheduler(q, memstore.NewPageStore(pages(5)...), killSwitch{disabled: true})

	report := s.Run(context.Background())
	require.Equal(t, OutcomeDisabled, report.Outcome)

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, analysis.JobCounts{}, counts)
}

func TestRunEnqueuesOldestWithinDailyBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := memqueue.NewQueue(0)
	s := newScheduler(q, memstore.NewPageStore(pages(20)...), nil)

	report := s.Run(ctx)
	require.Equal(t, OutcomeScheduled, report.Outcome)
	require.Equal(t, 2, report.DailyBatch)
	require.Equal(t, 2, report.Enqueued)

	// p19 and p18 carry the oldest analyses.
	for _, id := range []string{"analysis-p19-2024-05-20", "analysis-p18-2024-05-20"} {
		info, err := q.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, analysis.JobStateWaiting, info.State)
		require.Equal(t, analysis.ToolKameleoon, info.Payload.Tool)
		require.NotEmpty(t, info.Payload.ScriptURL)
	}
}

func TestRunSameDayIsDeduplicated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := memqueue.NewQueue(0)
	s := newScheduler(q, memstore.NewPageStore(pages(20)...), nil)

	require.Equal(t, 2, s.Run(ctx).Enqueued)
	second := s.Run(ctx)
	require.Equal(t, OutcomeScheduled, second.Outcome)
	require.Equal(t, 2, second.Candidates)
	require.Zero(t, second.Enqueued)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts.Waiting)
}

func TestRunSkipsWhenQueueIsFull(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := memqueue.NewQueue(0)
	for i := 0; i <= MaxQueueSize; i++ {
		_, err := q.Enqueue(ctx, fmt.Sprintf("job-%d", i), analysis.JobPayload{})
		require.NoError(t, err)
	}
	s := newScheduler(q, memstore.NewPageStore(pages(3)...), nil)

	require.Equal(t, OutcomeQueueFull, s.Run(ctx).Outcome)
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(MaxQueueSize+1), counts.Waiting)
}

func TestRunStopsAtDailyQuota(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.NewPageStore(pages(2)...)
	for _, id := range []string{"p00", "p01"} {
		require.NoError(t, store.RecordSuccess(ctx, analysis.Outcome{
			Analysis:    analysis.DailyAnalysis{PageID: id, Date: testNow, Tool: analysis.ToolKameleoon},
			CompletedAt: testNow.Add(-time.Hour),
		}))
	}
	q := memqueue.NewQueue(0)
	s := newScheduler(q, store, nil)

	report := s.Run(ctx)
	require.Equal(t, OutcomeQuotaReached, report.Outcome)
	require.Equal(t, 2, report.AnalyzedToday)
}

func TestRunWithNothingEligible(t *testing.T) {
	t.Parallel()

	recent := testNow.Add(-48 * time.Hour)
	store := memstore.NewPageStore(analysis.Page{ID: "p1", URL: "a.example.com", LastAnalyzedAt: &recent})
	s := newScheduler(memqueue.NewQueue(0), store, nil)

	require.Equal(t, OutcomeNoCandidates, s.Run(context.Background()).Outcome)
}

func TestRunLogsAndReportsErrors(t *testing.T) {
	t.Parallel()

	s := newScheduler(memqueue.NewQueue(0), brokenStore{memstore.NewPageStore()}, nil)
	require.Equal(t, OutcomeError, s.Run(context.Background()).Outcome)
	// the guard is released after a failed pass
	require.Equal(t, OutcomeError, s.Run(context.Background()).Outcome)
}

func TestConcurrentRunsScheduleOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &gatedStore{
		PageStore: memstore.NewPageStore(pages(20)...),
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	q := memqueue.NewQueue(0)
	s := newScheduler(q, store, nil)

	var (
		wg    sync.WaitGroup
		first Report
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = s.Run(ctx)
	}()
	<-store.entered

	for i := 0; i < 3; i++ {
		require.Equal(t, OutcomeBusy, s.Run(ctx).Outcome)
	}
	close(store.release)
	wg.Wait()

	require.Equal(t, OutcomeScheduled, first.Outcome)
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts.Waiting)
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := memqueue.NewQueue(0)
	s := New(q, memstore.NewPageStore(pages(1)...), nil, fakeClock{now: testNow}, Config{
		Interval: time.Hour,
		Location: time.UTC,
	}, zap.NewNop())

	require.NoError(t, s.Start(ctx))
	require.Error(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		_, err := q.Get(ctx, "analysis-p00-2024-05-20")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	s := newScheduler(memqueue.NewQueue(0), memstore.NewPageStore(), nil)
	require.NoError(t, s.Stop(context.Background()))
}
