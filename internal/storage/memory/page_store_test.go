package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
)

func ptr[T any](v T) *T { return &v }

func TestSelectCandidatesOrdersAndFilters(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 20, 10, 0, 0, 0, time.UTC)
	store := NewPageStore(
		analysis.Page{ID: "fresh", LastAnalyzedAt: ptr(now.Add(-time.Hour))},
		analysis.Page{ID: "old", LastAnalyzedAt: ptr(now.AddDate(0, 0, -30))},
		analysis.Page{ID: "older", LastAnalyzedAt: ptr(now.AddDate(0, 0, -60))},
		analysis.Page{ID: "never"},
		analysis.Page{ID: "retrying", LastAttemptedAt: ptr(now.Add(-2 * time.Hour)), FailureCount: 1},
		analysis.Page{ID: "cooling", LastAttemptedAt: ptr(now.AddDate(0, 0, -3)), FailureCount: 5},
		analysis.Page{ID: "cooled", LastAttemptedAt: ptr(now.AddDate(0, 0, -8)), FailureCount: 7},
	)

	got, err := store.SelectCandidates(context.Background(), analysis.DefaultPolicy(15), now, 10)
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, p := range got {
		ids = append(ids, p.ID)
	}
	require.Equal(t, []string{"cooled", "never", "older", "old"}, ids)

	got, err = store.SelectCandidates(context.Background(), analysis.DefaultPolicy(15), now, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestRecordSuccessResetsFailureStateAndOverwrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPageStore(analysis.Page{ID: "p1", FailureCount: 3, LastError: ptr("boom")})
	day := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	first := day.Add(9 * time.Hour)
	second := day.Add(15 * time.Hour)

	require.NoError(t, store.RecordSuccess(ctx, analysis.Outcome{
		Analysis: analysis.DailyAnalysis{
			PageID: "p1", Date: day, Tool: analysis.ToolKameleoon, DesktopCPUAvg: 10, RunCount: 5,
		},
		CompletedAt: first,
	}))
	require.NoError(t, store.RecordSuccess(ctx, analysis.Outcome{
		Analysis: analysis.DailyAnalysis{
			PageID: "p1", Date: day, Tool: analysis.ToolKameleoon, DesktopCPUAvg: 20, RunCount: 5,
		},
		CompletedAt: second,
	}))

	page, err := store.GetPage(ctx, "p1")
	require.NoError(t, err)
	require.Zero(t, page.FailureCount)
	require.Nil(t, page.LastError)
	require.Equal(t, second, *page.LastAnalyzedAt)

	row, err := store.GetDailyAnalysis(ctx, "p1", day, analysis.ToolKameleoon)
	require.NoError(t, err)
	require.InDelta(t, 20, row.DesktopCPUAvg, 0.001)
	require.Equal(t, first, row.CreatedAt)
	require.Equal(t, second, row.UpdatedAt)

	n, err := store.CountAnalysesSince(ctx, day)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = store.CountAnalysesSince(ctx, day.Add(10*time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRecordSuccessUnknownPage(t *testing.T) {
	t.Parallel()

	store := NewPageStore()
	err := store.RecordSuccess(context.Background(), analysis.Outcome{
		Analysis: analysis.DailyAnalysis{PageID: "missing"},
	})
	require.ErrorIs(t, err, analysis.ErrPageNotFound)

	_, err = store.GetDailyAnalysis(context.Background(), "missing", time.Now(), analysis.ToolKameleoon)
	require.ErrorIs(t, err, analysis.ErrAnalysisNotFound)
}

func TestRecordFailureIncrements(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPageStore(analysis.Page{ID: "p1"})
	at := time.Date(2024, 5, 20, 11, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordFailure(ctx, "p1", "timeout", at))
	require.NoError(t, store.RecordFailure(ctx, "p1", "net::ERR_NAME_NOT_RESOLVED", at))

	page, err := store.GetPage(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 2, page.FailureCount)
	require.Equal(t, "net::ERR_NAME_NOT_RESOLVED", *page.LastError)
	require.Equal(t, at, *page.LastAttemptedAt)

	require.ErrorIs(t, store.RecordFailure(ctx, "nope", "x", at), analysis.ErrPageNotFound)

	count, err := store.CountPages(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
