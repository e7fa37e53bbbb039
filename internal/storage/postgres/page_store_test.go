package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
)

func newMockStore(t *testing.T) (*PageStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewPageStoreWithPool(mock, "", "")
	require.NoError(t, err)
	return store, mock
}

func TestNewPageStoreWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewPageStoreWithPool(mock, "pages; DROP TABLE x", "")
	require.Error(t, err)

	_, err = NewPageStoreWithPool(nil, "", "")
	require.Error(t, err)
}

func TestNewPageStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewPageStore(context.Background(), Config{})
	require.Error(t, err)
}

func TestCountPagesAndAnalyses(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	since := time.Date(2024, 5, 19, 22, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM pages").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1500)))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM daily_analyses WHERE created_at >= \\$1").
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(42)))

	pages, err := store.CountPages(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1500, pages)

	done, err := store.CountAnalysesSince(context.Background(), since)
	require.NoError(t, err)
	require.Equal(t, 42, done)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectCandidatesPassesPolicyBounds(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Date(2024, 5, 20, 10, 0, 0, 0, time.UTC)
	policy := analysis.DefaultPolicy(15)
	analyzed := now.Add(-20 * 24 * time.Hour)
	lastErr := "timeout"

	columns := []string{
		"id", "url", "script_url", "self_hosting_url", "cookie_consent_code", "consent_strategy",
		"last_analyzed_at", "last_attempted_at", "failure_count", "last_error",
	}
	mock.ExpectQuery("FROM pages").
		WithArgs(
			policy.StaleBefore(now),
			policy.RetryBefore(now),
			policy.MaxFailures,
			policy.CooldownBefore(now),
			2,
		).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("p1", "https://a.example", "https://static.kameleoon.com/a.js", "", "#accept", "REQUIRED",
				(*time.Time)(nil), (*time.Time)(nil), 0, (*string)(nil)).
			AddRow("p2", "https://b.example", "", "https://b.example/kam.js", "", "NOT_REQUIRED",
				&analyzed, &analyzed, 2, &lastErr))

	pages, err := store.SelectCandidates(context.Background(), policy, now, 2)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, "p1", pages[0].ID)
	require.Nil(t, pages[0].LastAnalyzedAt)
	require.Equal(t, "#accept", pages[0].CookieConsentCode)
	require.Equal(t, analysis.ConsentNotRequired, pages[1].ConsentStrategy)
	require.Equal(t, "https://b.example/kam.js", pages[1].EffectiveScriptURL())
	require.Equal(t, 2, pages[1].FailureCount)
	require.Equal(t, "timeout", *pages[1].LastError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectCandidatesZeroLimit(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	pages, err := store.SelectCandidates(context.Background(), analysis.DefaultPolicy(15), time.Now(), 0)
	require.NoError(t, err)
	require.Empty(t, pages)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPageNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM pages WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetPage(context.Background(), "missing")
	require.ErrorIs(t, err, analysis.ErrPageNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSuccessUpsertsAndResetsPage(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	completed := time.Date(2024, 5, 20, 10, 30, 0, 0, time.UTC)
	day := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	outcome := analysis.Outcome{
		Analysis: analysis.DailyAnalysis{
			PageID:        "p1",
			Date:          day,
			Tool:          analysis.ToolKameleoon,
			DesktopCPUAvg: 120,
			MobileCPUAvg:  340,
			RunCount:      5,
		},
		CompletedAt: completed,
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO daily_analyses").
		WithArgs("p1", day, "KAMELEOON", 120.0, 340.0, 5, completed).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE pages").
		WithArgs("p1", completed).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.RecordSuccess(context.Background(), outcome))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSuccessRollsBackWhenPageMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	completed := time.Date(2024, 5, 20, 10, 30, 0, 0, time.UTC)
	outcome := analysis.Outcome{
		Analysis:    analysis.DailyAnalysis{PageID: "gone", Date: completed, Tool: analysis.ToolKameleoon},
		CompletedAt: completed,
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO daily_analyses").
		WithArgs("gone", completed, "KAMELEOON", 0.0, 0.0, 0, completed).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE pages").
		WithArgs("gone", completed).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := store.RecordSuccess(context.Background(), outcome)
	require.ErrorIs(t, err, analysis.ErrPageNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailureIncrementsCounter(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Date(2024, 5, 20, 11, 0, 0, 0, time.UTC)

	mock.ExpectExec("SET failure_count = failure_count \\+ 1").
		WithArgs("p1", "navigation timeout", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.RecordFailure(context.Background(), "p1", "navigation timeout", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailureWrapsDriverError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Date(2024, 5, 20, 11, 0, 0, 0, time.UTC)
	boom := errors.New("connection reset")

	mock.ExpectExec("UPDATE pages").
		WithArgs("p1", "x", at).
		WillReturnError(boom)

	err := store.RecordFailure(context.Background(), "p1", "x", at)
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDailyAnalysis(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	day := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	created := day.Add(9 * time.Hour)

	mock.ExpectQuery("FROM daily_analyses").
		WithArgs("p1", day, "KAMELEOON").
		WillReturnRows(pgxmock.NewRows([]string{
			"page_id", "date", "tool", "desktop_cpu_avg", "mobile_cpu_avg", "run_count", "created_at", "updated_at",
		}).AddRow("p1", day, "KAMELEOON", 12.0, 30.0, 5, created, created))

	got, err := store.GetDailyAnalysis(context.Background(), "p1", day, analysis.ToolKameleoon)
	require.NoError(t, err)
	require.Equal(t, analysis.ToolKameleoon, got.Tool)
	require.InDelta(t, 30.0, got.MobileCPUAvg, 0.001)
	require.Equal(t, 5, got.RunCount)

	mock.ExpectQuery("FROM daily_analyses").
		WithArgs("p2", day, "KAMELEOON").
		WillReturnError(pgx.ErrNoRows)
	_, err = store.GetDailyAnalysis(context.Background(), "p2", day, analysis.ToolKameleoon)
	require.ErrorIs(t, err, analysis.ErrAnalysisNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS pages").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
