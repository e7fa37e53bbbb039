package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDailyBatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		total int
		want  int
	}{
		{name: "cycle share", total: 1500, want: 100},
		{name: "capped at max", total: 10000, want: 500},
		{name: "raised to min", total: 0, want: 1},
		{name: "rounds up", total: 16, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, DailyBatch(tt.total, 15, 1, 500))
		})
	}
}

func TestDailyBatchStaysWithinBounds(t *testing.T) {
	t.Parallel()

	for total := 0; total < 3000; total += 37 {
		got := DailyBatch(total, 7, 10, 200)
		require.GreaterOrEqual(t, got, 10)
		require.LessOrEqual(t, got, 200)
	}
}

func TestEligible(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)
	policy := DefaultPolicy(15)
	at := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name string
		page Page
		want bool
	}{
		{name: "never analyzed", page: Page{ID: "p"}, want: true},
		{name: "fresh analysis", page: Page{LastAnalyzedAt: at(3 * 24 * time.Hour)}, want: false},
		{name: "stale analysis", page: Page{LastAnalyzedAt: at(16 * 24 * time.Hour)}, want: true},
		{name: "attempted within a day", page: Page{LastAttemptedAt: at(23 * time.Hour)}, want: false},
		{name: "attempted over a day ago", page: Page{LastAttemptedAt: at(25 * time.Hour)}, want: true},
		{
			name: "failing page in cooldown",
			page: Page{FailureCount: 5, LastAttemptedAt: at(3 * 24 * time.Hour)},
			want: false,
		},
		{
			name: "failing page after cooldown",
			page: Page{FailureCount: 7, LastAttemptedAt: at(8 * 24 * time.Hour)},
			want: true,
		},
		{name: "attempted two hours ago", page: Page{LastAttemptedAt: at(2 * time.Hour)}, want: false},
		{
			name: "six failures attempted eight days ago",
			page: Page{FailureCount: 6, LastAttemptedAt: at(8 * 24 * time.Hour)},
			want: true,
		},
		{
			name: "six failures attempted one day ago",
			page: Page{FailureCount: 6, LastAttemptedAt: at(24 * time.Hour)},
			want: false,
		},
		{
			name: "few failures retried daily",
			page: Page{FailureCount: 4, LastAttemptedAt: at(2 * 24 * time.Hour)},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, policy.Eligible(tt.page, now))
		})
	}
}

func TestStartOfDayUsesLocation(t *testing.T) {
	t.Parallel()

	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)

	// 23:30 UTC on May 20 is already May 21 in Paris.
	ts := time.Date(2024, 5, 20, 23, 30, 0, 0, time.UTC)
	require.Equal(t, "2024-05-21", DateKey(ts, paris))
	require.Equal(t, "2024-05-20", DateKey(ts, time.UTC))
	require.Equal(t, time.Date(2024, 5, 20, 22, 0, 0, 0, time.UTC), StartOfDay(ts, paris).UTC())
}

func TestScheduledJobID(t *testing.T) {
	t.Parallel()

	require.Equal(t, "analysis-page-1-2024-05-20", ScheduledJobID("page-1", "2024-05-20"))
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://example.com", NormalizeURL("example.com"))
	require.Equal(t, "http://example.com", NormalizeURL("http://example.com"))
	require.Equal(t, "https://example.com/a", NormalizeURL(" https://example.com/a "))
}

func TestPagePayload(t *testing.T) {
	t.Parallel()

	page := Page{
		ID:                "p1",
		URL:               "example.com",
		ScriptURL:         "https://static.kameleoon.com/k.js",
		SelfHostingURL:    "https://example.com/static-proxy/kameleoon/script.js",
		CookieConsentCode: "#accept",
		ConsentStrategy:   ConsentRequired,
	}
	payload := page.Payload(ToolKameleoon)
	require.Equal(t, "https://example.com/static-proxy/kameleoon/script.js", payload.ScriptURL)
	require.True(t, payload.ConsentEnabled())

	payload.ConsentStrategy = ConsentNotRequired
	require.False(t, payload.ConsentEnabled())
}
