package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
	"github.com/JakeFAU/script-cpu-analyzer/internal/dispatcher"
	memqueue "github.com/JakeFAU/script-cpu-analyzer/internal/queue/memory"
	memstore "github.com/JakeFAU/script-cpu-analyzer/internal/storage/memory"
)

type fakeIDGen struct {
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	if len(f.ids) == 0 {
		return "", errors.New("no ids left")
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type testEnv struct {
	server *Server
	queue  *memqueue.Queue
	pages  *memstore.PageStore
}

func newTestEnv(t *testing.T, opts Options) testEnv {
	t.Helper()
	q := memqueue.NewQueue(10)
	pages := memstore.NewPageStore(analysis.Page{
		ID:                "p1",
		URL:               "www.example.com",
		ScriptURL:         "https://static.kameleoon.com/css/customers/abc/0/kameleoon.js",
		SelfHostingURL:    "https://www.example.com/static-proxy/kameleoon/script.js",
		CookieConsentCode: "#accept",
		ConsentStrategy:   analysis.ConsentRequired,
	})
	ids := &fakeIDGen{ids: []string{"job-manual-1", "job-manual-2"}}
	d := dispatcher.New(q, ids, nil, zap.NewNop())
	return testEnv{
		server: NewServer(q, pages, d, opts, zap.NewNop()),
		queue:  q,
		pages:  pages,
	}
}

func (e testEnv) do(method, target string, body []byte, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAnalyzePageEnqueuesJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(http.MethodPost, "/v1/pages/p1/analyze", nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"jobId":"job-manual-1","pageId":"p1"}`, rec.Body.String())

	job, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-manual-1", job.ID)
	require.Equal(t, analysis.JobPayload{
		PageID:            "p1",
		URL:               "www.example.com",
		Tool:              analysis.ToolKameleoon,
		ScriptURL:         "https://www.example.com/static-proxy/kameleoon/script.js",
		CookieConsentCode: "#accept",
		ConsentStrategy:   analysis.ConsentRequired,
	}, job.Payload)
}

func TestAnalyzePageIsNotDeduplicated(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/v1/pages/p1/analyze", nil).Code)
	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/v1/pages/p1/analyze", []byte(`{"tool":"kameleoon"}`)).Code)

	counts, err := env.queue.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), counts.Waiting)
}

func TestAnalyzePageErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})

	rec := env.do(http.MethodPost, "/v1/pages/missing/analyze", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodPost, "/v1/pages/p1/analyze", []byte("{invalid"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/v1/pages/p1/analyze", []byte(`{"tool":"OPTIMIZELY"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "unsupported tool")
}

func TestGetJobStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	ctx := context.Background()
	_, err := env.queue.Enqueue(ctx, "analysis-p1-2024-05-20", analysis.JobPayload{PageID: "p1"})
	require.NoError(t, err)
	_, err = env.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, env.queue.UpdateProgress(ctx, "analysis-p1-2024-05-20", 30))
	require.NoError(t, env.queue.SetStatusMessage(ctx, "analysis-p1-2024-05-20", "Desktop Run 2/5 (Injection)"))

	rec := env.do(http.MethodGet, "/v1/jobs/analysis-p1-2024-05-20", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{
		"jobId": "analysis-p1-2024-05-20",
		"status": "active",
		"progress": 30,
		"message": "Desktop Run 2/5 (Injection)"
	}`, rec.Body.String())

	require.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/v1/jobs/unknown", nil).Code)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	_, err := env.queue.Enqueue(context.Background(), "job", analysis.JobPayload{PageID: "p1"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rec := env.do(http.MethodPost, "/v1/jobs/job/cancel", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{"found":true}`, rec.Body.String())
	}

	info, err := env.queue.Get(context.Background(), "job")
	require.NoError(t, err)
	require.Equal(t, analysis.JobStateFailed, info.State)
	require.Equal(t, analysis.ReasonCancelled, info.FailedReason)

	rec := env.do(http.MethodPost, "/v1/jobs/unknown/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"found":false}`, rec.Body.String())
}

func TestGetDailyAnalysis(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	day := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	require.NoError(t, env.pages.RecordSuccess(context.Background(), analysis.Outcome{
		Analysis: analysis.DailyAnalysis{
			PageID:        "p1",
			Date:          day,
			Tool:          analysis.ToolKameleoon,
			DesktopCPUAvg: 120,
			MobileCPUAvg:  240,
			RunCount:      10,
		},
		CompletedAt: day.Add(3 * time.Hour),
	}))

	rec := env.do(http.MethodGet, "/v1/pages/p1/analyses/2024-05-20", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var row analysis.DailyAnalysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	require.InDelta(t, 120, row.DesktopCPUAvg, 0)
	require.InDelta(t, 240, row.MobileCPUAvg, 0)
	require.Equal(t, 10, row.RunCount)

	require.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/v1/pages/p1/analyses/2024-05-21", nil).Code)
	require.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/v1/pages/p1/analyses/yesterday", nil).Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{APIKey: "secret"})

	require.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/v1/jobs/any", nil).Code)
	require.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/v1/jobs/any", nil, "X-API-Key", "wrong").Code)
	require.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/v1/jobs/any", nil, "X-API-Key", "secret").Code)
	require.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/v1/jobs/any?api_key=secret", nil).Code)
	// probes stay open
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil).Code)
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	healthy := newTestEnv(t, Options{Checks: []ReadinessCheck{
		{Name: "queue", Check: func(context.Context) error { return nil }},
	}})
	require.Equal(t, http.StatusOK, healthy.do(http.MethodGet, "/readyz", nil).Code)

	broken := newTestEnv(t, Options{Checks: []ReadinessCheck{
		{Name: "queue", Check: func(context.Context) error { return nil }},
		{Name: "postgres", Check: func(context.Context) error { return errors.New("dial tcp: refused") }},
	}})
	rec := broken.do(http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"status":"unavailable","check":"postgres"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.do(http.MethodGet, "/healthz", nil)

	rec := env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(http.MethodGet, "/healthz", nil, "X-Request-ID", "req-42")
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
