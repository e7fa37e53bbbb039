package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
	"github.com/JakeFAU/script-cpu-analyzer/internal/metrics"
)

// Submitter enqueues manually requested jobs. *dispatcher.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, payload analysis.JobPayload) (string, error)
}

// ReadinessCheck is probed by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Options tunes the server. Zero values disable auth and use UTC and a 60s request timeout.
type Options struct {
	APIKey         string
	Location       *time.Location
	RequestTimeout time.Duration
	Checks         []ReadinessCheck
}

// Server wires HTTP handlers to the queue and the page store.
type Server struct {
	router    chi.Router
	queue     analysis.Queue
	pages     analysis.PageStore
	submitter Submitter
	opts      Options
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	queue analysis.Queue,
	pages analysis.PageStore,
	submitter Submitter,
	opts Options,
	logger *zap.Logger,
) *Server {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		queue:     queue,
		pages:     pages,
		submitter: submitter,
		opts:      opts,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/pages/{page_id}", func(r chi.Router) {
			r.Post("/analyze", s.analyzePage)
			r.Get("/analyses/{date}", s.getDailyAnalysis)
		})
		r.Route("/jobs/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJobStatus)
			r.Post("/cancel", s.cancelJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	for _, check := range s.opts.Checks {
		if err := check.Check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", check.Name), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"check":  check.Name,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type analyzeRequest struct {
	Tool analysis.Tool `json:"tool"`
}

type analyzeResponse struct {
	JobID  string `json:"jobId"`
	PageID string `json:"pageId"`
}

func (s *Server) analyzePage(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "page_id")

	req := analyzeRequest{Tool: analysis.ToolKameleoon}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Tool = analysis.Tool(strings.ToUpper(string(req.Tool)))
	if req.Tool != analysis.ToolKameleoon {
		writeError(w, http.StatusBadRequest, "unsupported tool")
		return
	}

	page, err := s.pages.GetPage(r.Context(), pageID)
	if errors.Is(err, analysis.ErrPageNotFound) {
		writeError(w, http.StatusNotFound, "page not found")
		return
	}
	if err != nil {
		s.logger.Error("load page", zap.String("page_id", pageID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load page")
		return
	}

	jobID, err := s.submitter.Submit(r.Context(), page.Payload(req.Tool))
	if err != nil {
		s.logger.Error("submit analysis", zap.String("page_id", pageID), zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, analyzeResponse{JobID: jobID, PageID: pageID})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	info, err := s.queue.Get(r.Context(), jobID)
	if errors.Is(err, analysis.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("load job", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, info.Status())
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	found, err := s.queue.Cancel(r.Context(), jobID)
	if err != nil {
		s.logger.Error("cancel job", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	if found {
		s.logger.Info("job cancellation requested", zap.String("job_id", jobID))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"found": found})
}

func (s *Server) getDailyAnalysis(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "page_id")
	date, err := time.ParseInLocation(time.DateOnly, chi.URLParam(r, "date"), s.opts.Location)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	tool := analysis.ToolKameleoon
	if raw := r.URL.Query().Get("tool"); raw != "" {
		tool = analysis.Tool(strings.ToUpper(raw))
	}

	row, err := s.pages.GetDailyAnalysis(r.Context(), pageID, date, tool)
	if errors.Is(err, analysis.ErrAnalysisNotFound) {
		writeError(w, http.StatusNotFound, "analysis not found")
		return
	}
	if err != nil {
		s.logger.Error("load daily analysis", zap.String("page_id", pageID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load analysis")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
