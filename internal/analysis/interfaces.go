package analysis

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrCancelled signals that a job was cancelled and must end without side effects.
	ErrCancelled = errors.New("job cancelled")
	// ErrJobNotFound is returned by queues for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrPageNotFound is returned by page stores for unknown page IDs.
	ErrPageNotFound = errors.New("page not found")
	// ErrAnalysisNotFound is returned when no daily analysis exists for the key.
	ErrAnalysisNotFound = errors.New("daily analysis not found")
	// ErrBrowserUnavailable is returned when no browser slot can be acquired.
	ErrBrowserUnavailable = errors.New("browser unavailable")
)

// Queue provides durable job storage with state, progress and cancellation.
type Queue interface {
	// Enqueue stores a waiting job. An existing id is left untouched and reported as not created.
	Enqueue(ctx context.Context, id string, payload JobPayload) (bool, error)
	// Dequeue blocks until a job is available and marks it active.
	Dequeue(ctx context.Context) (Job, error)
	Get(ctx context.Context, id string) (JobInfo, error)
	IsActive(ctx context.Context, id string) (bool, error)
	SetStatusMessage(ctx context.Context, id string, msg string) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, reason string) error
	// Delay moves an active job back to the queue, runnable after d.
	Delay(ctx context.Context, id string, d time.Duration) error
	// Cancel flags the job; waiting and delayed jobs are failed immediately.
	Cancel(ctx context.Context, id string) (bool, error)
	Counts(ctx context.Context) (JobCounts, error)
	Obliterate(ctx context.Context) error
}

// LeaseExtender is implemented by queues that hand a job to another worker when its
// holder stops renewing the claim.
type LeaseExtender interface {
	ExtendLease(ctx context.Context, id string) error
}

// PageStore persists pages and their daily analyses.
type PageStore interface {
	CountPages(ctx context.Context) (int, error)
	CountAnalysesSince(ctx context.Context, since time.Time) (int, error)
	SelectCandidates(ctx context.Context, policy SchedulingPolicy, now time.Time, limit int) ([]Page, error)
	GetPage(ctx context.Context, id string) (Page, error)
	// RecordSuccess upserts the daily analysis and resets the page failure state.
	RecordSuccess(ctx context.Context, outcome Outcome) error
	RecordFailure(ctx context.Context, pageID string, errText string, at time.Time) error
	GetDailyAnalysis(ctx context.Context, pageID string, date time.Time, tool Tool) (DailyAnalysis, error)
}

// Browser runs audits inside one exclusively owned browser process.
type Browser interface {
	Audit(ctx context.Context, req AuditRequest) (AuditReport, error)
	Close() error
}

// BrowserLauncher starts browsers for jobs.
type BrowserLauncher interface {
	Launch(ctx context.Context) (Browser, error)
}

// ReportStore archives raw audit reports and returns a URI.
type ReportStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
