// Package analysis defines the core types shared by the scheduler, the queue
// implementations, the worker, and the persistence layer.
package analysis

import (
	"strings"
	"time"
)

// Tool identifies the third-party script whose CPU cost is measured.
type Tool string

// Supported tools.
const (
	ToolKameleoon Tool = "KAMELEOON"
)

// ConsentStrategy controls whether cookie-consent automation runs before a probe audit.
type ConsentStrategy string

// Consent strategies stored on a page.
const (
	ConsentRequired    ConsentStrategy = "REQUIRED"
	ConsentNotRequired ConsentStrategy = "NOT_REQUIRED"
)

// Device is the emulated form factor of an audit.
type Device string

// Audited devices, in execution order.
const (
	DeviceDesktop Device = "desktop"
	DeviceMobile  Device = "mobile"
)

// JobState represents the lifecycle state of a queued analysis job.
type JobState string

// Job states tracked by the queue.
const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateDelayed   JobState = "delayed"
)

// ReasonCancelled is the failed reason recorded for jobs cancelled before they ran.
const ReasonCancelled = "cancelled"

// Page is a customer page whose script cost is analyzed periodically.
type Page struct {
	ID                string          `json:"id"`
	URL               string          `json:"url"`
	ScriptURL         string          `json:"script_url,omitempty"`
	SelfHostingURL    string          `json:"self_hosting_url,omitempty"`
	CookieConsentCode string          `json:"cookie_consent_code,omitempty"`
	ConsentStrategy   ConsentStrategy `json:"consent_strategy,omitempty"`
	LastAnalyzedAt    *time.Time      `json:"last_analyzed_at,omitempty"`
	LastAttemptedAt   *time.Time      `json:"last_attempted_at,omitempty"`
	FailureCount      int             `json:"failure_count"`
	LastError         *string         `json:"last_error,omitempty"`
}

// EffectiveScriptURL returns the self-hosted script URL when set, else the vendor URL.
func (p Page) EffectiveScriptURL() string {
	if strings.TrimSpace(p.SelfHostingURL) != "" {
		return p.SelfHostingURL
	}
	return p.ScriptURL
}

// Payload builds the queue payload for an analysis of the page.
func (p Page) Payload(tool Tool) JobPayload {
	return JobPayload{
		PageID:            p.ID,
		URL:               p.URL,
		Tool:              tool,
		ScriptURL:         p.EffectiveScriptURL(),
		CookieConsentCode: p.CookieConsentCode,
		ConsentStrategy:   p.ConsentStrategy,
	}
}

// JobPayload is the mutable data attached to a queued job.
type JobPayload struct {
	PageID            string          `json:"pageId"`
	URL               string          `json:"url"`
	Tool              Tool            `json:"tool"`
	ScriptURL         string          `json:"scriptUrl,omitempty"`
	CookieConsentCode string          `json:"cookieConsentCode,omitempty"`
	ConsentStrategy   ConsentStrategy `json:"consentStrategy,omitempty"`
	Cancelled         bool            `json:"cancelled"`
	StatusMessage     string          `json:"statusMessage,omitempty"`
}

// ConsentEnabled reports whether cookie-consent automation applies to the job.
func (p JobPayload) ConsentEnabled() bool {
	return strings.TrimSpace(p.CookieConsentCode) != "" && p.ConsentStrategy != ConsentNotRequired
}

// Job is a dequeued unit of work.
type Job struct {
	ID      string
	Payload JobPayload
}

// JobInfo is a snapshot of a job as stored by the queue.
type JobInfo struct {
	ID           string
	Payload      JobPayload
	State        JobState
	Progress     int
	FailedReason string
}

// Status converts the snapshot into the external read model.
func (j JobInfo) Status() JobStatus {
	return JobStatus{
		JobID:        j.ID,
		Status:       j.State,
		Progress:     j.Progress,
		FailedReason: j.FailedReason,
		Message:      j.Payload.StatusMessage,
	}
}

// JobStatus is the read model returned to callers polling a job.
type JobStatus struct {
	JobID        string   `json:"jobId"`
	Status       JobState `json:"status"`
	Progress     int      `json:"progress"`
	FailedReason string   `json:"failedReason,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// JobCounts holds the number of jobs per state.
type JobCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Pending returns the jobs that occupy queue capacity.
func (c JobCounts) Pending() int64 {
	return c.Waiting + c.Active
}

// DailyAnalysis is the persisted per-day aggregate for a page and tool.
type DailyAnalysis struct {
	PageID        string    `json:"page_id"`
	Date          time.Time `json:"date"`
	Tool          Tool      `json:"tool"`
	DesktopCPUAvg float64   `json:"desktop_cpu_avg"`
	MobileCPUAvg  float64   `json:"mobile_cpu_avg"`
	RunCount      int       `json:"run_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Outcome is what a successful job writes back: the daily row plus the completion time.
type Outcome struct {
	Analysis    DailyAnalysis
	CompletedAt time.Time
}

// ScriptCost is the main-thread CPU time attributed to one script URL.
type ScriptCost struct {
	URL       string  `json:"url"`
	CPUTimeMs float64 `json:"cpu_time_ms"`
}

// AuditRequest describes a single browser audit.
type AuditRequest struct {
	URL    string
	Device Device
	// InjectScriptURL, when set, forces the script into every new document.
	InjectScriptURL string
	// ConsentSelector, when set, is clicked before the measured load.
	ConsentSelector string
}

// AuditReport is the outcome of one audit.
type AuditReport struct {
	URL      string        `json:"url"`
	Device   Device        `json:"device"`
	Injected bool          `json:"injected"`
	Scripts  []ScriptCost  `json:"scripts"`
	Duration time.Duration `json:"duration_ns"`
}
