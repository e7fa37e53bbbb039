package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
	"github.com/JakeFAU/script-cpu-analyzer/internal/attribution"
	"github.com/JakeFAU/script-cpu-analyzer/internal/metrics"
)

// auditRecord is the archived form of one audit.
type auditRecord struct {
	JobID       string                `json:"job_id"`
	PageID      string                `json:"page_id"`
	URL         string                `json:"url"`
	Device      analysis.Device       `json:"device"`
	Run         int                   `json:"run"`
	Injected    bool                  `json:"injected"`
	Entity      string                `json:"entity"`
	EntityCPUMs float64               `json:"entity_cpu_ms"`
	DurationMs  int64                 `json:"duration_ms"`
	Scripts     []analysis.ScriptCost `json:"scripts"`
	Entities    attribution.Result    `json:"entities"`
}

// completionEvent is published after an analysis is stored.
type completionEvent struct {
	JobID         string        `json:"job_id"`
	PageID        string        `json:"page_id"`
	Tool          analysis.Tool `json:"tool"`
	Date          string        `json:"date"`
	DesktopCPUAvg float64       `json:"desktop_cpu_avg"`
	MobileCPUAvg  float64       `json:"mobile_cpu_avg"`
	RunCount      int           `json:"run_count"`
}

// audit runs one audit and returns the rounded CPU time of the job's entity.
func (w *Worker) audit(ctx context.Context, r *run, req analysis.AuditRequest) (float64, error) {
	if err := r.token.check(ctx); err != nil {
		return 0, err
	}
	mode := "natural"
	if req.InjectScriptURL != "" {
		mode = "injection"
	}

	if w.cfg.Throttle != nil {
		if err := w.cfg.Throttle.Wait(ctx, req.URL); err != nil {
			return 0, err
		}
	}
	ctx, span := w.cfg.Tracer.Start(ctx, "analysis.audit", trace.WithAttributes(
		attribute.String("device", string(req.Device)),
		attribute.String("mode", mode),
	))
	defer span.End()

	start := time.Now()
	report, err := r.browser.Audit(ctx, req)
	metrics.ObserveAudit(req.Device, mode, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("audit run: %w", err)
	}

	result := w.attributor.Attribute(report.Scripts)
	cost := result.CPUTimeMs(r.entity)
	span.SetAttributes(attribute.Float64("entity.cpu_ms", cost))
	r.audits[req.Device]++
	r.logger.Debug("audit done",
		zap.String("device", string(req.Device)),
		zap.String("mode", mode),
		zap.Float64("entity_cpu_ms", cost),
		zap.Int("scripts", len(report.Scripts)),
	)
	w.archive(ctx, r, report, result, cost)
	return cost, nil
}

func (w *Worker) reportPath(r *run, device analysis.Device) string {
	day := analysis.DateKey(w.clock.Now(), w.cfg.Location)
	name := fmt.Sprintf("%s-%d.json", device, r.audits[device])
	return path.Join(w.cfg.ReportPrefix, day, r.job.ID, name)
}

// archive stores the raw audit. Failures are logged and never affect the job.
func (w *Worker) archive(
	ctx context.Context,
	r *run,
	report analysis.AuditReport,
	result attribution.Result,
	cost float64,
) {
	if w.reports == nil {
		return
	}
	rec := auditRecord{
		JobID:       r.job.ID,
		PageID:      r.job.Payload.PageID,
		URL:         report.URL,
		Device:      report.Device,
		Run:         r.audits[report.Device],
		Injected:    report.Injected,
		Entity:      r.entity,
		EntityCPUMs: cost,
		DurationMs:  report.Duration.Milliseconds(),
		Scripts:     report.Scripts,
		Entities:    result,
	}
	body, err := json.Marshal(rec)
	if err != nil {
		r.logger.Warn("encode audit report", zap.Error(err))
		return
	}
	uri, err := w.reports.PutObject(ctx, w.reportPath(r, report.Device), "application/json", bytes.NewReader(body))
	if err != nil {
		r.logger.Warn("archive audit report", zap.Error(err))
		return
	}
	r.logger.Debug("audit report archived", zap.String("uri", uri))
}

// notify publishes the completion event. Failures are logged and never affect the job.
func (w *Worker) notify(ctx context.Context, r *run, daily analysis.DailyAnalysis) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := completionEvent{
		JobID:         r.job.ID,
		PageID:        daily.PageID,
		Tool:          daily.Tool,
		Date:          daily.Date.Format(time.DateOnly),
		DesktopCPUAvg: daily.DesktopCPUAvg,
		MobileCPUAvg:  daily.MobileCPUAvg,
		RunCount:      daily.RunCount,
	}
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		r.logger.Warn("publish completion event", zap.Error(err))
		return
	}
	r.logger.Debug("completion event published", zap.String("message_id", id))
}
