package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
)

type phase struct {
	device analysis.Device
	label  string
	// progress window covered by the phase
	from, to int
}

var (
	desktopPhase = phase{device: analysis.DeviceDesktop, label: "Desktop", from: 10, to: 50}
	mobilePhase  = phase{device: analysis.DeviceMobile, label: "Mobile", from: 55, to: 95}
)

// deviceResult accumulates the entity CPU samples of one device.
type deviceResult struct {
	totalMs  float64
	runs     int
	injected bool
}

func (r deviceResult) average() float64 {
	if r.runs == 0 {
		return 0
	}
	return r.totalMs / float64(r.runs)
}

// run is the state of one executing job.
type run struct {
	job     analysis.Job
	url     string
	entity  string
	browser analysis.Browser
	token   cancelToken
	logger  *zap.Logger
	// audits counts audits per device for report names.
	audits map[analysis.Device]int
}

func (w *Worker) execute(ctx context.Context, job analysis.Job, logger *zap.Logger) error {
	payload := job.Payload
	if w.switches != nil && w.switches.Paused() {
		return w.delay(ctx, job.ID, w.cfg.PauseBackoff, "paused", logger)
	}

	token := cancelToken{queue: w.queue, jobID: job.ID}
	if err := token.check(ctx); err != nil {
		return err
	}

	entity, err := w.entityFor(payload.Tool)
	if err != nil {
		return err
	}
	w.status(ctx, job.ID, "Initializing", logger)

	browser, err := w.launcher.Launch(ctx)
	if errors.Is(err, analysis.ErrBrowserUnavailable) {
		logger.Warn("browser unavailable", zap.Error(err))
		return w.delay(ctx, job.ID, w.cfg.ResourceBackoff, "browser unavailable", logger)
	}
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	defer func() {
		if err := browser.Close(); err != nil {
			logger.Warn("close browser", zap.Error(err))
		}
	}()

	r := &run{
		job:     job,
		url:     analysis.NormalizeURL(payload.URL),
		entity:  entity,
		browser: browser,
		token:   token,
		logger:  logger,
		audits:  make(map[analysis.Device]int, 2),
	}
	w.progress(ctx, job.ID, 5, logger)

	desktop, err := w.runDevice(ctx, r, desktopPhase)
	if err != nil {
		return err
	}

	mobile, err := w.runDevice(ctx, r, mobilePhase)
	if err != nil {
		if errors.Is(err, analysis.ErrCancelled) || ctx.Err() != nil {
			return err
		}
		logger.Warn("mobile phase failed, keeping desktop results", zap.Error(err))
		mobile = deviceResult{}
	}

	return w.persist(ctx, r, desktop, mobile)
}

// runDevice runs the probe and the follow-up audits for one device.
func (w *Worker) runDevice(ctx context.Context, r *run, ph phase) (deviceResult, error) {
	if err := r.token.check(ctx); err != nil {
		return deviceResult{}, err
	}
	payload := r.job.Payload
	total := w.cfg.RunsPerDevice

	w.status(ctx, r.job.ID, ph.label+" Probe", r.logger)
	w.progress(ctx, r.job.ID, ph.from, r.logger)

	probe := analysis.AuditRequest{URL: r.url, Device: ph.device}
	if payload.ConsentEnabled() {
		probe.ConsentSelector = payload.CookieConsentCode
	}
	probeMs, err := w.audit(ctx, r, probe)
	if err != nil {
		return deviceResult{}, err
	}

	var (
		res    deviceResult
		extra  int
		inject string
	)
	switch {
	case probeMs > 0:
		res = deviceResult{totalMs: probeMs, runs: 1}
		extra = total - 1
	case payload.ScriptURL != "":
		// Probe discarded: every sample of this device is taken with the script injected.
		res = deviceResult{injected: true}
		extra = total
		inject = payload.ScriptURL
		r.logger.Info("script not detected, switching to injection",
			zap.String("device", string(ph.device)), zap.String("script_url", inject))
	default:
		res = deviceResult{runs: 1}
		r.logger.Info("script not detected and no script url, accepting zero",
			zap.String("device", string(ph.device)))
	}
	w.progress(ctx, r.job.ID, ph.at(res.runs, total), r.logger)

	for i := 0; i < extra; i++ {
		if err := r.token.check(ctx); err != nil {
			return deviceResult{}, err
		}
		msg := fmt.Sprintf("%s Run %d/%d", ph.label, res.runs+1, total)
		if res.injected {
			msg += " (Injection)"
		}
		w.status(ctx, r.job.ID, msg, r.logger)

		ms, err := w.audit(ctx, r, analysis.AuditRequest{URL: r.url, Device: ph.device, InjectScriptURL: inject})
		if err != nil {
			return deviceResult{}, err
		}
		res.totalMs += ms
		res.runs++
		w.progress(ctx, r.job.ID, ph.at(res.runs, total), r.logger)
	}

	w.progress(ctx, r.job.ID, ph.to, r.logger)
	r.logger.Info("device phase done",
		zap.String("device", string(ph.device)),
		zap.Int("runs", res.runs),
		zap.Bool("injected", res.injected),
		zap.Float64("avg_cpu_ms", res.average()),
	)
	return res, nil
}

func (ph phase) at(done, total int) int {
	if total <= 0 || done >= total {
		return ph.to
	}
	return ph.from + (ph.to-ph.from)*done/total
}

func (w *Worker) persist(ctx context.Context, r *run, desktop, mobile deviceResult) error {
	if err := r.token.check(ctx); err != nil {
		return err
	}
	w.status(ctx, r.job.ID, "Saving results", r.logger)

	now := w.clock.Now()
	day := analysis.StartOfDay(now, w.cfg.Location)
	daily := analysis.DailyAnalysis{
		PageID:        r.job.Payload.PageID,
		Date:          day,
		Tool:          r.job.Payload.Tool,
		DesktopCPUAvg: desktop.average(),
		MobileCPUAvg:  mobile.average(),
		RunCount:      desktop.runs + mobile.runs,
	}
	if err := w.pages.RecordSuccess(ctx, analysis.Outcome{Analysis: daily, CompletedAt: now}); err != nil {
		return fmt.Errorf("persist analysis: %w", err)
	}

	w.progress(ctx, r.job.ID, 100, r.logger)
	w.status(ctx, r.job.ID, "Completed", r.logger)
	if err := w.queue.Complete(ctx, r.job.ID); err != nil {
		r.logger.Error("complete job", zap.Error(err))
	}
	r.logger.Info("analysis stored",
		zap.Float64("desktop_cpu_avg", daily.DesktopCPUAvg),
		zap.Float64("mobile_cpu_avg", daily.MobileCPUAvg),
		zap.Int("run_count", daily.RunCount),
	)
	w.notify(ctx, r, daily)
	return nil
}

func (w *Worker) status(ctx context.Context, jobID, msg string, logger *zap.Logger) {
	if err := w.queue.SetStatusMessage(ctx, jobID, msg); err != nil {
		logger.Warn("set status message", zap.String("status", msg), zap.Error(err))
	}
}

func (w *Worker) progress(ctx context.Context, jobID string, pct int, logger *zap.Logger) {
	if err := w.queue.UpdateProgress(ctx, jobID, pct); err != nil {
		logger.Warn("update progress", zap.Int("progress", pct), zap.Error(err))
	}
}
