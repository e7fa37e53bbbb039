// Package audit runs page loads in headless Chrome and measures main-thread CPU time per script.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/profiler"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
)

// Config controls browser launches and audit timing.
type Config struct {
	// MaxBrowsers caps concurrently open browsers. Zero means unlimited.
	MaxBrowsers int
	// AcquireTimeout is how long Launch waits for a free slot.
	AcquireTimeout    time.Duration
	ExecPath          string
	Headless          bool
	NavigationTimeout time.Duration
	// SettleDelay is the wait after load before the profile is stopped.
	SettleDelay    time.Duration
	ConsentTimeout time.Duration
	ConsentDelay   time.Duration
	// SamplingInterval is the profiler sampling interval in microseconds.
	SamplingInterval int64
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 90 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 3 * time.Second
	}
	if c.ConsentTimeout <= 0 {
		c.ConsentTimeout = 30 * time.Second
	}
	if c.ConsentDelay <= 0 {
		c.ConsentDelay = 2 * time.Second
	}
	if c.SamplingInterval <= 0 {
		c.SamplingInterval = 100
	}
	return c
}

// Launcher starts one dedicated Chrome process per job.
type Launcher struct {
	cfg     Config
	limiter chan struct{}
	source  ScriptSource
	logger  *zap.Logger
}

// NewLauncher validates cfg and builds a Launcher. source may be nil, in which case
// injected scripts are always loaded through a <script src> loader.
func NewLauncher(cfg Config, source ScriptSource, logger *zap.Logger) (*Launcher, error) {
	if cfg.MaxBrowsers < 0 {
		return nil, fmt.Errorf("max browsers must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxBrowsers > 0 {
		limiter = make(chan struct{}, cfg.MaxBrowsers)
	}
	return &Launcher{
		cfg:     cfg.withDefaults(),
		limiter: limiter,
		source:  source,
		logger:  logger,
	}, nil
}

// Launch acquires a browser slot and starts Chrome. Only a full pool is reported as
// analysis.ErrBrowserUnavailable; a Chrome that fails to start is an ordinary error.
func (l *Launcher) Launch(ctx context.Context) (analysis.Browser, error) {
	release, err := l.acquire(ctx)
	if err != nil {
		return nil, err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("mute-audio", true),
	)
	if l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		release()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	return &chromeBrowser{
		cfg:           l.cfg,
		source:        l.source,
		logger:        l.logger,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		release:       release,
	}, nil
}

func (l *Launcher) acquire(ctx context.Context) (func(), error) {
	if l.limiter == nil {
		return func() {}, nil
	}
	var timeout <-chan time.Time
	if l.cfg.AcquireTimeout > 0 {
		t := time.NewTimer(l.cfg.AcquireTimeout)
		defer t.Stop()
		timeout = t.C
	} else {
		closed := make(chan time.Time)
		close(closed)
		timeout = closed
	}
	select {
	case l.limiter <- struct{}{}:
		return func() { <-l.limiter }, nil
	default:
	}
	select {
	case l.limiter <- struct{}{}:
		return func() { <-l.limiter }, nil
	case <-timeout:
		return nil, fmt.Errorf("%w: all %d browser slots busy", analysis.ErrBrowserUnavailable, cap(l.limiter))
	case <-ctx.Done():
		return nil, fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

// chromeBrowser is one Chrome process owned by a single job. Audits run in fresh tabs.
type chromeBrowser struct {
	cfg    Config
	source ScriptSource
	logger *zap.Logger

	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	release       func()
	closeOnce     sync.Once
	closeErr      error
}

// Audit loads req.URL in a new tab with the device emulated and returns per-script CPU time.
func (b *chromeBrowser) Audit(ctx context.Context, req analysis.AuditRequest) (analysis.AuditReport, error) {
	emu, err := EmulationFor(req.Device)
	if err != nil {
		return analysis.AuditReport{}, &Error{Device: req.Device, URL: req.URL, Err: err}
	}

	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	defer cancelTab()
	taskCtx, cancelTask := context.WithTimeout(tabCtx, b.cfg.NavigationTimeout)
	defer cancelTask()
	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	tracker := newScriptTracker()
	chromedp.ListenTarget(taskCtx, tracker.captureEvent)

	actions := chromedp.Tasks{network.Enable(), emu.action()}
	if req.InjectScriptURL != "" {
		actions = append(actions, injectAction(b.injectionSource(ctx, req.InjectScriptURL)))
	}

	load := chromedp.Action(chromedp.Navigate(req.URL))
	if req.ConsentSelector != "" {
		actions = append(actions, b.consentAction(req.URL, req.ConsentSelector))
		load = chromedp.Reload()
	}

	var profile *profiler.Profile
	actions = append(actions,
		profiler.Enable(),
		profiler.SetSamplingInterval(b.cfg.SamplingInterval),
		profiler.Start(),
		load,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(b.cfg.SettleDelay),
		chromedp.ActionFunc(func(ctx context.Context) error {
			p, err := profiler.Stop().Do(ctx)
			if err != nil {
				return fmt.Errorf("stop profiler: %w", err)
			}
			profile = p
			return nil
		}),
	)

	start := time.Now()
	if err := chromedp.Run(taskCtx, actions); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return analysis.AuditReport{}, &Error{Device: req.Device, URL: req.URL, Err: err}
	}

	return analysis.AuditReport{
		URL:      req.URL,
		Device:   req.Device,
		Injected: req.InjectScriptURL != "",
		Scripts:  mergeScripts(selfTimeByURL(profile), tracker.snapshot()),
		Duration: time.Since(start),
	}, nil
}

// Close shuts Chrome down and frees the launcher slot. It is safe to call more than once.
func (b *chromeBrowser) Close() error {
	b.closeOnce.Do(func() {
		if err := chromedp.Cancel(b.browserCtx); err != nil && !errors.Is(err, context.Canceled) {
			b.closeErr = fmt.Errorf("close chrome: %w", err)
		}
		b.browserCancel()
		b.allocCancel()
		b.release()
	})
	return b.closeErr
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
