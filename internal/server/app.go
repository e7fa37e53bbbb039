// Package server builds the analyzer's dependencies from configuration and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
	"github.com/JakeFAU/script-cpu-analyzer/internal/api"
	"github.com/JakeFAU/script-cpu-analyzer/internal/attribution"
	"github.com/JakeFAU/script-cpu-analyzer/internal/audit"
	"github.com/JakeFAU/script-cpu-analyzer/internal/audit/scriptsource"
	"github.com/JakeFAU/script-cpu-analyzer/internal/clock/system"
	"github.com/JakeFAU/script-cpu-analyzer/internal/config"
	"github.com/JakeFAU/script-cpu-analyzer/internal/dispatcher"
	"github.com/JakeFAU/script-cpu-analyzer/internal/id/uuid"
	gcppublisher "github.com/JakeFAU/script-cpu-analyzer/internal/publisher/pubsub"
	memqueue "github.com/JakeFAU/script-cpu-analyzer/internal/queue/memory"
	redisqueue "github.com/JakeFAU/script-cpu-analyzer/internal/queue/redis"
	"github.com/JakeFAU/script-cpu-analyzer/internal/ratelimit"
	"github.com/JakeFAU/script-cpu-analyzer/internal/scheduler"
	gcsstorage "github.com/JakeFAU/script-cpu-analyzer/internal/storage/gcs"
	localstorage "github.com/JakeFAU/script-cpu-analyzer/internal/storage/local"
	memstore "github.com/JakeFAU/script-cpu-analyzer/internal/storage/memory"
	pgstore "github.com/JakeFAU/script-cpu-analyzer/internal/storage/postgres"
	"github.com/JakeFAU/script-cpu-analyzer/internal/worker"
)

// Parts selects which components Build wires beyond the queue. The page store is
// opened when any part is selected.
type Parts struct {
	API       bool
	Scheduler bool
	Workers   bool
}

type closer struct {
	name  string
	close func() error
}

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	parts    Parts
	switches *config.Switches

	queue     analysis.Queue
	pages     analysis.PageStore
	dispatch  *dispatcher.Dispatcher
	scheduler *scheduler.Scheduler
	apiServer *api.Server

	checks  []api.ReadinessCheck
	closers []closer
	once    sync.Once
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, switches *config.Switches, parts Parts, logger *zap.Logger) (*App, error) {
	if switches == nil {
		switches = config.NewSwitches(cfg)
	}
	app := &App{cfg: cfg, logger: logger, parts: parts, switches: switches}
	logger.Info("building application dependencies",
		zap.String("queue", cfg.Queue.Provider),
		zap.String("db", cfg.DB.Provider),
		zap.Bool("api", parts.API),
		zap.Bool("scheduler", parts.Scheduler),
		zap.Bool("workers", parts.Workers),
	)

	if err := app.setupQueue(ctx); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.setupDatabase(ctx); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.setupWorkers(ctx); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.setupScheduler(); err != nil {
		app.Close()
		return nil, err
	}
	app.setupAPI()
	return app, nil
}

// Queue returns the job queue.
func (a *App) Queue() analysis.Queue { return a.queue }

// Scheduler returns the scheduler, nil unless Parts.Scheduler was set.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// SchedulePass runs one scheduling pass outside the cron loop.
func (a *App) SchedulePass(ctx context.Context) (scheduler.Report, error) {
	if a.scheduler == nil {
		return scheduler.Report{}, errors.New("scheduler not built")
	}
	return a.scheduler.Run(ctx), nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, close: fn})
}

func (a *App) setupQueue(ctx context.Context) error {
	switch a.cfg.Queue.Provider {
	case "memory":
		q := memqueue.NewQueue(a.cfg.Queue.Retention)
		a.queue = q
		a.checks = append(a.checks, api.ReadinessCheck{Name: "queue", Check: q.Ping})
		a.addCloser("memory queue", func() error { q.Close(); return nil })
		a.logger.Warn("using in-memory queue; jobs are lost on restart")
	default:
		client, err := redisqueue.NewClient(a.cfg.Redis.URL, a.cfg.Redis.Addr(), a.cfg.Redis.Password)
		if err != nil {
			return fmt.Errorf("redis client init failed: %w", err)
		}
		a.addCloser("redis client", client.Close)
		q, err := redisqueue.New(client, redisqueue.Config{
			Prefix:       a.cfg.Queue.Prefix,
			Retention:    int64(a.cfg.Queue.Retention),
			PollInterval: a.cfg.Queue.PollInterval,
			LeaseTTL:     a.cfg.Queue.LeaseTTL,
		})
		if err != nil {
			return fmt.Errorf("redis queue init failed: %w", err)
		}
		if err := q.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		a.queue = q
		a.checks = append(a.checks, api.ReadinessCheck{Name: "queue", Check: q.Ping})
		a.logger.Info("redis queue initialized", zap.String("prefix", a.cfg.Queue.Prefix))
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if !a.parts.API && !a.parts.Scheduler && !a.parts.Workers {
		return nil
	}
	if a.cfg.DB.Provider == "memory" {
		a.pages = memstore.NewPageStore()
		a.logger.Warn("using in-memory page store")
		return nil
	}
	store, err := pgstore.NewPageStore(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		PagesTable:      a.cfg.DB.PagesTable,
		AnalysesTable:   a.cfg.DB.AnalysesTable,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("page store init failed: %w", err)
	}
	a.addCloser("postgres pool", func() error { store.Close(); return nil })
	if err := store.Ping(ctx); err != nil {
		return err
	}
	if a.cfg.DB.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		a.logger.Info("database schema applied")
	}
	a.pages = store
	a.checks = append(a.checks, api.ReadinessCheck{Name: "postgres", Check: store.Ping})
	a.logger.Info("page store initialized",
		zap.String("pages_table", a.cfg.DB.PagesTable),
		zap.String("analyses_table", a.cfg.DB.AnalysesTable),
	)
	return nil
}

func (a *App) setupReports(ctx context.Context) (analysis.ReportStore, error) {
	switch a.cfg.Reports.Provider {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Reports.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs report store init failed: %w", err)
		}
		a.addCloser("gcs client", store.Close)
		a.logger.Info("archiving audit reports to GCS", zap.String("bucket", a.cfg.Reports.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Reports.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local report store init failed: %w", err)
		}
		a.logger.Info("archiving audit reports locally", zap.String("path", a.cfg.Reports.BaseDir))
		return store, nil
	default:
		a.logger.Info("audit report archiving disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (analysis.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, completion events disabled")
		return nil, nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.addCloser("pubsub client", pub.Close)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func (a *App) setupWorkers(ctx context.Context) error {
	var runners []dispatcher.Runner
	if a.parts.Workers {
		reports, err := a.setupReports(ctx)
		if err != nil {
			return err
		}
		publisher, err := a.setupPublisher(ctx)
		if err != nil {
			return err
		}
		concurrency := a.cfg.WorkerConcurrency()
		launcher, err := NewLauncher(a.cfg, concurrency, a.logger.Named("audit"))
		if err != nil {
			return err
		}
		attributor, err := attribution.New(a.cfg.Attribution.Entities)
		if err != nil {
			return fmt.Errorf("attribution init failed: %w", err)
		}
		loc, err := a.cfg.Location()
		if err != nil {
			return err
		}
		workerCfg := worker.Config{
			RunsPerDevice:   a.cfg.Worker.RunsPerDevice,
			PauseBackoff:    a.cfg.Worker.PauseBackoff,
			ResourceBackoff: a.cfg.Worker.ResourceBackoff,
			Heartbeat:       a.cfg.Worker.HeartbeatInterval,
			JobTimeout:      a.cfg.Worker.JobTimeout,
			Location:        loc,
			ToolEntities:    a.cfg.ToolEntities(),
			Topic:           a.cfg.PubSub.TopicName,
			ReportPrefix:    a.cfg.Reports.Prefix,
			Throttle: ratelimit.New(ratelimit.Config{
				RPS:   a.cfg.Browser.HostRPS,
				Burst: a.cfg.Browser.HostBurst,
			}),
		}
		a.logger.Info("worker config",
			zap.Int("concurrency", concurrency),
			zap.Int("runs_per_device", workerCfg.RunsPerDevice),
			zap.Duration("job_timeout", workerCfg.JobTimeout),
		)
		clock := system.New()
		for i := 0; i < concurrency; i++ {
			runners = append(runners, worker.New(
				a.queue,
				a.pages,
				launcher,
				attributor,
				reports,
				publisher,
				a.switches,
				clock,
				workerCfg,
				a.logger.Named("worker").With(zap.Int("index", i)),
			))
		}
	}
	a.dispatch = dispatcher.New(a.queue, uuid.New(), runners, a.logger.Named("dispatcher"))
	return nil
}

func (a *App) setupScheduler() error {
	if !a.parts.Scheduler {
		return nil
	}
	loc, err := a.cfg.Location()
	if err != nil {
		return err
	}
	a.scheduler = scheduler.New(a.queue, a.pages, a.switches, system.New(), scheduler.Config{
		Interval:        a.cfg.Scheduler.Interval,
		TargetCycleDays: a.cfg.Scheduler.TargetCycleDays,
		MinDailyBatch:   a.cfg.Scheduler.MinDailyBatch,
		MaxDailyBatch:   a.cfg.Scheduler.MaxDailyBatch,
		Location:        loc,
	}, a.logger.Named("scheduler"))
	return nil
}

func (a *App) setupAPI() {
	if !a.parts.API {
		return
	}
	var apiKey string
	if a.cfg.Auth.Enabled {
		apiKey = a.cfg.Auth.APIKey
	}
	loc, _ := a.cfg.Location()
	a.apiServer = api.NewServer(a.queue, a.pages, a.dispatch, api.Options{
		APIKey:   apiKey,
		Location: loc,
		Checks:   a.checks,
	}, a.logger.Named("api"))
}

// NewLauncher builds the browser launcher with its script source.
func NewLauncher(cfg config.Config, maxBrowsers int, logger *zap.Logger) (*audit.Launcher, error) {
	source := scriptsource.New(scriptsource.Config{
		Timeout:    cfg.ScriptSource.Timeout,
		RetryCount: cfg.ScriptSource.Retries,
		CacheSize:  cfg.ScriptSource.CacheSize,
		CacheTTL:   cfg.ScriptSource.CacheTTL,
		UserAgent:  cfg.ScriptSource.UserAgent,
	})
	launcher, err := audit.NewLauncher(audit.Config{
		MaxBrowsers:       maxBrowsers,
		AcquireTimeout:    cfg.Browser.AcquireTimeout,
		ExecPath:          cfg.Browser.ExecPath,
		Headless:          cfg.Browser.Headless,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		SettleDelay:       cfg.Browser.SettleDelay,
		ConsentTimeout:    cfg.Browser.ConsentTimeout,
		ConsentDelay:      cfg.Browser.ConsentDelay,
		SamplingInterval:  cfg.Browser.SamplingIntervalUs,
	}, source, logger)
	if err != nil {
		return nil, fmt.Errorf("launcher init failed: %w", err)
	}
	return launcher, nil
}

// Run starts the selected components and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	if a.parts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.dispatch.Run(ctx)
		}()
	}

	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       a.cfg.Server.ReadTimeout,
			WriteTimeout:      a.cfg.Server.WriteTimeout,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Warn("scheduler stop", zap.Error(err))
		}
	}
	wg.Wait()
	a.Close()
	return nil
}

// Close releases every opened resource. It is safe to call more than once.
func (a *App) Close() {
	a.once.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			c := a.closers[i]
			if err := c.close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
				a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
			}
		}
		a.logger.Info("shutdown complete")
	})
}
