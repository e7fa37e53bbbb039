package config

import (
	"fmt"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Switches holds the kill switches that may change while the process runs.
type Switches struct {
	schedulerDisabled atomic.Bool
	workerPaused      atomic.Bool
}

// NewSwitches seeds the switches from a loaded Config.
func NewSwitches(cfg Config) *Switches {
	s := &Switches{}
	s.Set(cfg.Scheduler.Disabled, cfg.Worker.Paused)
	return s
}

// SchedulerDisabled reports whether scheduling passes must do nothing.
func (s *Switches) SchedulerDisabled() bool { return s.schedulerDisabled.Load() }

// Paused reports whether workers must defer the jobs they pick up.
func (s *Switches) Paused() bool { return s.workerPaused.Load() }

// Set replaces both switches.
func (s *Switches) Set(schedulerDisabled, workerPaused bool) {
	s.schedulerDisabled.Store(schedulerDisabled)
	s.workerPaused.Store(workerPaused)
}

// WatchSwitches re-reads the config file on change and applies the kill switches.
// Other settings need a restart. It is a no-op without a config file.
func WatchSwitches(path string, switches *Switches, logger *zap.Logger) error {
	if path == "" {
		return nil
	}
	v, err := newViper(path)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		disabled := v.GetBool("scheduler.disabled")
		paused := v.GetBool("worker.paused")
		switches.Set(disabled, paused)
		logger.Info("kill switches reloaded",
			zap.String("file", e.Name),
			zap.Bool("scheduler_disabled", disabled),
			zap.Bool("worker_paused", paused),
		)
	})
	v.WatchConfig()
	return nil
}
