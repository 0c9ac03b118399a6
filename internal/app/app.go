// Package app wires the components together and runs the schedule.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"reposter/internal/config"
	"reposter/internal/locales"
	"reposter/internal/models"
	"reposter/internal/retry"
)

// Runner executes one pass over the bindings.
type Runner interface {
	RunAll(ctx context.Context, bindings []models.Binding) error
}

// Component is a long-lived collaborator with the lifecycle hooks the
// application drives.
type Component interface {
	Name() string
	UpdateConfig(cfg *config.Config)
	HealthCheck(ctx context.Context, cfg *config.Config) models.HealthStatus
	Shutdown()
}

// Deps holds the dependencies required by the App.
type Deps struct {
	Config     *config.Config
	Runner     Runner
	Components []Component
	// Sleep waits between passes. Defaults to retry.SleepContext.
	Sleep func(ctx context.Context, d time.Duration) error
}

// App runs bindings on a schedule and applies configuration changes
// between passes.
type App struct {
	runner     Runner
	components []Component
	sleep      func(ctx context.Context, d time.Duration) error

	mu  sync.RWMutex
	cfg *config.Config

	// runMu serializes passes so checkpoint writes never interleave.
	runMu sync.Mutex
}

// New creates an App from its dependencies.
func New(deps Deps) (*App, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if deps.Runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if deps.Sleep == nil {
		deps.Sleep = retry.SleepContext
	}
	return &App{
		runner:     deps.Runner,
		components: deps.Components,
		sleep:      deps.Sleep,
		cfg:        deps.Config,
	}, nil
}

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// RunOnce executes every binding once. Panics are recovered and reported
// so a single bad post cannot take the scheduler down.
func (a *App) RunOnce(ctx context.Context) (err error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("PANIC recovered in run: %v\n%s", r, debug.Stack())
			sentry.CurrentHub().Recover(r)
			sentry.Flush(2 * time.Second)
			err = fmt.Errorf("run panicked: %v", r)
		}
	}()

	cfg := a.Config()
	return a.runner.RunAll(ctx, cfg.RuntimeBindings())
}

// Run executes passes until ctx is cancelled, waiting the configured
// interval between them.
func (a *App) Run(ctx context.Context) error {
	for {
		err := a.RunOnce(ctx)
		if retry.IsCancellation(err) || ctx.Err() != nil {
			log.Println("[App] Stopping scheduler")
			return nil
		}
		if err != nil {
			log.Printf("[App] Run failed: %v", err)
		}

		wait := time.Duration(a.Config().App.WaitTimeSeconds) * time.Second
		log.Printf("[App] Next run in %s", wait)
		if err := a.sleep(ctx, wait); err != nil {
			log.Println("[App] Stopping scheduler")
			return nil
		}
	}
}

// Reload applies new settings. Settings that do not fit the environment
// are rejected and the previous configuration stays in effect. A pass in
// progress finishes with the old settings.
func (a *App) Reload(settings *config.Settings) error {
	old := a.Config()
	cfg := &config.Config{Env: old.Env, Settings: *settings}
	if err := cfg.Validate(); err != nil {
		log.Printf("[App] Reload rejected: %v", err)
		return err
	}
	if cfg.App.StateFile != old.App.StateFile {
		log.Printf("[App] state_file changed to %s; takes effect after restart", cfg.App.StateFile)
		cfg.App.StateFile = old.App.StateFile
	}
	if err := locales.Init(cfg.App.Language); err != nil {
		log.Printf("[App] Failed to switch language to %s: %v", cfg.App.Language, err)
	}

	a.runMu.Lock()
	defer a.runMu.Unlock()
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	for _, c := range a.components {
		c.UpdateConfig(cfg)
	}
	log.Printf("[App] Configuration reloaded: %d binding(s)", len(cfg.Bindings))
	return nil
}

// ComponentHealth is the probe result of one component.
type ComponentHealth struct {
	Name string `json:"name"`
	models.HealthStatus
}

// Health probes every component. The error is non-nil when any probe
// failed.
func (a *App) Health(ctx context.Context) ([]ComponentHealth, error) {
	cfg := a.Config()
	out := make([]ComponentHealth, 0, len(a.components))
	var errs []error
	for _, c := range a.components {
		status := c.HealthCheck(ctx, cfg)
		out = append(out, ComponentHealth{Name: c.Name(), HealthStatus: status})
		if status.Status != models.HealthOK {
			errs = append(errs, fmt.Errorf("%s: %s", c.Name(), status.Message))
		}
	}
	return out, errors.Join(errs...)
}

// Shutdown releases every component in reverse order of construction.
func (a *App) Shutdown() {
	for i := len(a.components) - 1; i >= 0; i-- {
		a.components[i].Shutdown()
	}
	log.Println("[App] Shutdown complete")
}
