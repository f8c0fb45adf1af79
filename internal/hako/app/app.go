// Package app wires the hako worker subsystems: readiness machine, package
// loader, and the WCP server.
//
// Startup order is fixed: bind the WCP listener first so the supervisor can
// probe health immediately, then load the package, then flip readiness. A
// load failure moves the worker to Failed but keeps it alive serving health;
// a bind failure is fatal.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bdobrica/Hosuto/common/observability"
	"github.com/bdobrica/Hosuto/common/version"
	"github.com/bdobrica/Hosuto/internal/hako/control"
	"github.com/bdobrica/Hosuto/internal/hako/loader"
	"github.com/bdobrica/Hosuto/internal/hako/readiness"
)

// Config holds the hako worker configuration. All values are loaded from
// environment variables by cmd/hako/main.go.
type Config struct {
	// AgentID is the supervisor-assigned worker identity.
	AgentID string

	// PackagePath is the agent package artifact: a directory or a
	// .tgz/.tar.gz archive containing agent.yaml.
	PackagePath string

	// WCPAddr is the TCP address for the WCP HTTP server (e.g. ":8700").
	WCPAddr string

	// WCPToken, when non-empty, is the bearer token WCP clients must supply
	// on /invoke and /status. When empty, authentication is disabled.
	WCPToken string

	// WorkDir is where package archives are extracted. Empty selects a
	// per-user temp subdirectory.
	WorkDir string

	// LogLevel is "debug", "info", "warn", or "error". Defaults to "info".
	LogLevel string
	// LogFormat is "text" or "json". Defaults to "text".
	LogFormat string
}

// App is the hako worker application.
type App struct {
	cfg       *Config
	state     *readiness.State
	ldr       *loader.Loader
	wcpServer *control.Server
	startedAt time.Time
}

// New creates and initialises the worker subsystems. It does NOT start any
// goroutines or touch the package; call Run() for that.
func New(cfg *Config) (*App, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent ID is required")
	}
	if cfg.PackagePath == "" {
		return nil, fmt.Errorf("package path is required")
	}
	observability.Setup(cfg.LogLevel, cfg.LogFormat)

	addr := cfg.WCPAddr
	if addr == "" {
		addr = ":8700"
	}

	app := &App{
		cfg:       cfg,
		state:     readiness.New(),
		ldr:       loader.New(cfg.WorkDir),
		startedAt: time.Now(),
	}
	app.wcpServer = control.New(addr, control.Config{
		AgentID:   cfg.AgentID,
		Version:   version.Version,
		StartedAt: app.startedAt,
		Token:     cfg.WCPToken,
	}, app.state)
	return app, nil
}

// Run starts the WCP server, loads the package, and blocks until a shutdown
// signal is received. The returned error is non-nil only for fatal startup
// failures (listener bind); a package load failure leaves the worker running
// in the Failed state so the supervisor can observe it via /health.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.wcpServer.Start(ctx); err != nil {
		return fmt.Errorf("start wcp server: %w", err)
	}

	a.loadPackage()

	slog.Info("hako worker started",
		"agent_id", a.cfg.AgentID,
		"version", version.Version,
		"state", a.state.Current().Phase.String(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	slog.Info("received shutdown signal")

	cancel()
	a.Stop()
	return nil
}

// Stop shuts down the WCP server cleanly.
func (a *App) Stop() {
	a.wcpServer.Stop()
}

// loadPackage resolves the configured artifact and flips readiness. Failures
// are absorbed into the Failed state; they never crash the worker.
func (a *App) loadPackage() {
	pkg, err := a.ldr.Load(a.cfg.PackagePath)
	if err != nil {
		kind := loader.Kind(err)
		if kind == "" {
			kind = loader.KindCorrupt
		}
		slog.Error("package load failed",
			"path", a.cfg.PackagePath,
			"kind", string(kind),
			"err", err,
		)
		if ferr := a.state.MarkFailed(string(kind)); ferr != nil {
			slog.Warn("could not record failure", "err", ferr)
		}
		return
	}

	a.wcpServer.RegisterPackage(pkg)
	if err := a.state.MarkReady(); err != nil {
		slog.Error("could not mark ready", "err", err)
		return
	}
	slog.Info("worker ready",
		"package", pkg.Manifest.Metadata.Name,
		"package_version", pkg.Manifest.Metadata.Version,
	)
}

// State exposes the readiness machine for tests.
func (a *App) State() readiness.Snapshot {
	return a.state.Current()
}
