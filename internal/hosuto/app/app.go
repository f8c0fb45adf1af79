// Package app wires the hosuto daemon together: the worker store, the
// runtime backend, the supervisor, and the admin HTTP server.
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
	"github.com/bdobrica/Hosuto/internal/hosuto/control"
	"github.com/bdobrica/Hosuto/internal/hosuto/runtime"
	"github.com/bdobrica/Hosuto/internal/hosuto/runtime/docker"
	"github.com/bdobrica/Hosuto/internal/hosuto/runtime/proc"
	"github.com/bdobrica/Hosuto/internal/hosuto/store"
	"github.com/bdobrica/Hosuto/internal/hosuto/supervisor"
)

// Config holds the daemon configuration.
type Config struct {
	// DatabasePath is the SQLite file holding worker records.
	DatabasePath string
	// HTTPAddr is the TCP address of the health + admin HTTP server
	// (e.g. ":8080").
	HTTPAddr string
	// AdminToken, when set, is required as a bearer token on the admin
	// routes. Empty disables auth (dev/test mode).
	AdminToken string

	// Runtime selects the worker backend: "process" (default) or "docker".
	Runtime string
	// HakoBin is the worker binary launched by the process runtime.
	// Defaults to "hako" resolved via PATH.
	HakoBin string
	// StopGrace is how long the process runtime waits between SIGTERM and
	// SIGKILL when stopping a worker.
	StopGrace time.Duration
	// WorkerImage is the container image used by the docker runtime.
	WorkerImage string
	// DockerNetwork is the bridge network workers are attached to.
	DockerNetwork string

	// Policy bounds worker crash recovery.
	Policy supervisor.Policy
	// ReconcileInterval is the drift-detection cadence. Defaults to 30s.
	ReconcileInterval time.Duration

	LogLevel  string
	LogFormat string
}

// App is the hosuto daemon.
type App struct {
	config       *Config
	store        *store.Store
	supervisor   *supervisor.Supervisor
	reconciler   *supervisor.Reconciler
	healthServer *HealthServer
}

// New creates the daemon. The database is opened and swept immediately;
// nothing is spawned until Run.
func New(config *Config) (*App, error) {
	observability.Setup(config.LogLevel, config.LogFormat)

	if config.DatabasePath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if config.HTTPAddr == "" {
		return nil, fmt.Errorf("http address is required")
	}

	slog.Info("opening database", "path", config.DatabasePath)
	db, err := store.New(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Workers recorded as live by a previous daemon run are gone; their
	// processes died with the daemon.
	if n, err := db.SweepStaleWorkers(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to sweep stale workers: %w", err)
	} else if n > 0 {
		slog.Info("swept stale worker records", "count", n)
	}

	rt, err := buildRuntime(config)
	if err != nil {
		db.Close()
		return nil, err
	}

	supv := supervisor.New(rt, db, config.Policy, nil)
	reconciler := supervisor.NewReconciler(rt, db, supv, supervisor.ReconcilerConfig{
		Interval: config.ReconcileInterval,
	})

	healthServer := NewHealthServer(config.HTTPAddr, db)
	adminAPI := control.New(db, supv, control.Config{Token: config.AdminToken})
	adminAPI.RegisterRoutes(healthServer)
	slog.Info("admin API routes registered", "addr", config.HTTPAddr, "auth", config.AdminToken != "")

	return &App{
		config:       config,
		store:        db,
		supervisor:   supv,
		reconciler:   reconciler,
		healthServer: healthServer,
	}, nil
}

// buildRuntime selects the worker backend from the config.
func buildRuntime(config *Config) (runtime.Runtime, error) {
	switch config.Runtime {
	case "", "process":
		slog.Info("using process runtime", "hako_bin", config.HakoBin)
		return proc.New(config.HakoBin, config.StopGrace), nil

	case "docker":
		networkName := config.DockerNetwork
		if networkName == "" {
			networkName = runtime.DefaultNetwork
		}
		adapter, err := docker.NewWithNetwork(config.WorkerImage, networkName)
		if err != nil {
			return nil, fmt.Errorf("docker runtime unavailable: %w", err)
		}
		if err := adapter.EnsureNetwork(context.Background()); err != nil {
			slog.Warn("could not ensure Docker network; worker spawning may fail",
				"network", networkName, "err", err)
		}
		slog.Info("using docker runtime", "image", config.WorkerImage, "network", networkName)
		return adapter, nil

	default:
		return nil, fmt.Errorf("unknown runtime %q (want process or docker)", config.Runtime)
	}
}

// Run starts the HTTP server and the reconciler, then blocks until SIGINT or
// SIGTERM.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The admin API lives on this server; failing to bind is fatal.
	if err := a.healthServer.Start(ctx); err != nil {
		return err
	}

	go a.reconciler.Run(ctx)

	slog.Info("hosuto is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop gracefully stops all supervised workers and releases resources.
func (a *App) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slog.Info("stopping supervised workers")
	a.supervisor.Shutdown(ctx)

	slog.Info("stopping health server")
	a.healthServer.Stop()

	slog.Info("closing database")
	a.store.Close()
}
