// Hosuto is the single-host agent supervisor daemon.
//
// It spawns one hako worker per agent package, monitors worker health over
// the Worker Control Protocol, restarts crashed workers under a bounded
// backoff policy, and exposes a /workers admin API next to its own /health
// and /status endpoints.
//
// Environment variables:
//
//	HOSUTO_DB_PATH            - SQLite database file (default: "hosuto.db")
//	HOSUTO_HTTP_ADDR          - health + admin API address (default: ":8080")
//	HOSUTO_ADMIN_TOKEN        - bearer token for the admin routes (optional)
//	HOSUTO_RUNTIME            - "process" (default) or "docker"
//	HOSUTO_HAKO_BIN           - worker binary for the process runtime (default: "hako")
//	HOSUTO_STOP_GRACE         - SIGTERM-to-SIGKILL grace period (default: 10s)
//	HOSUTO_WORKER_IMAGE       - container image for the docker runtime
//	HOSUTO_DOCKER_NETWORK     - bridge network for workers (default: "hosuto")
//	HOSUTO_MAX_RESTARTS       - restart budget per worker (default: 5)
//	HOSUTO_RESTART_DELAY      - initial restart backoff (default: 2s)
//	HOSUTO_RESTART_MAX_DELAY  - restart backoff cap (default: 1m)
//	HOSUTO_FAILED_GRACE       - failed-health grace before recycle (default: 30s)
//	HOSUTO_PROBE_INTERVAL     - health polling period (default: 5s)
//	HOSUTO_RECONCILE_INTERVAL - drift-detection cadence (default: 30s)
//	LOG_LEVEL                 - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT                - "text" or "json" (default: "text")
package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/bdobrica/Hosuto/common/environment"
	"github.com/bdobrica/Hosuto/internal/hosuto/app"
	"github.com/bdobrica/Hosuto/internal/hosuto/supervisor"
)

func main() {
	cfg := &app.Config{
		DatabasePath: environment.StringOr("HOSUTO_DB_PATH", "hosuto.db"),
		HTTPAddr:     environment.StringOr("HOSUTO_HTTP_ADDR", ":8080"),
		AdminToken:   os.Getenv("HOSUTO_ADMIN_TOKEN"),

		Runtime:       environment.StringOr("HOSUTO_RUNTIME", "process"),
		HakoBin:       environment.StringOr("HOSUTO_HAKO_BIN", "hako"),
		StopGrace:     environment.DurationOr("HOSUTO_STOP_GRACE", 10*time.Second),
		WorkerImage:   os.Getenv("HOSUTO_WORKER_IMAGE"),
		DockerNetwork: os.Getenv("HOSUTO_DOCKER_NETWORK"),

		Policy: supervisor.Policy{
			MaxRestarts:     environment.IntOr("HOSUTO_MAX_RESTARTS", 5),
			RestartDelay:    environment.DurationOr("HOSUTO_RESTART_DELAY", 2*time.Second),
			RestartMaxDelay: environment.DurationOr("HOSUTO_RESTART_MAX_DELAY", time.Minute),
			FailedGrace:     environment.DurationOr("HOSUTO_FAILED_GRACE", 30*time.Second),
			ProbeInterval:   environment.DurationOr("HOSUTO_PROBE_INTERVAL", 5*time.Second),
		},
		ReconcileInterval: environment.DurationOr("HOSUTO_RECONCILE_INTERVAL", 30*time.Second),

		LogLevel:  environment.StringOr("LOG_LEVEL", "info"),
		LogFormat: environment.StringOr("LOG_FORMAT", "text"),
	}

	hosuto, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize hosuto", "err", err)
		os.Exit(1)
	}

	if err := hosuto.Run(); err != nil {
		slog.Error("hosuto exited with error", "err", err)
		hosuto.Stop()
		os.Exit(1)
	}
	hosuto.Stop()
}
