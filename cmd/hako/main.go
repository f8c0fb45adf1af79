// Hako is the per-agent worker binary.
//
// The supervisor (hosuto) launches one hako process per agent package. All
// configuration is passed through environment variables. The worker loads
// the package named by HAKO_PACKAGE_PATH and serves the Worker Control
// Protocol on HAKO_PORT.
//
// Required environment variables:
//
//	HAKO_AGENT_ID      - supervisor-assigned worker identity (e.g. "a_8f2c")
//	HAKO_PACKAGE_PATH  - agent package artifact: directory or .tgz/.tar.gz
//
// Optional environment variables:
//
//	HAKO_PORT          - WCP listen port (default: 8700)
//	HAKO_WCP_TOKEN     - bearer token required on /invoke and /status
//	HAKO_WORK_DIR      - extraction dir for package archives (default: temp)
//	LOG_LEVEL          - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT         - "text" or "json" (default: "text")
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/bdobrica/Hosuto/common/environment"
	"github.com/bdobrica/Hosuto/internal/hako/app"
)

func main() {
	cfg := &app.Config{
		AgentID:     requireEnv("HAKO_AGENT_ID"),
		PackagePath: requireEnv("HAKO_PACKAGE_PATH"),
		WCPAddr:     fmt.Sprintf(":%d", environment.IntOr("HAKO_PORT", 8700)),
		WCPToken:    os.Getenv("HAKO_WCP_TOKEN"),
		WorkDir:     os.Getenv("HAKO_WORK_DIR"),
		LogLevel:    environment.StringOr("LOG_LEVEL", "info"),
		LogFormat:   environment.StringOr("LOG_FORMAT", "text"),
	}

	hako, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize hako", "err", err)
		os.Exit(1)
	}

	if err := hako.Run(); err != nil {
		slog.Error("hako exited with error", "err", err)
		os.Exit(1)
	}
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "fatal: required environment variable %q is not set\n", key)
		os.Exit(1)
	}
	return v
}
