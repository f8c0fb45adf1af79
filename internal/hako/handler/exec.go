package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bdobrica/Hosuto/common/spec/bundle"
)

// maxExecOutputBytes caps a command's stdout to prevent memory exhaustion
// from a misbehaving package executable.
const maxExecOutputBytes = 4 * 1024 * 1024 // 4 MiB

// maxStderrTailBytes is how much stderr is kept for error messages.
const maxStderrTailBytes = 2048

// Exec runs a package-provided executable once per invocation: the input
// payload is written to the child's stdin and one JSON payload is read from
// its stdout. The child inherits the worker environment with the manifest's
// entrypoint env merged on top, and runs with the package root as its
// working directory.
//
// Exec is preemptive under timeouts: cancelling the invocation context kills
// the child process.
type Exec struct {
	dir     string
	command string
	args    []string
	env     map[string]string
}

// NewExec binds an exec entrypoint to the materialized package directory.
// The command must resolve to an existing regular file inside the package.
func NewExec(ep bundle.Entrypoint, pkgDir string) (*Exec, error) {
	path := filepath.Join(pkgDir, filepath.FromSlash(ep.Command))
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("entrypoint command %q: %w", ep.Command, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("entrypoint command %q is a directory", ep.Command)
	}
	return &Exec{
		dir:     pkgDir,
		command: path,
		args:    ep.Args,
		env:     ep.Env,
	}, nil
}

// Invoke implements Handler.
func (e *Exec) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	cmd := exec.CommandContext(ctx, e.command, e.args...)
	cmd.Dir = e.dir
	cmd.Env = buildEnv(e.env)
	if len(input) > 0 {
		cmd.Stdin = bytes.NewReader(input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			// Killed by context cancellation; report the deadline, not the
			// secondary signal error.
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("handler process: %w%s", err, stderrTail(&stderr))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) > maxExecOutputBytes {
		return nil, fmt.Errorf("handler process: output exceeds %d bytes", maxExecOutputBytes)
	}
	if len(out) == 0 {
		return json.RawMessage(`null`), nil
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("handler process: stdout is not valid JSON")
	}
	return json.RawMessage(out), nil
}

// buildEnv merges the worker environment with the entrypoint's env vars.
func buildEnv(extra map[string]string) []string {
	base := os.Environ()
	for k, v := range extra {
		base = append(base, k+"="+v)
	}
	return base
}

// stderrTail formats the last chunk of the child's stderr for inclusion in
// an error message.
func stderrTail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	if s == "" {
		return ""
	}
	if len(s) > maxStderrTailBytes {
		s = s[len(s)-maxStderrTailBytes:]
	}
	return ": " + s
}
