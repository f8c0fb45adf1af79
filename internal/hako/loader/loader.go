// Package loader resolves an agent package artifact into a live handler.
//
// An artifact is either a directory or a .tgz/.tar.gz archive containing an
// agent.yaml manifest at its root. Archives are materialized under the
// loader's work directory; a failed extraction leaves no partial state
// behind (staging dir plus atomic rename).
package loader

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bdobrica/Hosuto/common/spec/bundle"
	"github.com/bdobrica/Hosuto/internal/hako/handler"
)

// ErrorKind classifies a package load failure.
type ErrorKind string

const (
	// KindNotFound means the artifact path does not reference a readable
	// file or directory.
	KindNotFound ErrorKind = "not_found"
	// KindCorrupt means the artifact exists but could not be materialized
	// or its manifest failed to parse or validate.
	KindCorrupt ErrorKind = "corrupt"
	// KindEntryPointMissing means the manifest's declared entry point could
	// not be resolved (unknown built-in, or the command file is absent).
	KindEntryPointMissing ErrorKind = "entrypoint_missing"
	// KindEntryPointRaised means the entry point resolved but its
	// initialization failed.
	KindEntryPointRaised ErrorKind = "entrypoint_raised"
)

// LoadError is the typed failure returned by Load. It never crashes the
// host; the worker reports it through the readiness machine instead.
type LoadError struct {
	Kind ErrorKind
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load package (%s): %v", e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Kind extracts the ErrorKind from err, or "" when err is not a LoadError.
func Kind(err error) ErrorKind {
	var le *LoadError
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// LoadedPackage is the immutable result of a successful load. It is shared
// read-only across concurrent invocation handlers for the worker's lifetime.
type LoadedPackage struct {
	// Handler is the package's bound entry point.
	Handler handler.Handler
	// Manifest is the validated agent.yaml.
	Manifest *bundle.Manifest
	// Dir is the materialized package root.
	Dir string
	// Hash is the sha256 hex digest of the manifest bytes.
	Hash string
}

// Loader materializes and binds agent packages.
type Loader struct {
	// workDir is where archives are extracted. Defaults to a per-user temp
	// subdirectory when empty.
	workDir string
}

// New creates a Loader extracting archives under workDir (created on
// demand). An empty workDir selects <os.TempDir()>/hako-packages.
func New(workDir string) *Loader {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "hako-packages")
	}
	return &Loader{workDir: workDir}
}

// Load resolves the artifact at path into a LoadedPackage. All failures are
// *LoadError values tagged with an ErrorKind.
func (l *Loader) Load(path string) (*LoadedPackage, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Kind: KindNotFound, Err: err}
	}

	pkgDir := path
	if !info.IsDir() {
		if !isArchive(path) {
			return nil, &LoadError{
				Kind: KindCorrupt,
				Err:  fmt.Errorf("%s: not a directory or .tar.gz archive", path),
			}
		}
		pkgDir, err = l.materialize(path)
		if err != nil {
			return nil, &LoadError{Kind: KindCorrupt, Err: err}
		}
	}

	data, err := os.ReadFile(filepath.Join(pkgDir, bundle.ManifestFilename))
	if err != nil {
		return nil, &LoadError{
			Kind: KindCorrupt,
			Err:  fmt.Errorf("read manifest: %w", err),
		}
	}

	manifest, err := bundle.Parse(data)
	if err != nil {
		return nil, &LoadError{Kind: KindCorrupt, Err: err}
	}

	h, err := bind(manifest.Entrypoint, pkgDir)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	slog.Info("package loaded",
		"name", manifest.Metadata.Name,
		"version", manifest.Metadata.Version,
		"hash", hash[:12],
	)

	return &LoadedPackage{
		Handler:  h,
		Manifest: manifest,
		Dir:      pkgDir,
		Hash:     hash,
	}, nil
}

// bind resolves the manifest entry point to a live handler.
func bind(ep bundle.Entrypoint, pkgDir string) (handler.Handler, error) {
	if ep.Command != "" {
		h, err := handler.NewExec(ep, pkgDir)
		if err != nil {
			return nil, &LoadError{Kind: KindEntryPointMissing, Err: err}
		}
		return h, nil
	}

	factory, ok := handler.Lookup(ep.Handler)
	if !ok {
		return nil, &LoadError{
			Kind: KindEntryPointMissing,
			Err: fmt.Errorf("unknown handler %q (available: %s)",
				ep.Handler, strings.Join(handler.Names(), ", ")),
		}
	}
	h, err := factory(ep, pkgDir)
	if err != nil {
		return nil, &LoadError{Kind: KindEntryPointRaised, Err: err}
	}
	return h, nil
}

func isArchive(path string) bool {
	return strings.HasSuffix(path, ".tgz") || strings.HasSuffix(path, ".tar.gz")
}
