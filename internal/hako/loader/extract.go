package loader

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxFileBytes caps a single extracted file to keep a malformed archive from
// exhausting the disk.
const maxFileBytes = 256 * 1024 * 1024 // 256 MiB

// materialize extracts an archive into the work directory and returns the
// package root. Extraction is idempotent: the destination is keyed by the
// archive digest, an existing destination is reused, and a failed extraction
// is fully removed before the error is returned.
func (l *Loader) materialize(archivePath string) (string, error) {
	digest, err := fileDigest(archivePath)
	if err != nil {
		return "", fmt.Errorf("digest archive: %w", err)
	}

	base := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(archivePath), ".tgz"), ".tar.gz")
	dest := filepath.Join(l.workDir, base+"-"+digest[:12])

	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	if err := os.MkdirAll(l.workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}

	staging, err := os.MkdirTemp(l.workDir, ".staging-")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	if err := extractTarGz(archivePath, staging); err != nil {
		os.RemoveAll(staging)
		return "", err
	}

	if err := os.Rename(staging, dest); err != nil {
		os.RemoveAll(staging)
		// A concurrent load may have won the rename; reuse its result.
		if _, statErr := os.Stat(dest); statErr == nil {
			return dest, nil
		}
		return "", fmt.Errorf("finalize extraction: %w", err)
	}
	return dest, nil
}

// extractTarGz unpacks a .tar.gz archive into dest, rejecting entries that
// would escape it. Only directories and regular files are materialized.
func extractTarGz(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		target, err := secureJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("tar: mkdir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if hdr.Size > maxFileBytes {
				return fmt.Errorf("tar: entry %s exceeds %d bytes", hdr.Name, maxFileBytes)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("tar: mkdir for %s: %w", hdr.Name, err)
			}
			if err := writeFile(target, tr, hdr); err != nil {
				return err
			}
		default:
			// Symlinks, devices, etc. have no place in an agent package.
			return fmt.Errorf("tar: unsupported entry type %d for %s", hdr.Typeflag, hdr.Name)
		}
	}
}

func writeFile(target string, tr *tar.Reader, hdr *tar.Header) error {
	mode := os.FileMode(hdr.Mode).Perm()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("tar: create %s: %w", hdr.Name, err)
	}
	if _, err := io.Copy(out, io.LimitReader(tr, maxFileBytes+1)); err != nil {
		out.Close()
		return fmt.Errorf("tar: write %s: %w", hdr.Name, err)
	}
	return out.Close()
}

// secureJoin joins an archive entry name onto dest, refusing traversal.
func secureJoin(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("tar: entry %q escapes the package root", name)
	}
	return filepath.Join(dest, clean), nil
}

// fileDigest returns the sha256 hex digest of the file at path.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
