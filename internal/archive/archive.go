// Package archive unpacks the zstd-compressed tar archives the control
// plane serves for program builds and assets, grounded on the zstd.Decoder
// usage in SnellerInc's compr package.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Extract unpacks a .tar.zst archive at archivePath into destDir, creating
// destDir if needed. destDir must not already contain the archive's entries
// — callers that need an atomic swap wipe destDir first.
func Extract(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening zstd stream: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating dir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("creating parent for %s: %w", hdr.Name, err)
			}
			if err := extractFile(tr, target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("writing %s: %w", hdr.Name, err)
			}
		default:
			// Symlinks and other special entries have no place in a program
			// directory tree; skip rather than fail the whole unpack.
		}
	}
}

func extractFile(r io.Reader, target string, mode os.FileMode) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// safeJoin joins destDir with a tar entry's name, rejecting any entry that
// would escape destDir via "../" traversal.
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	if target != destDir && !hasPrefixDir(target, destDir) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return target, nil
}

func hasPrefixDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
