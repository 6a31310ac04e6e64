package archive

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func buildTarZst(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd.NewWriter: %v", err)
	}
	tw := tar.NewWriter(zw)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zstd Close: %v", err)
	}

	path := filepath.Join(t.TempDir(), "archive.tar.zst")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestExtractWritesFilesAndDirs(t *testing.T) {
	archivePath := buildTarZst(t, map[string]string{
		"bin/p":       "#!/bin/sh\necho hi\n",
		"data/nested/file.txt": "contents",
	})

	dest := filepath.Join(t.TempDir(), "out")
	if err := Extract(archivePath, dest); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "bin/p"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(got) != "#!/bin/sh\necho hi\n" {
		t.Fatalf("unexpected content: %q", got)
	}

	got, err = os.ReadFile(filepath.Join(dest, "data/nested/file.txt"))
	if err != nil {
		t.Fatalf("reading nested file: %v", err)
	}
	if string(got) != "contents" {
		t.Fatalf("unexpected nested content: %q", got)
	}
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	archivePath := buildTarZst(t, map[string]string{
		"../escape.txt": "bad",
	})

	dest := filepath.Join(t.TempDir(), "out")
	if err := Extract(archivePath, dest); err == nil {
		t.Fatalf("expected traversal entry to be rejected")
	}
}
