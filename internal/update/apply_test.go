package update

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fleetd/agent/internal/controlplane"
	"github.com/klauspost/compress/zstd"
)

func writeTarZst(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd.NewWriter: %v", err)
	}
	tw := tar.NewWriter(zw)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	tw.Close()
	zw.Close()
	path := filepath.Join(t.TempDir(), "build.tar.zst")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestApplyBuildPreservesAssetAndConfigs(t *testing.T) {
	binPath := t.TempDir()
	progDir := filepath.Join(binPath, "p1")
	if err := os.MkdirAll(filepath.Join(progDir, "asset"), 0o755); err != nil {
		t.Fatalf("mkdir asset: %v", err)
	}
	if err := os.WriteFile(filepath.Join(progDir, "asset", "data.bin"), []byte("asset-data"), 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}
	if err := os.WriteFile(filepath.Join(progDir, "config.yaml"), []byte("user: edited"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	archivePath := writeTarZst(t, map[string]string{"bin/p": "new binary"})

	program := controlplane.Program{
		ID:   1,
		Name: "p1",
		Kind: controlplane.ProgramCustom,
		Custom: controlplane.ProgramConfig{
			Configs: []controlplane.ConfigRef{{ConfigID: 9, RelPath: "config.yaml"}},
		},
	}
	applier := &FilesystemApplier{BinPath: binPath}
	u := Update{PID: 1, Kind: controlplane.UpdateBuild, Data: FetchedData{ArchivePath: archivePath}}

	if err := applier.Apply(program, u); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	gotBin, err := os.ReadFile(filepath.Join(progDir, "bin", "p"))
	if err != nil {
		t.Fatalf("reading new binary: %v", err)
	}
	if string(gotBin) != "new binary" {
		t.Fatalf("unexpected binary content: %q", gotBin)
	}

	gotAsset, err := os.ReadFile(filepath.Join(progDir, "asset", "data.bin"))
	if err != nil {
		t.Fatalf("asset not preserved: %v", err)
	}
	if string(gotAsset) != "asset-data" {
		t.Fatalf("unexpected asset content: %q", gotAsset)
	}

	gotCfg, err := os.ReadFile(filepath.Join(progDir, "config.yaml"))
	if err != nil {
		t.Fatalf("config not preserved: %v", err)
	}
	if string(gotCfg) != "user: edited" {
		t.Fatalf("unexpected config content: %q", gotCfg)
	}
}

func TestApplyAssetRemovesWhenFetchedDataEmpty(t *testing.T) {
	binPath := t.TempDir()
	assetDir := filepath.Join(binPath, "p2", "asset")
	if err := os.MkdirAll(assetDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(assetDir, "x"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	applier := &FilesystemApplier{BinPath: binPath}
	program := controlplane.Program{ID: 2, Name: "p2", Kind: controlplane.ProgramCustom}
	u := Update{PID: 2, Kind: controlplane.UpdateAsset, AssetExists: false}

	if err := applier.Apply(program, u); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := os.Stat(assetDir); !os.IsNotExist(err) {
		t.Fatalf("expected asset dir removed, stat err=%v", err)
	}
}

func TestApplyConfigWritesRelPath(t *testing.T) {
	binPath := t.TempDir()
	applier := &FilesystemApplier{BinPath: binPath}
	program := controlplane.Program{
		ID:   3,
		Name: "p3",
		Kind: controlplane.ProgramCustom,
		Custom: controlplane.ProgramConfig{
			Configs: []controlplane.ConfigRef{{ConfigID: 4, RelPath: "nested/conf.json"}},
		},
	}
	u := Update{PID: 3, Kind: controlplane.UpdateConfig, ConfigID: 4, Data: FetchedData{ConfigBytes: []byte(`{"a":1}`), RelPath: "nested/conf.json"}}

	if err := applier.Apply(program, u); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(binPath, "p3", "nested", "conf.json"))
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("unexpected config content: %q", got)
	}
}
