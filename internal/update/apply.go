package update

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fleetd/agent/internal/archive"
	"github.com/fleetd/agent/internal/controlplane"
	"github.com/fleetd/agent/internal/persist"
)

// HashBytes returns the lowercase hex sha256 of data, matching the integrity
// hash the control-plane download path computes over transferred archives.
// Exported so the update checker can hash on-disk config files with the
// same function the Apply phase uses when recording their hash.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FilesystemApplier implements Applier against a real bin_path tree. It is
// the only component in the update pipeline that touches the filesystem,
// matching spec.md §4.8's "program directory tree is exclusively mutated by
// the Apply phase" shared-resource rule.
type FilesystemApplier struct {
	BinPath string
}

// Apply executes the filesystem mutation named by u.Kind against program's
// on-disk directory.
func (a *FilesystemApplier) Apply(program controlplane.Program, u Update) error {
	switch u.Kind {
	case controlplane.UpdateBuild:
		return a.applyBuild(program, u)
	case controlplane.UpdateAsset:
		return a.applyAsset(program, u)
	case controlplane.UpdateConfig:
		return a.applyConfig(program, u)
	}
	return fmt.Errorf("unknown update kind %q", u.Kind)
}

func (a *FilesystemApplier) programDir(name string) string {
	return filepath.Join(a.BinPath, name)
}

// applyBuild atomically swaps the program directory: stash asset/ and every
// configured config file under a <name>.temp sibling of the program dir,
// wipe the program dir, unpack the fetched archive, restore asset and
// configs. On failure the stash directory is left in place.
func (a *FilesystemApplier) applyBuild(program controlplane.Program, u Update) error {
	dir := a.programDir(program.Name)
	stashDir := dir + ".temp"
	if err := os.MkdirAll(stashDir, 0o755); err != nil {
		return fmt.Errorf("creating stash dir: %w", err)
	}
	assetDir := filepath.Join(dir, "asset")
	assetStash := filepath.Join(stashDir, "asset")

	if err := stashIfExists(assetDir, assetStash); err != nil {
		return fmt.Errorf("stashing asset: %w", err)
	}

	var configStashes []stashedConfig
	for _, c := range program.Custom.Configs {
		src := filepath.Join(dir, c.RelPath)
		stash := filepath.Join(stashDir, fmt.Sprintf("config_%d", c.ConfigID))
		if err := stashIfExists(src, stash); err != nil {
			return fmt.Errorf("stashing config %d: %w", c.ConfigID, err)
		}
		configStashes = append(configStashes, stashedConfig{relPath: c.RelPath, stashPath: stash})
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("wiping program dir: %w", err)
	}
	if err := archive.Extract(u.Data.ArchivePath, dir); err != nil {
		return fmt.Errorf("unpacking build archive: %w", err)
	}

	if err := restoreIfStashed(assetStash, assetDir); err != nil {
		return fmt.Errorf("restoring asset: %w", err)
	}
	for _, cs := range configStashes {
		dst := filepath.Join(dir, cs.relPath)
		if err := restoreIfStashed(cs.stashPath, dst); err != nil {
			return fmt.Errorf("restoring config %s: %w", cs.relPath, err)
		}
	}
	_ = os.RemoveAll(stashDir)
	return nil
}

type stashedConfig struct {
	relPath   string
	stashPath string
}

func stashIfExists(src, stash string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	return os.Rename(src, stash)
}

func restoreIfStashed(stash, dst string) error {
	if _, err := os.Stat(stash); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(stash, dst)
}

// applyAsset removes name/asset and, if fetched_data is present, recreates
// it by unpacking the fetched archive into it.
func (a *FilesystemApplier) applyAsset(program controlplane.Program, u Update) error {
	assetDir := filepath.Join(a.programDir(program.Name), "asset")
	if err := os.RemoveAll(assetDir); err != nil {
		return fmt.Errorf("removing asset dir: %w", err)
	}
	if u.Data.ArchivePath == "" {
		return nil
	}
	if err := archive.Extract(u.Data.ArchivePath, assetDir); err != nil {
		return fmt.Errorf("unpacking asset archive: %w", err)
	}
	return nil
}

// applyConfig writes the fetched config bytes to bin_path/name/rel_path,
// creating parent directories as needed.
func (a *FilesystemApplier) applyConfig(program controlplane.Program, u Update) error {
	if u.Data.RelPath == "" {
		return fmt.Errorf("program %s has no config %d in its config list", program.Name, u.ConfigID)
	}
	dst := filepath.Join(a.programDir(program.Name), u.Data.RelPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating config parent dir: %w", err)
	}
	return persist.WriteFileAtomic(dst, u.Data.ConfigBytes, 0o644)
}
