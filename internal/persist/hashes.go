package persist

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// ConfigHash is one config file's id and content hash within ProgramHash.
type ConfigHash struct {
	ConfigID int32  `msgpack:"config_id"`
	Hash     string `msgpack:"hash"`
}

// ProgramHash is the persisted hash record for one program: build hash, an
// optional asset hash, and the hash of each of its config files. An empty
// BuildHash means "force a build fetch on the next update check."
type ProgramHash struct {
	PID       int32        `msgpack:"pid"`
	BuildHash string       `msgpack:"build_hash"`
	AssetHash string       `msgpack:"asset_hash,omitempty"`
	HasAsset  bool         `msgpack:"has_asset"`
	Configs   []ConfigHash `msgpack:"configs"`
}

// HashSet is the full hashes.dat payload: one ProgramHash per program.
type HashSet struct {
	Programs []ProgramHash `msgpack:"programs"`
}

// ByPID returns a pointer to the record for pid, or nil.
func (hs *HashSet) ByPID(pid int32) *ProgramHash {
	for i := range hs.Programs {
		if hs.Programs[i].PID == pid {
			return &hs.Programs[i]
		}
	}
	return nil
}

// Upsert inserts a placeholder record for pid if none exists yet —
// "insert_builtin"/new-program bookkeeping so every configured program has a
// hash record even before its first update check.
func (hs *HashSet) Upsert(pid int32) *ProgramHash {
	if p := hs.ByPID(pid); p != nil {
		return p
	}
	hs.Programs = append(hs.Programs, ProgramHash{PID: pid})
	return &hs.Programs[len(hs.Programs)-1]
}

// SetBuild records a new build hash and resets dependent state is left to
// the caller — this only updates the field.
func (p *ProgramHash) SetBuild(hash string) { p.BuildHash = hash }

// SetAsset records a new asset hash, or clears it when present is false
// (the asset was removed).
func (p *ProgramHash) SetAsset(hash string, present bool) {
	p.AssetHash = hash
	p.HasAsset = present
}

// ClearConfigs empties the config hash list before recomputing it from disk.
func (p *ProgramHash) ClearConfigs() { p.Configs = nil }

// SetConfig upserts one config file's hash, reporting whether the value
// actually changed from what was previously recorded.
func (p *ProgramHash) SetConfig(configID int32, hash string) (changed bool) {
	for i := range p.Configs {
		if p.Configs[i].ConfigID == configID {
			changed = p.Configs[i].Hash != hash
			p.Configs[i].Hash = hash
			return changed
		}
	}
	p.Configs = append(p.Configs, ConfigHash{ConfigID: configID, Hash: hash})
	return true
}

// LoadHashes reads hashes.dat, returning an empty HashSet if it does not
// exist yet (first boot).
func LoadHashes(path string) (HashSet, error) {
	data, err := ReadFileOrNil(path)
	if err != nil {
		return HashSet{}, err
	}
	if data == nil {
		return HashSet{}, nil
	}
	var hs HashSet
	if err := msgpack.Unmarshal(data, &hs); err != nil {
		return HashSet{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return hs, nil
}

// SaveHashes writes hashes.dat atomically.
func SaveHashes(path string, hs HashSet) error {
	data, err := msgpack.Marshal(hs)
	if err != nil {
		return fmt.Errorf("encoding hashes: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating hashes dir: %w", err)
	}
	return WriteFileAtomic(path, data, 0o600)
}
