// Package nodeconfig owns the control-plane-synced node configuration:
// load-or-fetch on startup, replace-and-persist on PointConfigChanged, and
// the BaseConfig resource (poll period, bin_path, ipc_dir) subsystems read
// without needing the full program list.
package nodeconfig

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetd/agent/internal/controlplane"
	"github.com/fleetd/agent/internal/persist"
)

// BaseConfig is the subset of NodeConfig that rarely changes and that most
// subsystems only need to react to when it actually differs — exposed as
// its own resource so a program-list edit doesn't spuriously re-trigger
// poll-period-dependent logic.
type BaseConfig struct {
	PollPeriod time.Duration
	BinPath    string
	IPCDir     string
}

func baseOf(c controlplane.NodeConfig) BaseConfig {
	return BaseConfig{
		PollPeriod: time.Duration(c.PollPeriodMS) * time.Millisecond,
		BinPath:    c.BinPath,
		IPCDir:     c.IPCDir,
	}
}

// Fetcher is the seam over the control-plane client's GetPointConfig call,
// swappable in tests.
type Fetcher func() (controlplane.NodeConfig, error)

// Manager owns the current NodeConfig/BaseConfig and persists changes to
// config.json.
type Manager struct {
	path    string
	fetch   Fetcher
	log     *slog.Logger
	current controlplane.NodeConfig
	base    BaseConfig
}

// New returns a Manager that persists to path and fetches via fetch.
func New(path string, fetch Fetcher, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{path: path, fetch: fetch, log: log}
}

// Current returns the last loaded/fetched NodeConfig.
func (m *Manager) Current() controlplane.NodeConfig { return m.current }

// Base returns the current BaseConfig resource.
func (m *Manager) Base() BaseConfig { return m.base }

// Bootstrap implements the startup behavior from spec.md §4.3: try disk
// first; on miss, fetch from the control plane and persist. Returns
// pointConfigUpdated=true when a fetch happened (so the caller can emit a
// PointConfigUpdate report).
func (m *Manager) Bootstrap() (pointConfigUpdated bool, err error) {
	data, err := persist.ReadFileOrNil(m.path)
	if err != nil {
		return false, err
	}
	if data != nil {
		var cfg controlplane.NodeConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			m.log.Warn("discarding unreadable node config, will refetch", "path", m.path, "error", err)
		} else {
			m.current = cfg
			m.base = baseOf(cfg)
			return false, nil
		}
	}

	cfg, err := m.fetch()
	if err != nil {
		return false, fmt.Errorf("fetching node config: %w", err)
	}
	if err := m.replace(cfg); err != nil {
		return false, err
	}
	return true, nil
}

// Refresh reacts to a PointConfigChanged poll event: fetch and persist the
// new config, replacing the resource.
func (m *Manager) Refresh() error {
	cfg, err := m.fetch()
	if err != nil {
		return fmt.Errorf("refreshing node config: %w", err)
	}
	return m.replace(cfg)
}

func (m *Manager) replace(cfg controlplane.NodeConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding node config: %w", err)
	}
	if err := persist.WriteFileAtomic(m.path, data, 0o600); err != nil {
		return err
	}
	m.current = cfg
	m.base = baseOf(cfg)
	return nil
}
