// Package update implements the per-program update pipeline: a tagged-union
// state machine (New → GetData → Terminate → Apply) driven once per tick
// from the kernel's Main stage, with the triggering check running in
// HandlePollEvents.
package update

import (
	"github.com/fleetd/agent/internal/controlplane"
	"github.com/fleetd/agent/internal/ecs"
	"github.com/fleetd/agent/internal/persist"
	"github.com/fleetd/agent/internal/supervisor"
)

// State tags the lifecycle phase of one in-flight Update entity.
type State int

const (
	StateNew State = iota
	StateGetData
	StateTerminate
	StateApply
)

// FetchedData is whatever GetData retrieved for this update: a downloaded
// archive path+hash for Build/Asset, or raw bytes for Config. The zero value
// on an Asset-not-exists update, which skips the download entirely.
type FetchedData struct {
	// Build/Asset: staged archive.
	ArchivePath string
	ArchiveHash string
	// Config: raw file bytes and the config's relative path.
	ConfigBytes []byte
	RelPath     string
}

// DataHandle is a background artifact fetch in progress; Ready reports
// completion without blocking, matching the original's is_finished() poll.
type DataHandle interface {
	Ready() (done bool, data FetchedData, err error)
}

// Update is the per-update-entity component. Equality for "no identical
// pending Update entity" is on (PID, Kind) only, per spec.md §4.6 invariant
// 1 — never on State or FetchedData.
type Update struct {
	PID         int32
	Kind        controlplane.UpdateKind
	AssetExists bool // only meaningful when Kind == UpdateAsset
	ConfigID    int32
	State       State
	Handle      DataHandle
	Data        FetchedData
}

// SameWork reports whether two updates target the same (pid, kind), the
// equality the checker uses to avoid spawning a duplicate in-flight update.
func (u Update) SameWork(other Update) bool {
	return u.PID == other.PID && u.Kind == other.Kind
}

// PointConfigChanged and ProgramUpdateAvailable are the two triggers that
// make sys_update_checker re-run get_update_data.
type PointConfigChanged struct{}
type ProgramUpdateAvailable struct{}

// ProgramHashesChanged is emitted by the Apply phase on success; the Save
// stage's hash-saver system watches it to persist hashes.dat.
type ProgramHashesChanged struct{}

// Fetcher is the seam over the control-plane client's GetUpdateData call.
type Fetcher interface {
	GetUpdateData(hashes persist.HashSet) (controlplane.UpdateData, error)
}

// Checker runs in stage HandlePollEvents: on a trigger event, snapshot
// hashes, augment with placeholders for builtins, recompute config hashes
// from disk, and ask the control plane for at most one update.
type Checker struct {
	Fetch      Fetcher
	Hashes     *persist.HashSet
	ConfigHash func(program controlplane.Program) []persist.ConfigHash
	NodeConfig func() controlplane.NodeConfig
}

// Run checks the trigger buses and spawns a new Update entity in state New
// if the server names pending work with no identical in-flight entity.
func (c *Checker) Run(s *ecs.Store, pointCfg *ecs.EventBus[PointConfigChanged], progData *ecs.EventBus[ProgramUpdateAvailable]) error {
	if len(pointCfg.Observe()) == 0 && len(progData.Observe()) == 0 {
		return nil
	}

	cfg := c.NodeConfig()
	for _, p := range cfg.Programs {
		if p.Kind == controlplane.ProgramBuiltin {
			c.Hashes.Upsert(p.ID)
		}
	}
	for _, p := range cfg.Programs {
		if p.Kind != controlplane.ProgramCustom {
			continue
		}
		rec := c.Hashes.Upsert(p.ID)
		rec.ClearConfigs()
		if c.ConfigHash != nil {
			for _, ch := range c.ConfigHash(p) {
				rec.SetConfig(ch.ConfigID, ch.Hash)
			}
		}
	}

	data, err := c.Fetch.GetUpdateData(*c.Hashes)
	if err != nil {
		return err
	}
	if data.Kind == controlplane.UpdateNone || data.Kind == "" {
		return nil
	}

	candidate := Update{PID: data.PID, Kind: data.Kind, AssetExists: data.AssetExists, ConfigID: data.ConfigID}
	exists := false
	ecs.With1(s, func(_ ecs.EntityID, u Update) {
		if u.SameWork(candidate) {
			exists = true
		}
	})
	if exists {
		return nil
	}

	candidate.State = StateNew
	s.Spawn(candidate)
	return nil
}

// Downloader is the seam over DownloadProgram/DownloadAsset/GetProgramConfig.
type Downloader interface {
	DownloadProgram(pid int32, stagingDir string) (controlplane.DownloadResult, error)
	DownloadAsset(pid int32, stagingDir string) (controlplane.DownloadResult, error)
	GetProgramConfig(configID int32) (controlplane.ConfigGetResult, error)
}

// Applier executes the filesystem mutation for a completed update; see
// apply.go.
type Applier interface {
	Apply(program controlplane.Program, u Update) error
}

// Pipeline drives the per-tick state transitions for every Update entity.
type Pipeline struct {
	Downloads  Downloader
	StagingDir string
	Applier    Applier
	NodeConfig func() controlplane.NodeConfig
	Hashes     *persist.HashSet
	Reports    supervisor.StatusReporter
	HashesChg  *ecs.EventBus[ProgramHashesChanged]
}

// Run advances every Update entity by one tick's worth of state transition.
func (p *Pipeline) Run(s *ecs.Store, terminateReqs *ecs.EventBus[supervisor.TerminateRequest]) {
	for _, id := range ecs.All[Update](s) {
		u, ok := ecs.Get[Update](s, id)
		if !ok {
			continue
		}
		switch u.State {
		case StateNew:
			p.handleNew(s, id, u)
		case StateGetData:
			p.handleGetData(s, id, u)
		case StateTerminate:
			p.handleTerminate(s, id, u, terminateReqs)
		case StateApply:
			p.handleApply(s, id, u)
		}
	}
}

func (p *Pipeline) handleNew(s *ecs.Store, id ecs.EntityID, u Update) {
	if u.Kind == controlplane.UpdateAsset && !u.AssetExists {
		u.Data = FetchedData{} // nothing to fetch, remove asset directly
		u.State = StateTerminate
		ecs.Insert(s, id, u)
		return
	}
	u.Handle = p.startDownload(u)
	u.State = StateGetData
	ecs.Insert(s, id, u)
}

func (p *Pipeline) startDownload(u Update) DataHandle {
	switch u.Kind {
	case controlplane.UpdateBuild:
		return newBackgroundHandle(func() (FetchedData, error) {
			res, err := p.Downloads.DownloadProgram(u.PID, p.StagingDir)
			if err != nil {
				return FetchedData{}, err
			}
			return FetchedData{ArchivePath: res.TempPath, ArchiveHash: res.Hash}, nil
		})
	case controlplane.UpdateAsset:
		return newBackgroundHandle(func() (FetchedData, error) {
			res, err := p.Downloads.DownloadAsset(u.PID, p.StagingDir)
			if err != nil {
				return FetchedData{}, err
			}
			return FetchedData{ArchivePath: res.TempPath, ArchiveHash: res.Hash}, nil
		})
	case controlplane.UpdateConfig:
		return newBackgroundHandle(func() (FetchedData, error) {
			res, err := p.Downloads.GetProgramConfig(u.ConfigID)
			if err != nil {
				return FetchedData{}, err
			}
			relPath := configRelPath(p.NodeConfig(), u.PID, u.ConfigID)
			return FetchedData{ConfigBytes: res.Data, RelPath: relPath}, nil
		})
	}
	return newBackgroundHandle(func() (FetchedData, error) { return FetchedData{}, nil })
}

func configRelPath(cfg controlplane.NodeConfig, pid, configID int32) string {
	prog, ok := cfg.ProgramByID(pid)
	if !ok {
		return ""
	}
	for _, c := range prog.Custom.Configs {
		if c.ConfigID == configID {
			return c.RelPath
		}
	}
	return ""
}

func (p *Pipeline) handleGetData(s *ecs.Store, id ecs.EntityID, u Update) {
	done, data, err := u.Handle.Ready()
	if !done {
		return
	}
	if err != nil {
		s.Despawn(id) // silent despawn; a later poll will retry
		return
	}
	u.Data = data
	u.State = StateTerminate
	ecs.Insert(s, id, u)
}

func (p *Pipeline) handleTerminate(s *ecs.Store, id ecs.EntityID, u Update, terminateReqs *ecs.EventBus[supervisor.TerminateRequest]) {
	stopped := supervisor.RequestTerminate(s, terminateReqs, u.PID, false)
	if !stopped {
		return
	}
	u.State = StateApply
	ecs.Insert(s, id, u)
}

func (p *Pipeline) handleApply(s *ecs.Store, id ecs.EntityID, u Update) {
	defer s.Despawn(id)

	cfg := p.NodeConfig()
	prog, ok := cfg.ProgramByID(u.PID)
	if !ok {
		p.reportError(u.PID, "program no longer in config")
		return
	}

	if err := p.Applier.Apply(prog, u); err != nil {
		p.reportError(u.PID, err.Error())
		return
	}

	p.updateHash(u)
	p.HashesChg.Emit(ProgramHashesChanged{})
	p.reportSuccess(u)
}

func (p *Pipeline) updateHash(u Update) {
	rec := p.Hashes.Upsert(u.PID)
	switch u.Kind {
	case controlplane.UpdateBuild:
		rec.SetBuild(u.Data.ArchiveHash)
	case controlplane.UpdateAsset:
		rec.SetAsset(u.Data.ArchiveHash, u.AssetExists)
	case controlplane.UpdateConfig:
		rec.SetConfig(u.ConfigID, HashBytes(u.Data.ConfigBytes))
	}
}

func (p *Pipeline) reportError(pid int32, descr string) {
	if p.Reports == nil {
		return
	}
	id := pid
	p.Reports.Report(controlplane.Report{Type: controlplane.ReportInternalError, ProgramID: &id, Description: descr})
}

func (p *Pipeline) reportSuccess(u Update) {
	if p.Reports == nil {
		return
	}
	id := u.PID
	var rt controlplane.ReportType
	switch u.Kind {
	case controlplane.UpdateBuild:
		rt = controlplane.ReportBuildUpdate
	case controlplane.UpdateAsset:
		rt = controlplane.ReportAssetUpdate
	case controlplane.UpdateConfig:
		rt = controlplane.ReportConfigUpdate
	}
	p.Reports.Report(controlplane.Report{Type: rt, ProgramID: &id})
}

// backgroundHandle runs fn on a dedicated goroutine and exposes is_finished
// semantics via Ready — matching the original's thread::spawn + JoinHandle
// pattern generalized to a channel-backed poll.
type backgroundHandle struct {
	done chan struct{}
	data FetchedData
	err  error
}

func newBackgroundHandle(fn func() (FetchedData, error)) *backgroundHandle {
	h := &backgroundHandle{done: make(chan struct{})}
	go func() {
		h.data, h.err = fn()
		close(h.done)
	}()
	return h
}

func (h *backgroundHandle) Ready() (bool, FetchedData, error) {
	select {
	case <-h.done:
		return true, h.data, h.err
	default:
		return false, FetchedData{}, nil
	}
}
