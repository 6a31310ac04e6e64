package update

import (
	"errors"
	"testing"

	"github.com/fleetd/agent/internal/controlplane"
	"github.com/fleetd/agent/internal/ecs"
	"github.com/fleetd/agent/internal/persist"
	"github.com/fleetd/agent/internal/supervisor"
)

type fakeFetcher struct {
	result controlplane.UpdateData
	err    error
}

func (f *fakeFetcher) GetUpdateData(persist.HashSet) (controlplane.UpdateData, error) {
	return f.result, f.err
}

func fixedNodeConfig(programs ...controlplane.Program) func() controlplane.NodeConfig {
	return func() controlplane.NodeConfig { return controlplane.NodeConfig{Programs: programs} }
}

func TestCheckerSpawnsUpdateOnTrigger(t *testing.T) {
	s := ecs.NewStore()
	fetcher := &fakeFetcher{result: controlplane.UpdateData{Kind: controlplane.UpdateBuild, PID: 3}}
	checker := &Checker{
		Fetch:      fetcher,
		Hashes:     &persist.HashSet{},
		NodeConfig: fixedNodeConfig(controlplane.Program{ID: 3, Name: "p3", Kind: controlplane.ProgramCustom}),
	}

	pointCfg := ecs.NewEventBus[PointConfigChanged]()
	progData := ecs.NewEventBus[ProgramUpdateAvailable]()
	progData.Emit(ProgramUpdateAvailable{})

	if err := checker.Run(s, pointCfg, progData); err != nil {
		t.Fatalf("Run: %v", err)
	}

	found := false
	ecs.With1(s, func(_ ecs.EntityID, u Update) {
		if u.PID == 3 && u.Kind == controlplane.UpdateBuild && u.State == StateNew {
			found = true
		}
	})
	if !found {
		t.Fatalf("expected a new Update entity for pid 3")
	}
}

func TestCheckerSkipsDuplicatePendingUpdate(t *testing.T) {
	s := ecs.NewStore()
	s.Spawn(Update{PID: 3, Kind: controlplane.UpdateBuild, State: StateGetData})

	fetcher := &fakeFetcher{result: controlplane.UpdateData{Kind: controlplane.UpdateBuild, PID: 3}}
	checker := &Checker{
		Fetch:      fetcher,
		Hashes:     &persist.HashSet{},
		NodeConfig: fixedNodeConfig(controlplane.Program{ID: 3, Name: "p3", Kind: controlplane.ProgramCustom}),
	}
	progData := ecs.NewEventBus[ProgramUpdateAvailable]()
	progData.Emit(ProgramUpdateAvailable{})
	pointCfg := ecs.NewEventBus[PointConfigChanged]()

	if err := checker.Run(s, pointCfg, progData); err != nil {
		t.Fatalf("Run: %v", err)
	}

	count := 0
	ecs.With1(s, func(_ ecs.EntityID, u Update) { count++ })
	if count != 1 {
		t.Fatalf("expected no duplicate Update entity spawned, got %d", count)
	}
}

func TestCheckerNoopWithoutTrigger(t *testing.T) {
	s := ecs.NewStore()
	fetcher := &fakeFetcher{result: controlplane.UpdateData{Kind: controlplane.UpdateBuild, PID: 3}}
	checker := &Checker{Fetch: fetcher, Hashes: &persist.HashSet{}, NodeConfig: fixedNodeConfig()}

	pointCfg := ecs.NewEventBus[PointConfigChanged]()
	progData := ecs.NewEventBus[ProgramUpdateAvailable]()

	if err := checker.Run(s, pointCfg, progData); err != nil {
		t.Fatalf("Run: %v", err)
	}
	count := 0
	ecs.With1(s, func(_ ecs.EntityID, u Update) { count++ })
	if count != 0 {
		t.Fatalf("expected no spawn without a trigger event, got %d entities", count)
	}
}

type instantHandle struct {
	data FetchedData
	err  error
}

func (h instantHandle) Ready() (bool, FetchedData, error) { return true, h.data, h.err }

type fakeDownloader struct {
	program controlplane.DownloadResult
	asset   controlplane.DownloadResult
	config  controlplane.ConfigGetResult
	err     error
}

func (f *fakeDownloader) DownloadProgram(pid int32, stagingDir string) (controlplane.DownloadResult, error) {
	return f.program, f.err
}
func (f *fakeDownloader) DownloadAsset(pid int32, stagingDir string) (controlplane.DownloadResult, error) {
	return f.asset, f.err
}
func (f *fakeDownloader) GetProgramConfig(configID int32) (controlplane.ConfigGetResult, error) {
	return f.config, f.err
}

type fakeApplier struct {
	err     error
	applied []Update
}

func (f *fakeApplier) Apply(program controlplane.Program, u Update) error {
	f.applied = append(f.applied, u)
	return f.err
}

type fakeReporter struct{ reports []controlplane.Report }

func (f *fakeReporter) Report(r controlplane.Report) error {
	f.reports = append(f.reports, r)
	return nil
}

func TestPipelineNewTransitionsAssetNotExistsDirectlyToTerminate(t *testing.T) {
	s := ecs.NewStore()
	id := s.Spawn(Update{PID: 5, Kind: controlplane.UpdateAsset, AssetExists: false, State: StateNew})

	p := &Pipeline{NodeConfig: fixedNodeConfig(), Hashes: &persist.HashSet{}, HashesChg: ecs.NewEventBus[ProgramHashesChanged]()}
	terminateReqs := ecs.NewEventBus[supervisor.TerminateRequest]()
	p.Run(s, terminateReqs)

	u, _ := ecs.Get[Update](s, id)
	if u.State != StateTerminate {
		t.Fatalf("expected asset-not-exists update to skip GetData, got state %v", u.State)
	}
}

func TestPipelineAdvancesThroughFullLifecycle(t *testing.T) {
	s := ecs.NewStore()
	supervisor.Startup(s, []controlplane.Program{{ID: 7, Name: "p7", Kind: controlplane.ProgramCustom}})
	id := s.Spawn(Update{PID: 7, Kind: controlplane.UpdateBuild, State: StateNew})

	downloads := &fakeDownloader{program: controlplane.DownloadResult{TempPath: "/tmp/x.tar.zst", Hash: "deadbeef"}}
	applier := &fakeApplier{}
	reporter := &fakeReporter{}
	hashes := &persist.HashSet{}
	p := &Pipeline{
		Downloads:  downloads,
		Applier:    applier,
		NodeConfig: fixedNodeConfig(controlplane.Program{ID: 7, Name: "p7", Kind: controlplane.ProgramCustom}),
		Hashes:     hashes,
		Reports:    reporter,
		HashesChg:  ecs.NewEventBus[ProgramHashesChanged](),
	}
	terminateReqs := ecs.NewEventBus[supervisor.TerminateRequest]()

	// New -> GetData
	p.Run(s, terminateReqs)
	u, _ := ecs.Get[Update](s, id)
	if u.State != StateGetData {
		t.Fatalf("expected GetData after New, got %v", u.State)
	}

	// GetData -> Terminate, once the background download finishes.
	for i := 0; i < 100; i++ {
		p.Run(s, terminateReqs)
		u, _ = ecs.Get[Update](s, id)
		if u.State == StateTerminate {
			break
		}
	}
	if u.State != StateTerminate {
		t.Fatalf("expected Terminate eventually, stuck at %v", u.State)
	}

	// Terminate -> Apply: no Run component exists for pid 7, so it proceeds
	// immediately.
	p.Run(s, terminateReqs)
	u, _ = ecs.Get[Update](s, id)
	if u.State != StateApply {
		t.Fatalf("expected Apply after Terminate, got %v", u.State)
	}

	// Apply runs on the next tick and despawns the entity.
	p.Run(s, terminateReqs)
	if ecs.Has[Update](s, id) {
		t.Fatalf("expected update entity despawned after Apply")
	}

	if len(applier.applied) != 1 {
		t.Fatalf("expected exactly one Apply call, got %d", len(applier.applied))
	}
	if rec := hashes.ByPID(7); rec == nil || rec.BuildHash != "deadbeef" {
		t.Fatalf("expected build hash recorded, got %+v", rec)
	}
	if len(reporter.reports) != 1 || reporter.reports[0].Type != controlplane.ReportBuildUpdate {
		t.Fatalf("expected BuildUpdate report, got %+v", reporter.reports)
	}
}

func TestPipelineApplyFailureReportsErrorAndLeavesHashUnchanged(t *testing.T) {
	s := ecs.NewStore()
	id := s.Spawn(Update{PID: 7, Kind: controlplane.UpdateBuild, State: StateApply, Data: FetchedData{ArchiveHash: "newhash"}})

	applier := &fakeApplier{err: errors.New("disk full")}
	reporter := &fakeReporter{}
	hashes := &persist.HashSet{}
	hashes.Upsert(7).SetBuild("oldhash")
	p := &Pipeline{
		Applier:    applier,
		NodeConfig: fixedNodeConfig(controlplane.Program{ID: 7, Name: "p7", Kind: controlplane.ProgramCustom}),
		Hashes:     hashes,
		Reports:    reporter,
		HashesChg:  ecs.NewEventBus[ProgramHashesChanged](),
	}
	terminateReqs := ecs.NewEventBus[supervisor.TerminateRequest]()
	p.Run(s, terminateReqs)

	if ecs.Has[Update](s, id) {
		t.Fatalf("expected update despawned even on failure")
	}
	if rec := hashes.ByPID(7); rec.BuildHash != "oldhash" {
		t.Fatalf("expected hash unchanged on Apply failure, got %q", rec.BuildHash)
	}
	if len(reporter.reports) != 1 || reporter.reports[0].Type != controlplane.ReportInternalError {
		t.Fatalf("expected InternalError report, got %+v", reporter.reports)
	}
}
