// Package kernel wires every subsystem — the shared store, control-plane
// client, node config, send queue, supervisor, update pipeline, stream
// multiplexer and local IPC server — around one cooperative scheduler tick:
// PollServer, HandlePollEvents, Main, Save, in that fixed order, with a
// brief sleep at tick end. All component mutation happens on the tick
// goroutine; the store and event buses need no locking because only one
// system ever runs at a time.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fleetd/agent/internal/controlplane"
	"github.com/fleetd/agent/internal/ecs"
	"github.com/fleetd/agent/internal/identity"
	"github.com/fleetd/agent/internal/ipcserver"
	"github.com/fleetd/agent/internal/nodeconfig"
	"github.com/fleetd/agent/internal/persist"
	"github.com/fleetd/agent/internal/sendqueue"
	"github.com/fleetd/agent/internal/streammux"
	"github.com/fleetd/agent/internal/supervisor"
	"github.com/fleetd/agent/internal/update"
)

// TickInterval is the default sleep at the end of every tick.
const TickInterval = 25 * time.Millisecond

// AppState is the startup/shutdown flag subsystems poll at stage
// boundaries; Emergency and Shutdown both mean "no new work, drain to
// disk" but Shutdown additionally stops the tick loop once drained.
type AppState int32

const (
	StateInit AppState = iota
	StateNormal
	StateEmergency
	StateShutdown
)

func (st AppState) String() string {
	switch st {
	case StateInit:
		return "init"
	case StateNormal:
		return "normal"
	case StateEmergency:
		return "emergency"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// DataClient is everything the kernel needs from the data-port connection:
// polling, registration, update-data queries and the three send-queue
// drain calls. *controlplane.Client satisfies it in production; tests
// substitute a fake so the tick loop never touches a real socket.
type DataClient interface {
	Poll() (controlplane.PollResult, error)
	Register(name, firm string) (controlplane.RegisterResult, error)
	GetUpdateData(hashes persist.HashSet) (controlplane.UpdateData, error)
	SendReport(controlplane.Report) error
	SendStat(controlplane.Stat) error
	SendLog(controlplane.Log) error
}

// Config bundles every already-constructed collaborator the kernel
// orchestrates. Callers (cmd/agentd) build these from the bootstrap file,
// cert and node config, then hand them to New.
type Config struct {
	DataClient DataClient
	FileClient update.Downloader

	NodeConfig *nodeconfig.Manager
	Identity   *identity.Store

	HashesPath string
	StagingDir string // temp_download: per-update artifact staging
	SpillDir   string // temp_send_data: must-have send items spilled on shutdown

	Applier      update.Applier
	Spawner      supervisor.Spawner // defaults to supervisor.ExecSpawner
	Terminator   supervisor.Terminator
	KillFallback supervisor.KillFallback
	StreamDialer streammux.Dialer

	NodeName string
	FirmName string

	TickInterval time.Duration
	Log          *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.TickInterval == 0 {
		c.TickInterval = TickInterval
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Spawner == nil {
		c.Spawner = supervisor.ExecSpawner
	}
	if c.KillFallback == nil {
		c.KillFallback = supervisor.KillByName
	}
}

// Kernel owns the shared store, every event bus, and the collaborators
// each stage drives.
type Kernel struct {
	cfg   Config
	store *ecs.Store
	state atomic.Int32

	pointCfgBus     *ecs.EventBus[update.PointConfigChanged]
	progDataBus     *ecs.EventBus[update.ProgramUpdateAvailable]
	hashesChgBus    *ecs.EventBus[update.ProgramHashesChanged]
	terminateReqBus *ecs.EventBus[supervisor.TerminateRequest]
	runReqBus       *ecs.EventBus[supervisor.RunRequest]
	attachReqBus    *ecs.EventBus[streammux.AttachRequest]

	queue     *sendqueue.Manager
	checker   *update.Checker
	pipeline  *update.Pipeline
	attacher  *streammux.Attacher
	pump      *streammux.Pump
	hashSaver *update.HashSaver
	sys       *supervisor.Systems
	ipc       *ipcserver.Server
	dispatch  *ipcserver.Dispatcher

	hashes  persist.HashSet
	cert    identity.Cert
	binPath string // base.BinPath, kept in sync on every PointConfigChanged refresh

	lastPoll    controlplane.PollResult
	lastPollErr error
}

// New constructs a Kernel: bootstraps the node config and cert, loads
// hashes.dat, spawns one Exec entity per configured program, and binds the
// local IPC listeners under the synced ipc_dir. The tick loop is not
// started until Run is called.
func New(cfg Config) (*Kernel, error) {
	cfg.applyDefaults()

	k := &Kernel{
		cfg:   cfg,
		store: ecs.NewStore(),

		pointCfgBus:     ecs.NewEventBus[update.PointConfigChanged](),
		progDataBus:     ecs.NewEventBus[update.ProgramUpdateAvailable](),
		hashesChgBus:    ecs.NewEventBus[update.ProgramHashesChanged](),
		terminateReqBus: ecs.NewEventBus[supervisor.TerminateRequest](),
		runReqBus:       ecs.NewEventBus[supervisor.RunRequest](),
		attachReqBus:    ecs.NewEventBus[streammux.AttachRequest](),
	}
	k.state.Store(int32(StateInit))

	cert, err := cfg.Identity.Load()
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	k.cert = cert

	hashes, err := persist.LoadHashes(cfg.HashesPath)
	if err != nil {
		return nil, fmt.Errorf("loading hashes: %w", err)
	}
	k.hashes = hashes

	updated, err := cfg.NodeConfig.Bootstrap()
	if err != nil {
		return nil, fmt.Errorf("bootstrapping node config: %w", err)
	}

	spill, err := sendqueue.NewDiskSpill(cfg.SpillDir)
	if err != nil {
		return nil, fmt.Errorf("opening send spill: %w", err)
	}
	k.queue = sendqueue.New(spill)
	if updated {
		k.queue.Report(controlplane.Report{Type: controlplane.ReportPointConfigUpdate})
	}

	base := cfg.NodeConfig.Base()
	k.binPath = base.BinPath
	if cfg.Applier == nil {
		// bin_path/ipc_dir are only known once NodeConfig has bootstrapped,
		// so these two can't be defaulted in applyDefaults like
		// Spawner/KillFallback/Log are.
		cfg.Applier = &update.FilesystemApplier{BinPath: base.BinPath}
	}
	if cfg.Terminator == nil {
		cfg.Terminator = &ipcserver.ProgramTerminator{IPCDir: base.IPCDir}
	}
	supervisor.Startup(k.store, cfg.NodeConfig.Current().Programs)

	k.sys = &supervisor.Systems{
		Spawn:        cfg.Spawner,
		SendTerm:     cfg.Terminator,
		KillFallback: cfg.KillFallback,
		Reports:      k.queue,
		BinPath:      base.BinPath,
		Log:          cfg.Log,
	}

	k.checker = &update.Checker{
		Fetch:      cfg.DataClient,
		Hashes:     &k.hashes,
		ConfigHash: k.configHashesFromDisk,
		NodeConfig: cfg.NodeConfig.Current,
	}
	k.pipeline = &update.Pipeline{
		Downloads:  cfg.FileClient,
		StagingDir: cfg.StagingDir,
		Applier:    cfg.Applier,
		NodeConfig: cfg.NodeConfig.Current,
		Hashes:     &k.hashes,
		Reports:    k.queue,
		HashesChg:  k.hashesChgBus,
	}
	k.hashSaver = &update.HashSaver{Path: cfg.HashesPath}

	k.attacher = &streammux.Attacher{Dial: cfg.StreamDialer}
	k.pump = &streammux.Pump{}

	k.ipc = ipcserver.New()
	if base.IPCDir != "" {
		if err := k.ipc.Listen(managerBindings(base.IPCDir)); err != nil {
			return nil, fmt.Errorf("starting ipc listeners: %w", err)
		}
	}
	k.dispatch = &ipcserver.Dispatcher{Queue: k.queue, NodeConfig: cfg.NodeConfig.Current}

	k.state.Store(int32(StateNormal))
	return k, nil
}

// State returns the current application state.
func (k *Kernel) State() AppState { return AppState(k.state.Load()) }

// SetState transitions the application state; subsystems observe it at the
// next stage boundary.
func (k *Kernel) SetState(st AppState) { k.state.Store(int32(st)) }

// Tick runs the four ordered stages once, then swaps every event bus so
// this tick's events remain visible through the next tick only.
func (k *Kernel) Tick() {
	k.pollServer()
	k.handlePollEvents()
	k.mainStage()
	k.saveStage()
	k.swapBuses()
}

func (k *Kernel) swapBuses() {
	k.pointCfgBus.Swap()
	k.progDataBus.Swap()
	k.hashesChgBus.Swap()
	k.terminateReqBus.Swap()
	k.runReqBus.Swap()
	k.attachReqBus.Swap()
}

// Run drives the tick loop until ctx is canceled or a SIGINT/SIGTERM
// arrives, then drains the send queue to disk before returning.
func (k *Kernel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			k.cfg.Log.Info("shutdown signal received")
		case <-ctx.Done():
		}
		k.SetState(StateShutdown)
		cancel()
	}()

	k.cfg.Log.Info("kernel starting", "tick_interval", k.cfg.TickInterval)

	for {
		start := time.Now()
		stopping := k.State() == StateShutdown
		k.Tick()

		if stopping {
			// State was Shutdown before this tick began, so saveStage
			// already spilled every must-have item this tick.
			k.cfg.Log.Info("shut down")
			k.ipc.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			// One more tick lets saveStage observe Shutdown and drain
			// before the loop exits above.
			k.SetState(StateShutdown)
			continue
		default:
		}

		if elapsed := time.Since(start); elapsed < k.cfg.TickInterval {
			time.Sleep(k.cfg.TickInterval - elapsed)
		}
	}
}

// managerBindings names the agent's own inbound socket pair under ipc_dir,
// one per supported codec, per spec.md §6's manager_mp/manager_json naming.
func managerBindings(ipcDir string) []ipcserver.Binding {
	return []ipcserver.Binding{
		{Addr: filepath.Join(ipcDir, "manager_mp"), Codec: controlplane.MsgpackCodec{}},
		{Addr: filepath.Join(ipcDir, "manager_json"), Codec: controlplane.JSONCodec{}},
	}
}

// configHashesFromDisk is the update checker's ConfigHash seam, reading each
// configured file's current bytes from binPath/name/rel_path and hashing
// them the same way the Apply phase does for written configs. binPath is
// read fresh from k on every call so a PointConfigChanged refresh takes
// effect without rebuilding the closure.
func (k *Kernel) configHashesFromDisk(p controlplane.Program) []persist.ConfigHash {
	var out []persist.ConfigHash
	for _, c := range p.Custom.Configs {
		path := filepath.Join(k.binPath, p.Name, c.RelPath)
		data, err := persist.ReadFileOrNil(path)
		if err != nil || data == nil {
			continue
		}
		out = append(out, persist.ConfigHash{ConfigID: c.ConfigID, Hash: update.HashBytes(data)})
	}
	return out
}
