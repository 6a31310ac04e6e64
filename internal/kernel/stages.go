package kernel

import (
	"github.com/fleetd/agent/internal/controlplane"
	"github.com/fleetd/agent/internal/identity"
	"github.com/fleetd/agent/internal/streammux"
	"github.com/fleetd/agent/internal/update"
)

// pollServer drives one control-plane poll. Local socket accept/read is
// handled continuously by the ipc server's own background accept loops
// (started once in New), not on the tick goroutine — this stage only owns
// the blocking network round-trip spec.md §5 calls a suspension point.
func (k *Kernel) pollServer() {
	if k.State() != StateNormal {
		return
	}
	k.lastPoll, k.lastPollErr = k.cfg.DataClient.Poll()
}

// handlePollEvents translates the raw poll result into typed events for
// HandlePollEvents-stage subscribers, runs the update checker against
// those events, drains the dispatcher's inbound IPC requests, and attempts
// a send-queue drain.
func (k *Kernel) handlePollEvents() {
	k.dispatch.Run(k.ipc.Requests())

	if k.lastPollErr != nil {
		k.cfg.Log.Warn("poll failed", "error", k.lastPollErr)
	} else {
		switch k.lastPoll.Kind {
		case controlplane.PollNotRegistered:
			k.reregister()
		case controlplane.PollPointConfigChanged:
			if err := k.cfg.NodeConfig.Refresh(); err != nil {
				k.cfg.Log.Error("refreshing node config failed", "error", err)
			} else {
				k.binPath = k.cfg.NodeConfig.Base().BinPath
				k.sys.BinPath = k.binPath
				if fa, ok := k.cfg.Applier.(*update.FilesystemApplier); ok {
					fa.BinPath = k.binPath
				}
				k.pointCfgBus.Emit(update.PointConfigChanged{})
			}
		case controlplane.PollProgramDataChanged:
			k.progDataBus.Emit(update.ProgramUpdateAvailable{})
		case controlplane.PollCmd:
			k.handleCmd(k.lastPoll)
		case controlplane.PollStream:
			k.attachReqBus.Emit(streammux.AttachRequest{StreamID: k.lastPoll.StreamID, PID: k.lastPoll.PID})
		}
	}

	if err := k.checker.Run(k.store, k.pointCfgBus, k.progDataBus); err != nil {
		k.cfg.Log.Warn("update check failed", "error", err)
	}

	if k.State() == StateNormal {
		if err := k.queue.TryDrain(k.cfg.DataClient); err != nil {
			k.cfg.Log.Warn("send queue drain failed", "error", err)
		}
	}
}

// handleCmd acknowledges an admin command pushed by the control plane.
// Executing a reboot or selfupdate is an external-process concern outside
// the kernel's scope (spec.md §1 Non-goals); the kernel only reports that
// the command arrived.
func (k *Kernel) handleCmd(res controlplane.PollResult) {
	var rt controlplane.ReportType
	switch res.Cmd {
	case controlplane.CmdReboot:
		rt = controlplane.ReportReboot
	case controlplane.CmdSelfupdate:
		rt = controlplane.ReportSelfupdate
	default:
		return
	}
	k.queue.Report(controlplane.Report{Type: rt})
}

// reregister runs the registration handshake and persists the granted
// token, reacting to a NotRegistered poll result.
func (k *Kernel) reregister() {
	res, err := k.cfg.DataClient.Register(k.cfg.NodeName, k.cfg.FirmName)
	if err != nil {
		k.cfg.Log.Warn("registration failed", "error", err)
		return
	}
	if res.Kind != controlplane.RegisterOK {
		k.cfg.Log.Info("registration pending", "kind", res.Kind)
		return
	}
	k.cert.Auth = &identity.Auth{ID: res.AuthID, Token: res.AuthTok}
	k.cert.FirmID = res.FirmID
	k.cert.FirmName = res.FirmName
	if err := k.cfg.Identity.Save(k.cert); err != nil {
		k.cfg.Log.Error("saving granted identity failed", "error", err)
		return
	}
	k.cfg.Log.Info("registration complete")
}

// mainStage attaches requested streams, runs the supervisor's five ordered
// systems, advances update pipelines, and progresses stream transfers, in
// that order — matching the
// Main-stage system order spec.md §4.5/§4.6/§4.7 depend on for same-tick
// and next-tick event visibility.
func (k *Kernel) mainStage() {
	if k.State() == StateShutdown {
		return
	}
	k.attacher.Run(k.store, k.attachReqBus)
	k.sys.Run(k.store, k.terminateReqBus, k.runReqBus)
	k.pipeline.Run(k.store, k.terminateReqBus)
	k.pump.Run(k.store, k.runReqBus)
}

// saveStage persists changed program hashes, refills the send queue from
// disk, and — on Emergency/Shutdown — spills every must-have item to disk
// before the tick loop exits.
func (k *Kernel) saveStage() {
	if err := k.hashSaver.Run(k.hashesChgBus.Observe(), k.hashes); err != nil {
		k.cfg.Log.Error("saving hashes failed", "error", err)
	}

	st := k.State()
	if st == StateEmergency || st == StateShutdown {
		if err := k.queue.Drain(); err != nil {
			k.cfg.Log.Error("drain failed", "error", err)
		}
		return
	}

	if err := k.queue.RefillFromDisk(); err != nil {
		k.cfg.Log.Warn("send queue refill failed", "error", err)
	}
}
