package supervisor

import (
	"log/slog"
	"time"

	"github.com/fleetd/agent/internal/controlplane"
	"github.com/fleetd/agent/internal/ecs"
)

// Systems bundles the five ordered supervisor systems with their shared
// dependencies (spawner, terminator, kill fallback, report sink, logger).
// Run calls them in order every Main-stage tick.
type Systems struct {
	Spawn        Spawner
	SendTerm     Terminator
	KillFallback KillFallback
	Reports      StatusReporter
	BinPath      string
	Log          *slog.Logger

	now func() time.Time
}

// Run executes terminate_adder, terminate_cleaner, terminator, run_checker
// and runner, in that order, against the store and its event buses.
func (sys *Systems) Run(s *ecs.Store, terminateReqs *ecs.EventBus[TerminateRequest], runReqs *ecs.EventBus[RunRequest]) {
	if sys.now == nil {
		sys.now = time.Now
	}
	sys.terminateAdder(s, terminateReqs)
	sys.terminateCleaner(s)
	sys.terminator(s)
	sys.runChecker(s)
	sys.runner(s, runReqs)
}

// terminateAdder consumes TerminateRequest events: attach a Terminate to
// any matching Exec that lacks one; otherwise refresh clear_count and latch
// hard := hard || existing.hard.
func (sys *Systems) terminateAdder(s *ecs.Store, reqs *ecs.EventBus[TerminateRequest]) {
	for _, ev := range reqs.Observe() {
		ecs.With1(s, func(id ecs.EntityID, ex Exec) {
			if ex.PID != ev.PID {
				return
			}
			if t, ok := ecs.Get[Terminate](s, id); ok {
				t.ClearCnt = 0
				if ev.Hard {
					t.Hard = true
				}
				ecs.Insert(s, id, t)
				return
			}
			if sys.Log != nil {
				sys.Log.Info("terminating program", "name", ex.Name, "pid", ex.PID)
			}
			ecs.Insert(s, id, Terminate{Hard: ev.Hard})
		})
	}
}

// terminateCleaner increments clear_count on every Exec with a Terminate;
// once it reaches ClearCntMax the component is removed.
func (sys *Systems) terminateCleaner(s *ecs.Store) {
	for _, id := range ecs.All[Terminate](s) {
		t, _ := ecs.Get[Terminate](s, id)
		if t.ClearCnt >= ClearCntMax {
			ecs.Remove[Terminate](s, id)
			continue
		}
		t.ClearCnt++
		ecs.Insert(s, id, t)
	}
}

// terminator re-issues the termination request for every Exec that has
// both Run and Terminate: an IPC terminate request carrying the Terminate's
// hard flag if the program supports IPC, otherwise an OS-level name-based
// kill, each at its own repeat period.
func (sys *Systems) terminator(s *ecs.Store) {
	type target struct {
		id ecs.EntityID
		ex Exec
		t  Terminate
	}
	var targets []target
	ecs.With2(s, func(id ecs.EntityID, ex Exec, t Terminate) {
		if !ecs.Has[Run](s, id) {
			return
		}
		targets = append(targets, target{id: id, ex: ex, t: t})
	})

	for _, tg := range targets {
		period := TerminateCheckPeriod
		useIPC := tg.ex.IPCType != ""
		if useIPC {
			period = TerminateReqRepeatPeriod
		}
		allow := !tg.t.HasReq || sys.now().Sub(tg.t.LastReqTime) >= period
		if !allow {
			continue
		}

		var err error
		if useIPC {
			if sys.SendTerm != nil {
				err = sys.SendTerm.Terminate(tg.ex.Name, tg.t.Hard, tg.ex.IPCType)
			}
		} else if sys.KillFallback != nil {
			err = sys.KillFallback(tg.ex.Name)
		}
		if err != nil && sys.Log != nil {
			sys.Log.Warn("terminate attempt failed", "name", tg.ex.Name, "error", err)
		}

		tg.t.LastReqTime = sys.now()
		tg.t.HasReq = true
		ecs.Insert(s, tg.id, tg.t)
	}
}

// runChecker removes Run from any Exec whose child has exited and enqueues
// a StopProgram report.
func (sys *Systems) runChecker(s *ecs.Store) {
	type exited struct {
		id ecs.EntityID
		ex Exec
	}
	var done []exited
	ecs.With2(s, func(id ecs.EntityID, ex Exec, r Run) {
		if r.Child.TryWait() {
			done = append(done, exited{id: id, ex: ex})
		}
	})

	for _, d := range done {
		ecs.Remove[Run](s, d.id)
		if sys.Log != nil {
			sys.Log.Info("program stopped", "name", d.ex.Name, "pid", d.ex.PID)
		}
		pid := d.ex.PID
		if sys.Reports != nil {
			sys.Reports.Report(controlplane.Report{Type: controlplane.ReportStopProgram, ProgramID: &pid})
		}
	}
}

// runner picks at most one Exec without Run and without Terminate that
// either has keep_run=true or is the target of a pending RunRequest, and
// spawns it.
func (sys *Systems) runner(s *ecs.Store, runReqs *ecs.EventBus[RunRequest]) {
	var chosen *Exec
	var chosenID ecs.EntityID

	ecs.Without1[Exec, Run](s, func(id ecs.EntityID, ex Exec) {
		if chosen != nil || ecs.Has[Terminate](s, id) {
			return
		}
		if ex.KeepRun {
			c := ex
			chosen, chosenID = &c, id
			return
		}
		for _, req := range runReqs.Observe() {
			if req.PID == ex.PID {
				c := ex
				chosen, chosenID = &c, id
				return
			}
		}
	})

	if chosen == nil {
		return
	}

	child, stdout, err := sys.Spawn(*chosen, sys.BinPath)
	if err != nil {
		if sys.Log != nil {
			sys.Log.Warn("failed to start program", "name", chosen.Name, "error", err)
		}
		return
	}
	ecs.Insert(s, chosenID, Run{Child: child, Stdout: stdout})
	if sys.Log != nil {
		sys.Log.Info("started program", "name", chosen.Name, "pid", chosen.PID)
	}
	pid := chosen.PID
	if sys.Reports != nil {
		sys.Reports.Report(controlplane.Report{Type: controlplane.ReportStartProgram, ProgramID: &pid})
	}
}
