// Package supervisor runs the five ordered systems that spawn, monitor and
// terminate managed programs: terminate_adder, terminate_cleaner,
// terminator, run_checker, runner. All five run every tick, in that order,
// from the kernel's Main stage.
package supervisor

import (
	"time"

	"github.com/fleetd/agent/internal/controlplane"
	"github.com/fleetd/agent/internal/ecs"
)

// ClearCntMax is the number of idle ticks a Terminate component survives
// without being removed, giving later systems several ticks to observe and
// react to a termination request before it is retired.
const ClearCntMax = 5

// TerminateCheckPeriod bounds how often the OS-level name-based kill
// fallback is retried for a program with no IPC channel.
const TerminateCheckPeriod = 5000 * time.Millisecond

// TerminateReqRepeatPeriod bounds how often a soft/hard terminate request is
// re-sent over local IPC while a program has not yet exited.
const TerminateReqRepeatPeriod = 5000 * time.Millisecond

// Exec is the runtime component snapshotting one program's descriptor,
// spawned once at startup from the node config.
type Exec struct {
	PID        int32
	Name       string
	KeepRun    bool
	IPCType    string // "" means no IPC fallback to OS kill is used
	Entry      string
	ArgsBefore string
	ArgsAfter  string
	IsCustom   bool
}

// Run marks an Exec with a live child process.
type Run struct {
	Child  ChildHandle
	Stdout <-chan []byte
}

// Terminate marks an Exec with a pending termination request.
type Terminate struct {
	Hard        bool
	LastReqTime time.Time
	HasReq      bool
	ClearCnt    int
}

// TerminateRequest is emitted by any subsystem (the update pipeline, an
// admin command) that wants a program stopped.
type TerminateRequest struct {
	PID  int32
	Hard bool
}

// RunRequest asks the runner to start a specific program this tick, used by
// the stream multiplexer when attaching to a stopped program.
type RunRequest struct {
	PID int32
}

// ChildHandle is the seam over a live child process, implemented by
// execChild (a real *exec.Cmd) in production and fakes in tests.
type ChildHandle interface {
	// TryWait reports whether the child has exited, without blocking.
	TryWait() (exited bool)
	// PID returns the OS process id.
	PID() int
	// StdinWrite feeds bytes to the child's stdin; used by the stream
	// multiplexer, never by the supervisor itself.
	StdinWrite(p []byte) (int, error)
}

// Spawner starts a program, returning a live handle and its stdout drain
// channel. The seam over exec.Cmd — swap with a fake in tests.
type Spawner func(ex Exec, binPath string) (ChildHandle, <-chan []byte, error)

// Terminator sends a soft/hard termination request to a program over its
// local IPC channel.
type Terminator interface {
	Terminate(name string, hard bool, ipcType string) error
}

// KillFallback sends an OS-level name-based kill to a program with no IPC
// channel (KillByName in killfallback_linux.go).
type KillFallback func(name string) error

// StatusReporter is the seam over the send queue's Report enqueue, used to
// emit StartProgram/StopProgram reports.
type StatusReporter interface {
	Report(controlplane.Report) error
}

// Startup spawns an Exec entity for every program in the node config. Call
// once at boot (or after a config replace) before running the per-tick
// systems.
func Startup(s *ecs.Store, programs []controlplane.Program) {
	for _, p := range programs {
		s.Spawn(Exec{
			PID:        p.ID,
			Name:       p.Name,
			KeepRun:    p.KeepRun,
			IPCType:    p.Custom.IPCType,
			Entry:      p.Entry,
			ArgsBefore: p.ArgsBefore,
			ArgsAfter:  p.ArgsAfter,
			IsCustom:   p.Kind == controlplane.ProgramCustom,
		})
	}
}

// IsRun reports whether the Exec for pid currently has a Run component.
func IsRun(s *ecs.Store, pid int32) bool {
	found := false
	ecs.With2(s, func(_ ecs.EntityID, ex Exec, _ Run) {
		if ex.PID == pid {
			found = true
		}
	})
	return found
}

// RequestTerminate emits a TerminateRequest and reports whether the program
// is already stopped (matching the original's "terminate" helper, which
// returns !is_run immediately since the request is only observed next
// tick).
func RequestTerminate(s *ecs.Store, bus *ecs.EventBus[TerminateRequest], pid int32, hard bool) bool {
	bus.Emit(TerminateRequest{PID: pid, Hard: hard})
	return !IsRun(s, pid)
}
