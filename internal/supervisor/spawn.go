package supervisor

import (
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// stdoutBufSize is the chunk size the drain worker forwards over its
// channel, matching STDOUT_BUFSIZE in the original exec manager.
const stdoutBufSize = 4096

// execChild wraps *exec.Cmd to implement ChildHandle, mirroring the
// teacher's execProcess wrapper around *exec.Cmd.
type execChild struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	exited bool
}

func (c *execChild) PID() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// TryWait is a non-blocking check of whether the child has exited. Since
// os/exec's Wait must be called exactly once and from one goroutine, it
// only reads the exited flag that the dedicated Wait-calling goroutine
// started in ExecSpawner sets.
func (c *execChild) TryWait() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exited
}

func (c *execChild) StdinWrite(p []byte) (int, error) {
	if c.stdin == nil {
		return 0, fmt.Errorf("child has no writable stdin")
	}
	return c.stdin.Write(p)
}

func (c *execChild) markExited() {
	c.mu.Lock()
	c.exited = true
	c.mu.Unlock()
}

// resolveEntryPath returns bin_path/name/entry. It is only used for custom
// programs; buildArgs passes a builtin's entry verbatim.
func resolveEntryPath(name, entry, binPath string) string {
	return filepath.Join(binPath, name, entry)
}

// resolveEntryDir returns the working directory a custom program's entry
// should run from: the parent of its resolved entry path.
func resolveEntryDir(name, entry, binPath string) string {
	return filepath.Dir(resolveEntryPath(name, entry, binPath))
}

// buildArgs assembles args_before ∪ [resolved_entry] ∪ args_after per
// spec.md §4.5's spawn contract.
func buildArgs(ex Exec, binPath string) []string {
	var args []string
	if ex.ArgsBefore != "" {
		args = append(args, strings.Fields(ex.ArgsBefore)...)
	}
	if ex.IsCustom {
		args = append(args, resolveEntryPath(ex.Name, ex.Entry, binPath))
	} else {
		args = append(args, ex.Entry)
	}
	if ex.ArgsAfter != "" {
		args = append(args, strings.Fields(ex.ArgsAfter)...)
	}
	return args
}

// ExecSpawner is the production Spawner: it spawns a real OS process with
// its own process group (Setsid, matching the teacher's ExecProcessStarter)
// and starts a dedicated goroutine that drains stdout into a channel and
// another that waits for exit.
func ExecSpawner(ex Exec, binPath string) (ChildHandle, <-chan []byte, error) {
	args := buildArgs(ex, binPath)
	if len(args) == 0 {
		return nil, nil, fmt.Errorf("program %s has an empty command line", ex.Name)
	}

	cmd := exec.Command(args[0], args[1:]...)
	if ex.IsCustom {
		cmd.Dir = resolveEntryDir(ex.Name, ex.Entry, binPath)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("piping stdout for %s: %w", ex.Name, err)
	}
	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("piping stdin for %s: %w", ex.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %s: %w", ex.Name, err)
	}

	child := &execChild{cmd: cmd, stdin: stdinPipe}

	stdout := make(chan []byte)
	go drainStdout(stdoutPipe, stdout)
	go func() {
		_ = cmd.Wait()
		child.markExited()
	}()

	return child, stdout, nil
}

func drainStdout(r io.Reader, out chan<- []byte) {
	defer close(out)
	buf := make([]byte, stdoutBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			return
		}
	}
}
