package ipcserver

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/fleetd/agent/internal/controlplane"
)

// toProgram is a request this agent sends to a program over the program's
// own per-name socket: Terminate(hard) or GetStatus.
type toProgram struct {
	Kind string `msgpack:"kind" json:"kind"`
	Hard bool   `msgpack:"hard,omitempty" json:"hard,omitempty"`
}

type fromProgram struct {
	OK     bool   `msgpack:"ok" json:"ok"`
	Status string `msgpack:"status,omitempty" json:"status,omitempty"`
}

// ProgramTerminator implements supervisor.Terminator by dialing the target
// program's own ipc_dir/<name>.sock and sending a framed Terminate request,
// the same dial-per-call idiom the control-plane client uses.
type ProgramTerminator struct {
	IPCDir   string
	Deadline time.Duration
}

func (t *ProgramTerminator) deadline() time.Duration {
	if t.Deadline == 0 {
		return 2 * time.Second
	}
	return t.Deadline
}

func (t *ProgramTerminator) codecFor(ipcType string) (controlplane.Codec, error) {
	switch ipcType {
	case "msgpack":
		return controlplane.MsgpackCodec{}, nil
	case "json":
		return controlplane.JSONCodec{}, nil
	default:
		return nil, errors.New("program has no IPC channel")
	}
}

// Terminate sends {kind: "terminate", hard} to name's socket and waits for
// an ack. A missing socket (program not listening yet, or no IPC configured)
// is reported as an error so the supervisor falls back to an OS-level kill.
func (t *ProgramTerminator) Terminate(name string, hard bool, ipcType string) error {
	codec, err := t.codecFor(ipcType)
	if err != nil {
		return err
	}

	conn, err := net.DialTimeout("unix", t.socketPath(name), t.deadline())
	if err != nil {
		return fmt.Errorf("dialing %s: %w", name, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(t.deadline()))

	if err := controlplane.EncodeFrame(conn, codec, toProgram{Kind: "terminate", Hard: hard}); err != nil {
		return err
	}
	var resp fromProgram
	if err := controlplane.DecodeFrame(conn, codec, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("program %s declined terminate request", name)
	}
	return nil
}

// GetStatus asks name's socket for its self-reported status string.
func (t *ProgramTerminator) GetStatus(name, ipcType string) (string, error) {
	codec, err := t.codecFor(ipcType)
	if err != nil {
		return "", err
	}

	conn, err := net.DialTimeout("unix", t.socketPath(name), t.deadline())
	if err != nil {
		return "", fmt.Errorf("dialing %s: %w", name, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(t.deadline()))

	if err := controlplane.EncodeFrame(conn, codec, toProgram{Kind: "get_status"}); err != nil {
		return "", err
	}
	var resp fromProgram
	if err := controlplane.DecodeFrame(conn, codec, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (t *ProgramTerminator) socketPath(name string) string {
	return filepath.Join(t.IPCDir, name+".sock")
}
