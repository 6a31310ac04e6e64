// Package streammux attaches a running program's stdio to a remote TCP
// socket, pumping at most one chunk per direction per tick so the main loop
// never blocks on a slow peer.
package streammux

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/fleetd/agent/internal/ecs"
	"github.com/fleetd/agent/internal/supervisor"
)

// pollTimeout bounds every non-blocking socket read this package performs,
// matching the sub-millisecond readiness poll spec.md §5 calls for, widened
// slightly since Go's net.Conn has no true non-blocking mode.
const pollTimeout = time.Millisecond

// streamBufSize is the chunk size read from the remote socket per tick,
// matching STREAM_BUF_SIZE in the original streamer.
const streamBufSize = 4096

// State tags an attached Stream's lifecycle: Run means waiting for the
// target program to have a live Run component, Transfer means actively
// pumping data both ways.
type State int

const (
	StateRun State = iota
	StateTransfer
)

// Stream marks an Exec entity as attached to a remote socket.
type Stream struct {
	StreamID int64
	PID      int32
	Conn     net.Conn
	State    State
}

// AttachRequest is emitted on a poll Stream{stream_id, pid} result.
type AttachRequest struct {
	StreamID int64
	PID      int32
}

// Dialer opens the remote stream socket and performs the stream-attach
// handshake, returning the live connection.
type Dialer func(streamID int64) (net.Conn, error)

// Attacher runs first in stage Main: for every AttachRequest naming an
// Exec without an existing Stream, dial the remote socket and attach it in
// state Run.
type Attacher struct {
	Dial Dialer
}

func (a *Attacher) Run(s *ecs.Store, requests *ecs.EventBus[AttachRequest]) {
	for _, req := range requests.Observe() {
		already := false
		ecs.With1(s, func(_ ecs.EntityID, st Stream) {
			if st.PID == req.PID {
				already = true
			}
		})
		if already {
			continue
		}

		id, ok := findExec(s, req.PID)
		if !ok {
			continue
		}

		conn, err := a.Dial(req.StreamID)
		if err != nil {
			continue
		}
		if err := sendAttachFrame(conn, req.StreamID); err != nil {
			conn.Close()
			continue
		}
		ecs.Insert(s, id, Stream{StreamID: req.StreamID, PID: req.PID, Conn: conn, State: StateRun})
	}
}

func findExec(s *ecs.Store, pid int32) (ecs.EntityID, bool) {
	var found ecs.EntityID
	ok := false
	ecs.With1(s, func(id ecs.EntityID, ex supervisor.Exec) {
		if ex.PID == pid {
			found, ok = id, true
		}
	})
	return found, ok
}

// sendAttachFrame writes the stream id as 8 big-endian bytes with no length
// prefix, the minimal handshake the remote side needs to route subsequent
// bytes.
func sendAttachFrame(conn net.Conn, streamID int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(streamID))
	_, err := conn.Write(buf[:])
	return err
}

// Pump runs stage Main, after the supervisor's systems: the Run→Transfer
// promotion and the one-chunk-per-direction transfer loop.
type Pump struct{}

// Run advances every Stream entity by at most one tick's worth of I/O.
func (p *Pump) Run(s *ecs.Store, runReqs *ecs.EventBus[supervisor.RunRequest]) {
	type target struct {
		id     ecs.EntityID
		stream Stream
		run    supervisor.Run
		hasRun bool
	}
	var targets []target

	ecs.With1(s, func(id ecs.EntityID, st Stream) {
		run, hasRun := ecs.Get[supervisor.Run](s, id)
		targets = append(targets, target{id: id, stream: st, run: run, hasRun: hasRun})
	})

	for _, t := range targets {
		switch t.stream.State {
		case StateRun:
			if t.hasRun {
				t.stream.State = StateTransfer
				ecs.Insert(s, t.id, t.stream)
			} else {
				runReqs.Emit(supervisor.RunRequest{PID: t.stream.PID})
			}
		case StateTransfer:
			if !t.hasRun {
				// Terminator rule: the program died out from under the
				// stream; the remote side discovers this via a failed
				// write/read on its end.
				ecs.Remove[Stream](s, t.id)
				t.stream.Conn.Close()
				continue
			}
			if broken := pumpOnce(t.stream, t.run); broken {
				ecs.Remove[Stream](s, t.id)
				t.stream.Conn.Close()
			}
		}
	}
}

// pumpOnce moves at most one chunk of child stdout to the socket and at
// most one chunk of socket data to the child's stdin, reporting whether the
// connection broke.
func pumpOnce(st Stream, run supervisor.Run) (broken bool) {
	select {
	case chunk, ok := <-run.Stdout:
		if !ok {
			return true
		}
		if _, err := st.Conn.Write(chunk); err != nil {
			return true
		}
	default:
	}

	st.Conn.SetReadDeadline(time.Now().Add(pollTimeout))
	buf := make([]byte, streamBufSize)
	n, err := st.Conn.Read(buf)
	if n > 0 {
		if _, werr := run.Child.StdinWrite(buf[:n]); werr != nil {
			return true
		}
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false
		}
		return true
	}
	return false
}

// DialStream opens a TCP connection to host:streamPort for the production
// Dialer; stream-attach framing is performed by sendAttachFrame after dial.
func DialStream(host string, streamPort int, deadline time.Duration) Dialer {
	return func(streamID int64) (net.Conn, error) {
		addr := fmt.Sprintf("%s:%d", host, streamPort)
		return net.DialTimeout("tcp", addr, deadline)
	}
}
