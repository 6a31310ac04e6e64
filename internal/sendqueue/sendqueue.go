// Package sendqueue implements the durable send manager: an in-memory FIFO
// bounded by MaxQueueLen, draining one item at a time to the control plane,
// with on-disk spill for must-have items that survive process restarts.
package sendqueue

import (
	"fmt"
	"time"

	"github.com/fleetd/agent/internal/controlplane"
)

// MaxQueueLen bounds the in-memory queue. Enqueueing past this limit spills
// the item directly to disk if it is must-have; best-effort items are
// dropped.
const MaxQueueLen = 25

// TrySendPeriod is the minimum interval between successive attempts to
// drain the queue head.
const TrySendPeriod = 2 * time.Second

// DiskCheckPeriod is the minimum interval between disk-spill refills.
const DiskCheckPeriod = 10 * time.Second

// Kind distinguishes must-have (Report/Stat) from best-effort (Log) items.
type Kind int

const (
	KindReport Kind = iota
	KindStat
	KindLog
)

// MustHave reports whether items of this kind survive restarts via spill.
func (k Kind) MustHave() bool { return k == KindReport || k == KindStat }

// Item is one queued send-manager payload, timestamped at enqueue so the
// server-visible delay can be computed as now-enqueueTime at send time.
type Item struct {
	EnqueuedAt time.Time
	Kind       Kind
	Report     controlplane.Report
	Stat       controlplane.Stat
	Log        controlplane.Log
}

// Sender is the seam over the control-plane client's three send calls.
type Sender interface {
	SendReport(controlplane.Report) error
	SendStat(controlplane.Stat) error
	SendLog(controlplane.Log) error
}

// Spill persists/retrieves must-have items across restarts, keyed so Pop
// returns items in ascending enqueue-timestamp order.
type Spill interface {
	Push(Item) error
	Pop() (Item, bool, error)
}

// Manager is the send queue: Report/Stat/Log enqueue, a timed drain of the
// head, and a timed disk-spill refill.
type Manager struct {
	queue []Item
	spill Spill

	lastTrySend time.Time
	lastDiskChk time.Time
}

// New returns an empty Manager backed by the given spill directory.
func New(spill Spill) *Manager {
	return &Manager{spill: spill}
}

// Len returns the current in-memory queue length.
func (m *Manager) Len() int { return len(m.queue) }

func (m *Manager) enqueue(it Item) error {
	if len(m.queue) >= MaxQueueLen {
		if it.Kind.MustHave() {
			return m.spill.Push(it)
		}
		return nil // best-effort item dropped on overflow
	}
	m.queue = append(m.queue, it)
	return nil
}

// Report enqueues a must-have report.
func (m *Manager) Report(r controlplane.Report) error {
	return m.enqueue(Item{EnqueuedAt: now(), Kind: KindReport, Report: r})
}

// Stat enqueues a must-have stat.
func (m *Manager) Stat(s controlplane.Stat) error {
	return m.enqueue(Item{EnqueuedAt: now(), Kind: KindStat, Stat: s})
}

// Log enqueues a best-effort log line.
func (m *Manager) Log(l controlplane.Log) error {
	return m.enqueue(Item{EnqueuedAt: now(), Kind: KindLog, Log: l})
}

var now = time.Now

func elapsedMS(t time.Time) int64 {
	return now().Sub(t).Milliseconds()
}

// TryDrain attempts to send the queue head if TrySendPeriod has elapsed
// since the last attempt. On success the head is popped; on failure the
// timer resets and the head is left in place — this serializes sends and
// preserves FIFO order.
func (m *Manager) TryDrain(sender Sender) error {
	if now().Sub(m.lastTrySend) < TrySendPeriod {
		return nil
	}
	if len(m.queue) == 0 {
		return nil
	}
	m.lastTrySend = now()
	head := &m.queue[0]
	switch head.Kind {
	case KindReport:
		head.Report.Delay = elapsedMS(head.EnqueuedAt)
		if err := sender.SendReport(head.Report); err != nil {
			m.lastTrySend = now()
			return fmt.Errorf("sending queue head: %w", err)
		}
	case KindStat:
		head.Stat.Delay = elapsedMS(head.EnqueuedAt)
		if err := sender.SendStat(head.Stat); err != nil {
			m.lastTrySend = now()
			return fmt.Errorf("sending queue head: %w", err)
		}
	case KindLog:
		// Best-effort: a failed log send still pops, since logs are not durable.
		head.Log.Delay = elapsedMS(head.EnqueuedAt)
		_ = sender.SendLog(head.Log)
	}
	m.queue = m.queue[1:]
	return nil
}

// RefillFromDisk attempts to pop one spilled item onto the in-memory queue
// when the queue is empty and DiskCheckPeriod has elapsed. Called every
// tick from the Save stage.
func (m *Manager) RefillFromDisk() error {
	if now().Sub(m.lastDiskChk) < DiskCheckPeriod {
		return nil
	}
	m.lastDiskChk = now()
	if len(m.queue) != 0 {
		return nil
	}
	item, ok, err := m.spill.Pop()
	if err != nil {
		return fmt.Errorf("popping spilled item: %w", err)
	}
	if !ok {
		return nil
	}
	m.queue = append(m.queue, item)
	return nil
}

// Drain is called when the application state transitions to
// Emergency/Shutdown: every must-have item is spilled; best-effort logs
// are dropped. The in-memory queue is left empty afterward.
func (m *Manager) Drain() error {
	for _, it := range m.queue {
		if it.Kind.MustHave() {
			if err := m.spill.Push(it); err != nil {
				return fmt.Errorf("spilling on shutdown: %w", err)
			}
		}
	}
	m.queue = nil
	return nil
}
