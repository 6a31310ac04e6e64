package sendqueue

import (
	"errors"
	"testing"
	"time"

	"github.com/fleetd/agent/internal/controlplane"
)

type fakeSender struct {
	reports []controlplane.Report
	stats   []controlplane.Stat
	logs    []controlplane.Log
	failN   int // next N send calls (of any kind) fail
}

func (f *fakeSender) maybeFail() error {
	if f.failN > 0 {
		f.failN--
		return errors.New("network down")
	}
	return nil
}

func (f *fakeSender) SendReport(r controlplane.Report) error {
	if err := f.maybeFail(); err != nil {
		return err
	}
	f.reports = append(f.reports, r)
	return nil
}
func (f *fakeSender) SendStat(s controlplane.Stat) error {
	if err := f.maybeFail(); err != nil {
		return err
	}
	f.stats = append(f.stats, s)
	return nil
}
func (f *fakeSender) SendLog(l controlplane.Log) error {
	f.logs = append(f.logs, l)
	return nil
}

type fakeSpill struct{ items []Item }

func (f *fakeSpill) Push(it Item) error { f.items = append(f.items, it); return nil }
func (f *fakeSpill) Pop() (Item, bool, error) {
	if len(f.items) == 0 {
		return Item{}, false, nil
	}
	it := f.items[0]
	f.items = f.items[1:]
	return it, true, nil
}

func withFrozenClock(t *testing.T, at time.Time) {
	t.Helper()
	orig := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = orig })
}

func TestDrainPopsHeadOnSuccess(t *testing.T) {
	start := time.Now()
	withFrozenClock(t, start)

	m := New(&fakeSpill{})
	if err := m.Report(controlplane.Report{Type: controlplane.ReportStartProgram}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sender := &fakeSender{}
	if err := m.TryDrain(sender); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected queue empty after successful send, got len %d", m.Len())
	}
	if len(sender.reports) != 1 {
		t.Fatalf("expected 1 report sent, got %d", len(sender.reports))
	}
}

func TestDrainLeavesHeadOnFailure(t *testing.T) {
	start := time.Now()
	withFrozenClock(t, start)

	m := New(&fakeSpill{})
	m.Report(controlplane.Report{Type: controlplane.ReportStartProgram})

	sender := &fakeSender{failN: 1}
	if err := m.TryDrain(sender); err == nil {
		t.Fatalf("expected error from failed send")
	}
	if m.Len() != 1 {
		t.Fatalf("expected head preserved on failure, got len %d", m.Len())
	}
}

func TestDrainRespectsTrySendPeriod(t *testing.T) {
	start := time.Now()
	withFrozenClock(t, start)

	m := New(&fakeSpill{})
	m.Report(controlplane.Report{})
	m.Report(controlplane.Report{})

	sender := &fakeSender{}
	if err := m.TryDrain(sender); err != nil {
		t.Fatalf("first drain: %v", err)
	}
	if err := m.TryDrain(sender); err != nil {
		t.Fatalf("second drain (within period): %v", err)
	}
	if len(sender.reports) != 1 {
		t.Fatalf("expected only 1 send within TrySendPeriod, got %d", len(sender.reports))
	}

	withFrozenClock(t, start.Add(TrySendPeriod+time.Millisecond))
	if err := m.TryDrain(sender); err != nil {
		t.Fatalf("third drain: %v", err)
	}
	if len(sender.reports) != 2 {
		t.Fatalf("expected 2 sends after period elapsed, got %d", len(sender.reports))
	}
}

func TestOverflowSpillsMustHaveDropsLog(t *testing.T) {
	spill := &fakeSpill{}
	m := New(spill)
	for i := 0; i < MaxQueueLen; i++ {
		if err := m.Report(controlplane.Report{}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := m.Report(controlplane.Report{Type: controlplane.ReportInternalError}); err != nil {
		t.Fatalf("overflow report enqueue: %v", err)
	}
	if len(spill.items) != 1 {
		t.Fatalf("expected overflow report spilled, got %d spilled items", len(spill.items))
	}
	if err := m.Log(controlplane.Log{Message: "dropped"}); err != nil {
		t.Fatalf("overflow log enqueue: %v", err)
	}
	if len(spill.items) != 1 {
		t.Fatalf("expected best-effort log to be dropped, not spilled")
	}
}

func TestDrainOnShutdownSpillsMustHaveOnly(t *testing.T) {
	spill := &fakeSpill{}
	m := New(spill)
	m.Report(controlplane.Report{})
	m.Stat(controlplane.Stat{})
	m.Log(controlplane.Log{})

	if err := m.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected in-memory queue emptied")
	}
	if len(spill.items) != 2 {
		t.Fatalf("expected 2 must-have items spilled, got %d", len(spill.items))
	}
}

func TestRefillFromDiskOnlyWhenEmpty(t *testing.T) {
	start := time.Now()
	withFrozenClock(t, start)

	spill := &fakeSpill{items: []Item{{Kind: KindReport, EnqueuedAt: start}}}
	m := New(spill)
	m.Report(controlplane.Report{}) // queue non-empty

	if err := m.RefillFromDisk(); err != nil {
		t.Fatalf("refill: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected no refill while queue non-empty, got len %d", m.Len())
	}

	// Drain the in-memory item so the queue is empty, then refill should pull from disk.
	m.queue = nil
	withFrozenClock(t, start.Add(DiskCheckPeriod+time.Millisecond))
	if err := m.RefillFromDisk(); err != nil {
		t.Fatalf("refill: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 item refilled from disk, got %d", m.Len())
	}
}
