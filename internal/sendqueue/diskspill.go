package sendqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/fleetd/agent/internal/controlplane"
	"github.com/fleetd/agent/internal/persist"
)

// diskItem is the serialized form of Item, msgpack-encoded to one file per
// spilled item named by its enqueue timestamp in unix milliseconds —
// Pop then simply lists the directory and takes the lowest name.
type diskItem struct {
	EnqueuedAtUnixMS int64          `msgpack:"enqueued_at_ms"`
	Kind             Kind           `msgpack:"kind"`
	Report           *reportPayload `msgpack:"report,omitempty"`
	Stat             *statPayload   `msgpack:"stat,omitempty"`
}

type reportPayload struct {
	Type        string `msgpack:"type"`
	ProgramID   *int32 `msgpack:"program_id,omitempty"`
	Description string `msgpack:"description"`
}

type statPayload struct {
	Name string `msgpack:"name"`
	Data []byte `msgpack:"data"`
}

// DiskSpill implements Spill backed by one file per item under dir, named
// by enqueue timestamp (milliseconds since epoch) per spec.md §6
// (`./temp_send_data/<unix_millis>`).
type DiskSpill struct {
	dir string
}

// NewDiskSpill returns a DiskSpill rooted at dir, creating it if absent.
func NewDiskSpill(dir string) (*DiskSpill, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating send spill dir %s: %w", dir, err)
	}
	return &DiskSpill{dir: dir}, nil
}

// Push spills a must-have item to disk as <dir>/<enqueue_unix_ms>, or the
// next free higher number when that name is already taken.
func (d *DiskSpill) Push(it Item) error {
	di := diskItem{EnqueuedAtUnixMS: it.EnqueuedAt.UnixMilli(), Kind: it.Kind}
	switch it.Kind {
	case KindReport:
		di.Report = &reportPayload{
			Type:        string(it.Report.Type),
			ProgramID:   it.Report.ProgramID,
			Description: it.Report.Description,
		}
	case KindStat:
		di.Stat = &statPayload{Name: it.Stat.Name, Data: it.Stat.Data}
	default:
		return fmt.Errorf("kind %v is not must-have, refusing to spill", it.Kind)
	}

	data, err := msgpack.Marshal(di)
	if err != nil {
		return fmt.Errorf("encoding spill item: %w", err)
	}
	// Items enqueued in the same millisecond would share a name; bump the
	// name past any existing file so none is overwritten.
	ms := di.EnqueuedAtUnixMS
	path := filepath.Join(d.dir, strconv.FormatInt(ms, 10))
	for {
		if _, err := os.Stat(path); err != nil {
			break
		}
		ms++
		path = filepath.Join(d.dir, strconv.FormatInt(ms, 10))
	}
	return persist.WriteFileAtomic(path, data, 0o600)
}

// Pop returns and removes the item with the lowest timestamp name, or
// ok=false if the directory is empty.
func (d *DiskSpill) Pop() (Item, bool, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return Item{}, false, fmt.Errorf("listing spill dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return Item{}, false, nil
	}
	sort.Slice(names, func(i, j int) bool {
		ni, _ := strconv.ParseInt(names[i], 10, 64)
		nj, _ := strconv.ParseInt(names[j], 10, 64)
		return ni < nj
	})

	path := filepath.Join(d.dir, names[0])
	data, err := os.ReadFile(path)
	if err != nil {
		return Item{}, false, fmt.Errorf("reading spill item %s: %w", path, err)
	}
	var di diskItem
	if err := msgpack.Unmarshal(data, &di); err != nil {
		return Item{}, false, fmt.Errorf("decoding spill item %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		return Item{}, false, fmt.Errorf("removing spill item %s: %w", path, err)
	}

	it := Item{EnqueuedAt: time.UnixMilli(di.EnqueuedAtUnixMS), Kind: di.Kind}
	switch di.Kind {
	case KindReport:
		if di.Report != nil {
			it.Report = controlplane.Report{
				Type:        controlplane.ReportType(di.Report.Type),
				ProgramID:   di.Report.ProgramID,
				Description: di.Report.Description,
			}
		}
	case KindStat:
		if di.Stat != nil {
			it.Stat = controlplane.Stat{Name: di.Stat.Name, Data: di.Stat.Data}
		}
	}
	return it, true, nil
}
