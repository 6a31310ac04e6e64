package update

import "github.com/fleetd/agent/internal/persist"

// HashSaver persists hashes.dat once per tick, only when something actually
// changed — mirroring sys_hash_saver watching ProgramHashesChanged in the
// Save stage instead of writing unconditionally every tick.
type HashSaver struct {
	Path string
}

// Run writes hashes to Path if events holds any ProgramHashesChanged event.
// The kernel passes the bus's Observe(), which includes both this tick's and
// the previous tick's events, so one change is written on two ticks.
func (hs *HashSaver) Run(events []ProgramHashesChanged, hashes persist.HashSet) error {
	if len(events) == 0 {
		return nil
	}
	return persist.SaveHashes(hs.Path, hashes)
}
