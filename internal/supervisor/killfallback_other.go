//go:build !linux

package supervisor

import "fmt"

// KillByName is unsupported outside Linux: the non-IPC kill fallback
// relies on /proc/<pid>/cmdline scanning, which has no portable
// equivalent here without adding a process-listing dependency (see
// DESIGN.md).
func KillByName(name string) error {
	return fmt.Errorf("name-based kill fallback is not supported on this platform")
}
