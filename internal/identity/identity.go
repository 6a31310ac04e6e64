// Package identity manages the node's cert.json: the host/port triple it
// was bootstrapped with plus whatever auth token registration grants it.
// Writes are guarded by a flock so a concurrent admin tool editing cert.json
// cannot race the agent's own writes.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/fleetd/agent/internal/persist"
)

// Auth is present once the node has completed registration.
type Auth struct {
	ID    int64  `json:"id"`
	Token string `json:"token"`
}

// Cert is the node's persisted identity. Auth absent means unregistered;
// most control-plane operations then fail with NotRegistered.
type Cert struct {
	Host       string `json:"host"`
	DataPort   int    `json:"data_port"`
	FilePort   int    `json:"file_port"`
	StreamPort int    `json:"stream_port"`
	Name       string `json:"name,omitempty"`
	FirmID     int64  `json:"firm_id,omitempty"`
	FirmName   string `json:"firm_name,omitempty"`
	Auth       *Auth  `json:"auth,omitempty"`
}

// Registered reports whether the node has completed the registration
// handshake and holds an auth token.
func (c *Cert) Registered() bool { return c.Auth != nil }

// Store persists Cert to a single cert.json path, serializing writes with
// an flock-guarded sibling lock file.
type Store struct {
	path string
}

// NewStore returns a Store backed by path (typically "./cert.json").
func NewStore(path string) *Store { return &Store{path: path} }

// Load reads the cert from disk. Returns the zero Cert, not an error, if
// the file does not exist (first boot).
func (s *Store) Load() (Cert, error) {
	data, err := persist.ReadFileOrNil(s.path)
	if err != nil {
		return Cert{}, err
	}
	if data == nil {
		return Cert{}, nil
	}
	var c Cert
	if err := json.Unmarshal(data, &c); err != nil {
		return Cert{}, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	return c, nil
}

// Save writes the cert atomically, holding an exclusive flock for the
// duration of the write.
func (s *Store) Save(c Cert) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cert: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating cert dir: %w", err)
	}
	return persist.WriteFileAtomic(s.path, data, 0o600)
}

// ClearAuth resets Auth to absent and persists the result — the reaction to
// a NotRegistered/AccessDenied signal from the control plane.
func (s *Store) ClearAuth(c Cert) (Cert, error) {
	c.Auth = nil
	if err := s.Save(c); err != nil {
		return Cert{}, err
	}
	return c, nil
}

func (s *Store) lock() (func(), error) {
	lockPath := s.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating cert lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening cert lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("locking cert: %w", err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
