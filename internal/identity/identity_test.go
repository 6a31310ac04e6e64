package identity

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingCertIsUnregistered(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "cert.json"))

	c, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Registered() {
		t.Fatalf("expected unregistered cert from missing file")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "cert.json"))

	c := Cert{Host: "edge.example.com", DataPort: 9000, Auth: &Auth{ID: 7, Token: "tok"}}
	if err := s.Save(c); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.Registered() || got.Auth.ID != 7 || got.Auth.Token != "tok" {
		t.Fatalf("got %+v", got)
	}
}

func TestClearAuth(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "cert.json"))

	c := Cert{Host: "edge.example.com", Auth: &Auth{ID: 1, Token: "x"}}
	cleared, err := s.ClearAuth(c)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared.Registered() {
		t.Fatalf("expected auth cleared")
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Registered() {
		t.Fatalf("expected persisted cert to have no auth")
	}
}
