package node

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateIdentityPersistsAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.hex")

	first, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity (create): %v", err)
	}
	second, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity (load): %v", err)
	}
	if !first.Equal(second) {
		t.Fatal("expected the same identity to be loaded back from disk")
	}
}

func TestLoadOrCreateIdentityDistinctPaths(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadOrCreateIdentity(filepath.Join(dir, "a.hex"))
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity a: %v", err)
	}
	b, err := LoadOrCreateIdentity(filepath.Join(dir, "b.hex"))
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity b: %v", err)
	}
	if a.Equal(b) {
		t.Fatal("expected distinct identity files to generate distinct keys")
	}
}
