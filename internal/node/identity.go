package node

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/findag/findag-core/internal/types"
)

// LoadOrCreateIdentity reads a hex-encoded Ed25519 private key from path,
// generating and durably writing a fresh one on first run. Written via the
// same write-temp-fsync-rename discipline internal/store uses for its
// manifest side-car, so a crash mid-write never leaves a half-written key on
// disk.
func LoadOrCreateIdentity(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- path is operator-supplied via config, not request input.
	if err == nil {
		return decodeIdentity(raw)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := writeIdentityAtomic(path, priv); err != nil {
		return nil, err
	}
	return priv, nil
}

func decodeIdentity(raw []byte) (ed25519.PrivateKey, error) {
	trimmed := make([]byte, 0, len(raw))
	for _, b := range raw {
		if b == '\n' || b == '\r' || b == ' ' {
			continue
		}
		trimmed = append(trimmed, b)
	}
	key := make([]byte, ed25519.PrivateKeySize)
	n, err := hex.Decode(key, trimmed)
	if err != nil || n != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity file does not contain a valid ed25519 private key")
	}
	return ed25519.PrivateKey(key), nil
}

func writeIdentityAtomic(path string, priv ed25519.PrivateKey) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("mkdir identity dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".identity-*")
	if err != nil {
		return fmt.Errorf("create temp identity file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	encoded := hex.EncodeToString(priv)
	if _, err := tmp.WriteString(encoded); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp identity file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp identity file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp identity file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("chmod temp identity file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp identity file: %w", err)
	}
	return nil
}

// addressFromPub derives a types.Address from an Ed25519 public key: the
// address space is defined as the raw public key bytes (spec §3), so this is
// a plain copy, not a fingerprint hash.
func addressFromPub(pub ed25519.PublicKey) types.Address {
	var out types.Address
	copy(out[:], pub)
	return out
}
