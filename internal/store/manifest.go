package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SchemaVersionV1 is the only manifest schema this store understands,
// matching the teacher's node/store/manifest.go forward-compatibility gate.
const SchemaVersionV1 uint32 = 1

// Manifest is the small side-car file spec §6 calls for: "a small meta
// file with the last-durable round number." Kept outside bbolt itself
// (as JSON, atomically written) so a corrupt bbolt file can still be
// diagnosed against a readable manifest, mirroring the teacher's split
// between MANIFEST.json and kv.db. LastDurableRound is written once, by
// InitGenesis (as 0), and is not updated as rounds are applied; the running
// last-applied round is kept in the store's meta bucket.
type Manifest struct {
	SchemaVersion     uint32 `json:"schema_version"`
	NetworkID         string `json:"network_id"`
	Initialized       bool   `json:"initialized"`
	LastDurableRound  uint64 `json:"last_durable_round"`
}

func manifestPath(dir string) string {
	return filepath.Join(dir, "MANIFEST.json")
}

// ReadManifest reads the manifest file, returning (nil, nil) if it does
// not yet exist (an uninitialized chain).
func ReadManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(manifestPath(dir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.SchemaVersion > SchemaVersionV1 {
		return nil, fmt.Errorf("manifest schema_version %d > supported %d", m.SchemaVersion, SchemaVersionV1)
	}
	return &m, nil
}

// WriteManifest durably, atomically writes the manifest (write-to-temp,
// fsync, rename), the same commit discipline the teacher's
// writeManifestAtomic uses.
func WriteManifest(dir string, m *Manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return atomicWriteFile(manifestPath(dir), raw)
}
