package encryption

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/graphdb-core/internal/common"
)

// Params are the Argon2id cost parameters recorded alongside the salt
// (spec §4.4 "recorded parameters: memory cost, time cost, parallelism").
type Params struct {
	TimeCost    uint32 `json:"time_cost"`
	MemoryKiB   uint32 `json:"memory_kib"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultParams are conservative interactive-unlock defaults.
func DefaultParams() Params {
	return Params{TimeCost: 1, MemoryKiB: 64 * 1024, Parallelism: 4}
}

// WrappedKey is a segment (or master) key ciphertext produced by sealing
// it with AES-256-GCM under some other key.
type WrappedKey struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"` // includes the GCM tag
	KeyID      string `json:"key_id"`     // the wrapping key's id at the time of wrap
}

// Metadata is the store's encryption state, persisted to
// <data_dir>/encryption.json. The 64-byte segment header only has 32
// spare bytes (spec §6), not enough to hold a wrapped 256-bit key plus
// nonce and GCM tag, so the wrapped segment keys live here instead,
// keyed by segment index; the header's key field is left zero
// (see DESIGN.md's Open Question decision for §4.4/§6).
type Metadata struct {
	MasterSalt     []byte                 `json:"master_salt"`
	ArgonParams    Params                 `json:"argon_params"`
	MasterKeyID    string                 `json:"master_key_id"`
	WrappedMaster  WrappedKey             `json:"wrapped_master"`
	Canary         WrappedKey             `json:"canary"`
	RevokedDevices []common.ActorID       `json:"revoked_devices"`
	SegmentKeys    map[string]WrappedKey  `json:"segment_keys"` // segment index (string) -> key wrapped by master
}

func metadataPath(dataDir string) string {
	return filepath.Join(dataDir, "encryption.json")
}

func loadMetadata(dataDir string) (Metadata, error) {
	raw, err := os.ReadFile(metadataPath(dataDir))
	if err != nil {
		return Metadata{}, err
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, fmt.Errorf("encryption: decode metadata: %w", err)
	}
	return m, nil
}

// save writes metadata atomically: write-new, fsync, rename — so a
// crash mid-rotation never leaves a half-written metadata file (spec
// §4.4 "Rotation").
func saveMetadata(dataDir string, m Metadata) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encryption: encode metadata: %w", err)
	}
	tmp := metadataPath(dataDir) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("encryption: open temp metadata: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("encryption: write temp metadata: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("encryption: fsync temp metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, metadataPath(dataDir))
}
