// Package config holds the store's open-time configuration (spec §6).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/cuemby/graphdb-core/internal/common"
)

// Durability controls how far a write must propagate before it is
// acknowledged to the caller (spec §4.3).
type Durability int

const (
	DurabilityNone Durability = iota // no fsync; testing only
	DurabilityWAL                    // fsync WAL file before acknowledging (default)
	DurabilityFull                   // fsync WAL before acknowledging; the store keeps no base data files, so the WAL syncs exactly as for DurabilityWAL
)

func (d Durability) String() string {
	switch d {
	case DurabilityNone:
		return "none"
	case DurabilityWAL:
		return "wal"
	case DurabilityFull:
		return "full"
	default:
		return "unknown"
	}
}

func ParseDurability(s string) (Durability, error) {
	switch s {
	case "none", "":
		return DurabilityNone, nil
	case "wal":
		return DurabilityWAL, nil
	case "full":
		return DurabilityFull, nil
	default:
		return 0, fmt.Errorf("unknown durability level %q", s)
	}
}

// TransportMode selects the sync transport variant (spec §4.6).
type TransportMode string

const (
	TransportAuto     TransportMode = "auto"
	TransportDHT      TransportMode = "dht"
	TransportRelay    TransportMode = "relay"
	TransportDisabled TransportMode = "disabled"
)

// VectorIndexParams configures the HNSW-style vector index (spec §4.5).
type VectorIndexParams struct {
	M             int    `json:"m"`
	EfConstruction int   `json:"ef_construction"`
	EfSearch      int    `json:"ef_search"`
	Metric        string `json:"metric"` // "cosine" or "euclidean"
}

func DefaultVectorIndexParams() VectorIndexParams {
	return VectorIndexParams{M: 16, EfConstruction: 200, EfSearch: 50, Metric: "cosine"}
}

// EncryptionConfig configures the at-rest encryption layer (spec §4.4).
type EncryptionConfig struct {
	Enabled  bool   `json:"enabled"`
	Password string `json:"password,omitempty"`
}

// SyncTransportConfig configures peer discovery and transport (spec §4.6).
type SyncTransportConfig struct {
	Mode      TransportMode `json:"mode"`
	RelayURLs []string      `json:"relay_urls,omitempty"`
}

// ArchiveConfig configures the optional cold-storage backup tier that
// copies sealed WAL segments out before a compaction pass could ever
// delete the only local copy (internal/archive).
type ArchiveConfig struct {
	Enabled bool              `json:"enabled"`
	Type    string            `json:"type,omitempty"` // "local" or "s3", per internal/storage/block.Config
	BaseDir string            `json:"base_dir,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// Config is the complete open-time configuration for a store (spec §6).
type Config struct {
	DataDir                string              `json:"data_dir"`
	// DatabaseID identifies this logical database for sync-transport
	// topic derivation (spec §4.6/§6); defaults to DataDir when unset,
	// since a single open directory is one database in this build.
	DatabaseID             string              `json:"database_id,omitempty"`
	ActorID                common.ActorID      `json:"actor_id"`
	Durability             Durability          `json:"durability"`
	SegmentMaxBytes        int64               `json:"segment_max_bytes"`
	TombstoneRetentionDays int                 `json:"tombstone_retention_days"`
	EmbeddingDim           int                 `json:"embedding_dim,omitempty"`
	VectorIndex            VectorIndexParams   `json:"vector_index_params"`
	MaxPayloadBytes        int64               `json:"max_payload_bytes"`
	Encryption             EncryptionConfig    `json:"encryption"`
	SyncTransport          SyncTransportConfig `json:"sync_transport"`
	Archive                ArchiveConfig       `json:"archive"`
	MaxConnections         int                 `json:"max_connections"`

	// MaxOpenSegments bounds the cached sealed-segment file
	// descriptors (spec §5 Resource policy).
	MaxOpenSegments int `json:"max_open_segments"`
}

const (
	DefaultSegmentMaxBytes        = 64 * 1024 * 1024
	DefaultTombstoneRetentionDays = 30
	DefaultMaxPayloadBytes        = 16 * 1024 * 1024
	DefaultMaxConnections         = 100
	DefaultMaxOpenSegments        = 32
)

// Default returns a Config with every spec-mandated default applied,
// requiring only DataDir and ActorID to be filled in by the caller.
func Default() Config {
	return Config{
		Durability:             DurabilityWAL,
		SegmentMaxBytes:        DefaultSegmentMaxBytes,
		TombstoneRetentionDays: DefaultTombstoneRetentionDays,
		VectorIndex:            DefaultVectorIndexParams(),
		MaxPayloadBytes:        DefaultMaxPayloadBytes,
		SyncTransport:          SyncTransportConfig{Mode: TransportDisabled},
		MaxConnections:         DefaultMaxConnections,
		MaxOpenSegments:        DefaultMaxOpenSegments,
	}
}

// Validate checks the required fields and fills in any zero-valued
// defaults left by a caller-constructed Config.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.ActorID == "" {
		return fmt.Errorf("config: actor_id is required")
	}
	if c.DatabaseID == "" {
		c.DatabaseID = c.DataDir
	}
	if c.SegmentMaxBytes <= 0 {
		c.SegmentMaxBytes = DefaultSegmentMaxBytes
	}
	if c.TombstoneRetentionDays <= 0 {
		c.TombstoneRetentionDays = DefaultTombstoneRetentionDays
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxOpenSegments <= 0 {
		c.MaxOpenSegments = DefaultMaxOpenSegments
	}
	if c.VectorIndex.M == 0 && c.VectorIndex.EfConstruction == 0 && c.VectorIndex.EfSearch == 0 {
		c.VectorIndex = DefaultVectorIndexParams()
	}
	if c.SyncTransport.Mode == "" {
		c.SyncTransport.Mode = TransportDisabled
	}
	return nil
}

// LoadFile reads a JSON config document from path, applying defaults for
// anything it omits.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv overlays GRAPHDB_* environment variables onto a base config,
// following the teacher's getEnv* helper pattern.
func FromEnv(base Config) Config {
	base.DataDir = getEnvString("GRAPHDB_DATA_DIR", base.DataDir)
	base.ActorID = common.ActorID(getEnvString("GRAPHDB_ACTOR_ID", string(base.ActorID)))
	base.SegmentMaxBytes = getEnvInt64("GRAPHDB_SEGMENT_MAX_BYTES", base.SegmentMaxBytes)
	base.MaxPayloadBytes = getEnvInt64("GRAPHDB_MAX_PAYLOAD_BYTES", base.MaxPayloadBytes)
	base.MaxConnections = getEnvInt("GRAPHDB_MAX_CONNECTIONS", base.MaxConnections)
	if d := getEnvString("GRAPHDB_DURABILITY", ""); d != "" {
		if parsed, err := ParseDurability(d); err == nil {
			base.Durability = parsed
		}
	}
	if pw := os.Getenv("GRAPHDB_ENCRYPTION_PASSWORD"); pw != "" {
		base.Encryption.Enabled = true
		base.Encryption.Password = pw
	}
	return base
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

// String returns a pretty-printed JSON representation.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
