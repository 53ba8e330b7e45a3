// Package block is the cold-storage backend internal/archive and
// internal/snapshot write through: a sealed WAL segment or a Parquet
// snapshot file is just a named blob to either of them, so both share
// one narrow interface instead of each hand-rolling local/S3 I/O.
package block

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Storage is the blob-store surface archive and snapshot actually
// exercise: write a segment or snapshot file, stat it to check whether
// it's already been archived, list what's present, and read it back
// for disaster recovery. There is no delete, copy, or stats method
// because nothing in this tree ever removes or inspects cold storage
// once written — deletion of the *local* copy is wal.Manager.Checkpoint's
// job, not this package's.
type Storage interface {
	Reader(ctx context.Context, path string) (io.ReadCloser, error)
	Writer(ctx context.Context, path string) (io.WriteCloser, error)
	Stat(ctx context.Context, path string) (*Metadata, error)
	List(ctx context.Context, prefix string) ([]*Metadata, error)
}

// Metadata describes one stored blob.
type Metadata struct {
	Path    string
	Size    int64
	ModTime int64
	ETag    string
}

// Config selects and configures a Storage backend.
type Config struct {
	Type    string            `json:"type"` // local, s3
	BaseDir string            `json:"base_dir"`
	Options map[string]string `json:"options"`
}

// Factory builds a Storage backend from Config.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

// Create returns the backend named by config.Type.
func (f *Factory) Create(config Config) (Storage, error) {
	switch config.Type {
	case "local", "filesystem", "fs":
		return NewLocalFS(config)
	case "s3":
		return NewS3FS(config)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}

// StorageError wraps a backend operation failure with the op and path
// that produced it.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ErrNotFound is the sentinel a backend wraps when the requested blob
// doesn't exist. internal/archive.ArchiveSealed does not call
// IsNotFound: it treats any Stat error as "not archived yet".
var ErrNotFound = &StorageError{Op: "stat", Err: fmt.Errorf("file not found")}

// IsNotFound reports whether err indicates a missing blob.
func IsNotFound(err error) bool {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return errors.Is(storageErr.Err, ErrNotFound.Err)
	}
	return false
}
