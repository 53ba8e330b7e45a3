// Package archive uploads sealed WAL segments to a cold-storage tier
// before they become eligible for local deletion, so a compaction pass
// that runs wal.Manager.Checkpoint never destroys the only copy of a
// segment's entries. It fronts WAL segment files instead of the
// teacher's Parquet blocks, but reuses internal/storage/block's
// Storage abstraction (local filesystem or S3) unchanged.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/graphdb-core/internal/storage/block"
	"github.com/cuemby/graphdb-core/internal/wal"
)

// Archiver copies sealed WAL segments to a block.Storage backend under
// a "segments/" prefix, keyed by the segment's zero-padded index with a
// ".wal" suffix (the on-disk file uses ".seg").
type Archiver struct {
	storage block.Storage
}

// New builds an Archiver over the given block storage backend (local
// filesystem or S3, per cfg.Type — see internal/storage/block.Factory).
func New(cfg block.Config) (*Archiver, error) {
	storage, err := block.NewFactory().Create(cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create backend: %w", err)
	}
	return &Archiver{storage: storage}, nil
}

// ArchivedSegment describes one segment successfully copied to cold
// storage.
type ArchivedSegment struct {
	Index  uint64
	MinSeq uint64
	MaxSeq uint64
	Key    string
	Bytes  int64
}

// ArchiveSealed uploads every currently-sealed segment (as reported by
// wal.Manager.SealedSegments) that isn't already present in cold
// storage, returning the set it archived.
func (a *Archiver) ArchiveSealed(ctx context.Context, manager *wal.Manager) ([]ArchivedSegment, error) {
	var archived []ArchivedSegment
	for _, seg := range manager.SealedSegments() {
		key := segmentKey(seg)
		if _, err := a.storage.Stat(ctx, key); err == nil {
			continue // already archived
		}
		n, err := a.uploadFile(ctx, seg.Path, key)
		if err != nil {
			return archived, fmt.Errorf("archive: upload segment %d: %w", seg.Index, err)
		}
		archived = append(archived, ArchivedSegment{
			Index:  uint64(seg.Index),
			MinSeq: uint64(seg.MinSeq),
			MaxSeq: uint64(seg.MaxSeq),
			Key:    key,
			Bytes:  n,
		})
	}
	return archived, nil
}

// Fetch retrieves a previously archived segment's bytes, for disaster
// recovery when the local copy has been checkpointed away.
func (a *Archiver) Fetch(ctx context.Context, index uint64) (io.ReadCloser, error) {
	key := fmt.Sprintf("segments/%020d.wal", index)
	return a.storage.Reader(ctx, key)
}

// List reports every segment currently held in cold storage.
func (a *Archiver) List(ctx context.Context) ([]*block.Metadata, error) {
	return a.storage.List(ctx, "segments/")
}

func (a *Archiver) uploadFile(ctx context.Context, path, key string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := a.storage.Writer(ctx, key)
	if err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil {
		return n, copyErr
	}
	return n, closeErr
}

func segmentKey(seg wal.SegmentInfo) string {
	return fmt.Sprintf("segments/%020d.wal", seg.Index)
}
