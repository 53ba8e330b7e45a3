package block

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalFS implements Storage against a local filesystem directory, used
// when cfg.Archive.Type is "local" (single-node or NFS-mounted cold
// storage rather than a cloud bucket).
type LocalFS struct {
	baseDir string
}

// NewLocalFS roots a LocalFS at config.BaseDir, creating it if absent.
func NewLocalFS(config Config) (*LocalFS, error) {
	baseDir := config.BaseDir
	if baseDir == "" {
		return nil, fmt.Errorf("base_dir is required for local filesystem storage")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalFS{baseDir: baseDir}, nil
}

func (lfs *LocalFS) Reader(ctx context.Context, path string) (io.ReadCloser, error) {
	file, err := os.Open(lfs.getFullPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &StorageError{Op: "open", Path: path, Err: ErrNotFound.Err}
		}
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	return file, nil
}

func (lfs *LocalFS) Writer(ctx context.Context, path string) (io.WriteCloser, error) {
	fullPath := lfs.getFullPath(path)

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: path, Err: err}
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return nil, &StorageError{Op: "create", Path: path, Err: err}
	}
	return file, nil
}

func (lfs *LocalFS) Stat(ctx context.Context, path string) (*Metadata, error) {
	info, err := os.Stat(lfs.getFullPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &StorageError{Op: "stat", Path: path, Err: ErrNotFound.Err}
		}
		return nil, &StorageError{Op: "stat", Path: path, Err: err}
	}
	return &Metadata{Path: path, Size: info.Size(), ModTime: info.ModTime().Unix()}, nil
}

// List walks every file under prefix, returning an empty (not nil)
// slice if prefix doesn't exist — internal/archive.List's "nothing
// archived yet" case needs to read as empty, not an error.
func (lfs *LocalFS) List(ctx context.Context, prefix string) ([]*Metadata, error) {
	fullPrefix := lfs.getFullPath(prefix)

	var results []*Metadata
	err := filepath.Walk(fullPrefix, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(lfs.baseDir, path)
		if err != nil {
			return err
		}
		results = append(results, &Metadata{
			Path:    filepath.ToSlash(relPath),
			Size:    info.Size(),
			ModTime: info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return []*Metadata{}, nil
		}
		return nil, &StorageError{Op: "list", Path: prefix, Err: err}
	}
	return results, nil
}

// getFullPath joins path onto baseDir, stripping any leading slash and
// cleaning ".." segments so a malformed segment/snapshot key can't
// escape the archive root.
func (lfs *LocalFS) getFullPath(path string) string {
	cleanPath := filepath.Clean("/" + path)
	cleanPath = strings.TrimPrefix(cleanPath, "/")
	return filepath.Join(lfs.baseDir, cleanPath)
}
