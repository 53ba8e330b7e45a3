package archive

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/graphdb-core/internal/common"
	"github.com/cuemby/graphdb-core/internal/config"
	"github.com/cuemby/graphdb-core/internal/storage/block"
	"github.com/cuemby/graphdb-core/internal/wal"
)

func testManagerConfig(dir string) wal.ManagerConfig {
	return wal.ManagerConfig{
		DataDir:         dir,
		SegmentMaxBytes: 1, // force rotation on every append so segments seal
		Durability:      config.DurabilityFull,
		MaxOpenSegments: 4,
	}
}

func appendN(t *testing.T, manager *wal.Manager, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		entry, err := wal.NewPutEntry("actor-a", common.RecordID("rec"), json.RawMessage(`{}`), nil)
		require.NoError(t, err)
		_, err = manager.Append(ctx, entry)
		require.NoError(t, err)
	}
}

func TestNew_BuildsLocalBackend(t *testing.T) {
	a, err := New(block.Config{Type: "local", BaseDir: t.TempDir()})
	require.NoError(t, err)
	require.NotNil(t, a)
}

func TestNew_UnsupportedTypeFails(t *testing.T) {
	_, err := New(block.Config{Type: "nonexistent", BaseDir: t.TempDir()})
	assert.Error(t, err)
}

func TestArchiveSealed_UploadsOnlySealedSegments(t *testing.T) {
	walDir := t.TempDir()
	manager, err := wal.NewManager(testManagerConfig(walDir))
	require.NoError(t, err)
	defer manager.Close()

	appendN(t, manager, 4)
	sealed := manager.SealedSegments()
	require.NotEmpty(t, sealed, "forced rotation should have produced at least one sealed segment")

	a, err := New(block.Config{Type: "local", BaseDir: t.TempDir()})
	require.NoError(t, err)

	ctx := context.Background()
	archived, err := a.ArchiveSealed(ctx, manager)
	require.NoError(t, err)
	assert.Len(t, archived, len(sealed))

	listed, err := a.List(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, len(sealed))
}

func TestArchiveSealed_IsIdempotent(t *testing.T) {
	walDir := t.TempDir()
	manager, err := wal.NewManager(testManagerConfig(walDir))
	require.NoError(t, err)
	defer manager.Close()

	appendN(t, manager, 4)

	a, err := New(block.Config{Type: "local", BaseDir: t.TempDir()})
	require.NoError(t, err)

	ctx := context.Background()
	first, err := a.ArchiveSealed(ctx, manager)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := a.ArchiveSealed(ctx, manager)
	require.NoError(t, err)
	assert.Empty(t, second, "already-archived segments should be skipped on a repeat pass")
}

func TestFetch_ReturnsArchivedSegmentBytes(t *testing.T) {
	walDir := t.TempDir()
	manager, err := wal.NewManager(testManagerConfig(walDir))
	require.NoError(t, err)
	defer manager.Close()

	appendN(t, manager, 4)
	sealed := manager.SealedSegments()
	require.NotEmpty(t, sealed)

	a, err := New(block.Config{Type: "local", BaseDir: t.TempDir()})
	require.NoError(t, err)

	ctx := context.Background()
	archived, err := a.ArchiveSealed(ctx, manager)
	require.NoError(t, err)
	require.NotEmpty(t, archived)

	rc, err := a.Fetch(ctx, archived[0].Index)
	require.NoError(t, err)
	defer rc.Close()
}

func TestList_EmptyBeforeAnyArchive(t *testing.T) {
	a, err := New(block.Config{Type: "local", BaseDir: t.TempDir()})
	require.NoError(t, err)

	listed, err := a.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, listed)
}
