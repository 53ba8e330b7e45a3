package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/graphdb-core/internal/codec"
	"github.com/cuemby/graphdb-core/internal/crdtstore"
	"github.com/cuemby/graphdb-core/internal/storage/block"
)

func newTestStorage(t *testing.T) block.Storage {
	t.Helper()
	storage, err := block.NewFactory().Create(block.Config{Type: "local", BaseDir: t.TempDir()})
	require.NoError(t, err)
	return storage
}

func TestExport_WritesLiveRecordsOnly(t *testing.T) {
	store := crdtstore.New("actor-a", 0, nil, nil)

	_, err := store.Put("rec-1", codec.Payload{"name": "alice"})
	require.NoError(t, err)
	store.SetMetadata("rec-1", "person", []string{"vip", "east"}, []float32{0.1, 0.2})

	_, err = store.Put("rec-2", codec.Payload{"name": "bob"})
	require.NoError(t, err)
	_, err = store.Delete("rec-2")
	require.NoError(t, err)

	storage := newTestStorage(t)
	w := NewWriter(storage, DefaultConfig())

	ctx := context.Background()
	n, err := w.Export(ctx, store, "snapshots/export-1.parquet")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "tombstoned record must be excluded from the snapshot")

	meta, err := storage.Stat(ctx, "snapshots/export-1.parquet")
	require.NoError(t, err)
	assert.Greater(t, meta.Size, int64(0))
}

func TestExport_EmptyStoreWritesZeroRows(t *testing.T) {
	store := crdtstore.New("actor-a", 0, nil, nil)
	storage := newTestStorage(t)
	w := NewWriter(storage, DefaultConfig())

	n, err := w.Export(context.Background(), store, "snapshots/empty.parquet")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestJoinTags(t *testing.T) {
	assert.Equal(t, "", joinTags(nil))
	assert.Equal(t, "a", joinTags([]string{"a"}))
	assert.Equal(t, "a,b,c", joinTags([]string{"a", "b", "c"}))
}
