package vectorindex

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/graphdb-core/internal/common"
)

func randVector(seed int64, dim int) []float32 {
	r := rand.New(rand.NewSource(seed))
	v := make([]float32, dim)
	for i := range v {
		v[i] = r.Float32()*2 - 1
	}
	return v
}

func TestIndex_SearchOnEmptyIndexReturnsEmptyNotError(t *testing.T) {
	idx := New(DefaultConfig(8))
	results, err := idx.Search(randVector(1, 8), 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestIndex_SearchDimensionMismatch(t *testing.T) {
	idx := New(DefaultConfig(8))
	require.NoError(t, idx.Insert("a", randVector(1, 8)))

	_, err := idx.Search(make([]float32, 4), 1, nil)
	require.Error(t, err)
	assert.True(t, common.Is(err, common.ErrDimensionMismatch))
}

func TestIndex_InsertDimensionMismatch(t *testing.T) {
	idx := New(DefaultConfig(8))
	require.NoError(t, idx.Insert("a", randVector(1, 8)))

	err := idx.Insert("b", make([]float32, 4))
	require.Error(t, err)
	assert.True(t, common.Is(err, common.ErrDimensionMismatch))
}

func TestIndex_SearchFindsExactMatch(t *testing.T) {
	idx := New(DefaultConfig(16))
	vectors := make(map[common.RecordID][]float32)
	for i := 0; i < 50; i++ {
		id := common.RecordID(rune('a' + i%26))
		v := randVector(int64(i), 16)
		vectors[id] = v
		require.NoError(t, idx.Insert(id, v))
	}

	for id, v := range vectors {
		results, err := idx.Search(v, 1, nil)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, id, results[0].ID)
		assert.InDelta(t, 0, results[0].Distance, 1e-4)
	}
}

func TestIndex_RemoveExcludesFromSearch(t *testing.T) {
	idx := New(DefaultConfig(8))
	v := randVector(7, 8)
	require.NoError(t, idx.Insert("r1", v))
	require.NoError(t, idx.Insert("r2", randVector(8, 8)))

	assert.True(t, idx.Remove("r1"))
	assert.False(t, idx.Remove("r1"))

	results, err := idx.Search(v, 5, nil)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, common.RecordID("r1"), r.ID)
	}
}

func TestIndex_SearchRespectsFilter(t *testing.T) {
	idx := New(DefaultConfig(4))
	v := randVector(3, 4)
	require.NoError(t, idx.Insert("keep", v))
	require.NoError(t, idx.Insert("skip", v))

	results, err := idx.Search(v, 5, func(id common.RecordID) bool { return id != "skip" })
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, common.RecordID("skip"), r.ID)
	}
}

func TestManager_RebuildPreservesSearchability(t *testing.T) {
	m := NewManager(DefaultConfig(8))
	live := map[common.RecordID][]float32{
		"a": randVector(1, 8),
		"b": randVector(2, 8),
		"c": randVector(3, 8),
	}
	for id, v := range live {
		require.NoError(t, m.Insert(id, v))
	}
	require.True(t, m.Remove("c"))

	err := m.Rebuild(func() []RecordEmbedding {
		out := make([]RecordEmbedding, 0, 2)
		out = append(out, RecordEmbedding{ID: "a", Embedding: live["a"]})
		out = append(out, RecordEmbedding{ID: "b", Embedding: live["b"]})
		return out
	})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	results, err := m.Search(live["a"], 1, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, common.RecordID("a"), results[0].ID)
}
