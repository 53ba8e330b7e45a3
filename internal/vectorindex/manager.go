package vectorindex

import (
	"sync"

	"github.com/cuemby/graphdb-core/internal/common"
)

// RebuildThreshold is the default deleted-ratio that triggers a
// background rebuild (spec §4.5 "Rebuild").
const RebuildThreshold = 0.25

// EmbeddingSource supplies the live records a rebuild walks over.
type EmbeddingSource func() []RecordEmbedding

// RecordEmbedding pairs a record id with its current embedding, as
// fed into Rebuild.
type RecordEmbedding struct {
	ID        common.RecordID
	Embedding []float32
}

// Manager owns the single *Index pointer and enforces spec §5's
// locking discipline: searches take the read lock, inserts/removes
// take the write lock, and rebuild constructs the replacement index
// without holding any lock, only acquiring the write lock for the
// pointer swap.
type Manager struct {
	mu  sync.RWMutex
	idx *Index
	cfg Config
}

// NewManager creates a Manager around a fresh empty index.
func NewManager(cfg Config) *Manager {
	return &Manager{idx: New(cfg), cfg: cfg}
}

// Insert adds or replaces an embedding under the write lock.
func (m *Manager) Insert(id common.RecordID, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idx.Insert(id, embedding)
}

// Remove deletes an embedding under the write lock.
func (m *Manager) Remove(id common.RecordID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idx.Remove(id)
}

// Search runs a query under the read lock, so it never blocks other
// concurrent searches.
func (m *Manager) Search(query []float32, k int, filter func(common.RecordID) bool) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idx.Search(query, k, filter)
}

// ShouldRebuild reports whether the current index's deleted ratio has
// crossed the rebuild threshold.
func (m *Manager) ShouldRebuild() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idx.DeletedRatio() >= RebuildThreshold
}

// Rebuild constructs a fresh index from source's current live records
// without holding the manager lock, then swaps the pointer atomically
// (spec §4.5 "once fully built, atomically swap the index pointer;
// discard the old index").
func (m *Manager) Rebuild(source EmbeddingSource) error {
	fresh := New(m.cfg)
	for _, rec := range source() {
		if err := fresh.Insert(rec.ID, rec.Embedding); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.idx = fresh
	m.mu.Unlock()
	return nil
}

// Len returns the number of live records currently indexed.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idx.Len()
}
