package vectorindex

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sort"

	"github.com/cuemby/graphdb-core/internal/common"
)

// node is one record's entry in the layered graph.
type node struct {
	id        common.RecordID
	vector    []float32
	level     int
	neighbors [][]common.RecordID // neighbors[l] is the adjacency list at layer l
}

// Index is the HNSW-style layered graph itself (spec §4.5). It carries
// no internal locking — callers needing concurrent access should go
// through Manager, which implements the locking discipline spec §5
// prescribes (reads take a shared lock, writes take an exclusive one,
// rebuild swaps the pointer without holding a lock during construction).
type Index struct {
	cfg        Config
	nodes      map[common.RecordID]*node
	entry      common.RecordID
	hasEntry   bool
	levelMult  float64
	deleted    int
	liveCount  int
}

// SearchResult is one hit from Search, ordered nearest-first.
type SearchResult struct {
	ID       common.RecordID
	Distance float32
}

// New creates an empty index for the given configuration.
func New(cfg Config) *Index {
	if cfg.M <= 0 {
		cfg.M = 16
	}
	if cfg.EfConstruction <= 0 {
		cfg.EfConstruction = 200
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 50
	}
	return &Index{
		cfg:       cfg,
		nodes:     make(map[common.RecordID]*node),
		levelMult: 1 / math.Log(float64(cfg.M)),
	}
}

// randomLevel assigns a node's top layer deterministically from its id
// (FNV-seeded PRNG) rather than from a shared generator, so rebuilding
// from the same live set gives every record the same layer; neighbor
// lists still depend on insertion order — the teacher's skip list uses the same geometric
// draw for layer height (internal/storage/memtable/skiplist.go
// randomLevel), seeded per id here instead of a shared stream.
func randomLevel(id common.RecordID, levelMult float64) int {
	h := fnv.New64a()
	h.Write([]byte(id))
	src := rand.New(rand.NewSource(int64(h.Sum64())))
	level := int(math.Floor(-math.Log(src.Float64()) * levelMult))
	if level < 0 {
		level = 0
	}
	return level
}

// Insert adds or replaces id's embedding in the graph (spec §4.5
// "insert"). Dimension mismatches return DimensionMismatch.
func (idx *Index) Insert(id common.RecordID, embedding []float32) error {
	if idx.cfg.Dimension != 0 && len(embedding) != idx.cfg.Dimension {
		return common.NewError(common.ErrDimensionMismatch, "vectorindex: embedding dimension mismatch")
	}
	if idx.cfg.Dimension == 0 {
		idx.cfg.Dimension = len(embedding)
	}

	if existing, ok := idx.nodes[id]; ok {
		idx.removeNode(existing)
	}

	level := randomLevel(id, idx.levelMult)
	n := &node{id: id, vector: embedding, level: level, neighbors: make([][]common.RecordID, level+1)}
	idx.nodes[id] = n
	idx.liveCount++

	if !idx.hasEntry {
		idx.entry = id
		idx.hasEntry = true
		return nil
	}

	entryNode := idx.nodes[idx.entry]
	cur := entryNode.id
	for l := entryNode.level; l > level; l-- {
		cur = idx.greedyClosest(cur, embedding, l)
	}

	for l := min(level, entryNode.level); l >= 0; l-- {
		candidates := idx.searchLayer(embedding, cur, idx.cfg.EfConstruction, l)
		selected := selectNeighbors(candidates, idx.cfg.M)
		n.neighbors[l] = selected
		for _, nb := range selected {
			idx.connect(nb, id, l)
		}
		if len(candidates) > 0 {
			cur = candidates[0].ID
		}
	}

	if level > entryNode.level {
		idx.entry = id
	}
	return nil
}

// connect adds a bidirectional edge from -> to at layer l, pruning the
// from node's adjacency list back down to M if it grew past it.
func (idx *Index) connect(from, to common.RecordID, l int) {
	n, ok := idx.nodes[from]
	if !ok || l >= len(n.neighbors) {
		return
	}
	n.neighbors[l] = append(n.neighbors[l], to)
	if len(n.neighbors[l]) <= idx.cfg.M {
		return
	}
	scored := make([]SearchResult, 0, len(n.neighbors[l]))
	for _, id := range n.neighbors[l] {
		if other, ok := idx.nodes[id]; ok {
			scored = append(scored, SearchResult{ID: id, Distance: distance(idx.cfg.Metric, n.vector, other.vector)})
		}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Distance < scored[j].Distance })
	if len(scored) > idx.cfg.M {
		scored = scored[:idx.cfg.M]
	}
	pruned := make([]common.RecordID, len(scored))
	for i, s := range scored {
		pruned[i] = s.ID
	}
	n.neighbors[l] = pruned
}

func selectNeighbors(candidates []SearchResult, m int) []common.RecordID {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]common.RecordID, len(candidates))
	for i, c := range candidates {
		out[i] = c.ID
	}
	return out
}

// greedyClosest does a single-candidate (ef=1) descent at layer l,
// used to find the next layer's entry point during insert/search.
func (idx *Index) greedyClosest(from common.RecordID, query []float32, l int) common.RecordID {
	best := from
	bestDist := distance(idx.cfg.Metric, idx.nodes[from].vector, query)
	improved := true
	for improved {
		improved = false
		n := idx.nodes[best]
		if l >= len(n.neighbors) {
			break
		}
		for _, candidate := range n.neighbors[l] {
			cn, ok := idx.nodes[candidate]
			if !ok {
				continue
			}
			d := distance(idx.cfg.Metric, cn.vector, query)
			if d < bestDist {
				bestDist = d
				best = candidate
				improved = true
			}
		}
	}
	return best
}

// searchLayer runs a beam search of width ef starting from entry at
// layer l, returning candidates sorted nearest-first.
func (idx *Index) searchLayer(query []float32, entry common.RecordID, ef int, l int) []SearchResult {
	visited := map[common.RecordID]bool{entry: true}
	entryDist := distance(idx.cfg.Metric, idx.nodes[entry].vector, query)
	candidates := []SearchResult{{ID: entry, Distance: entryDist}}
	result := []SearchResult{{ID: entry, Distance: entryDist}}

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Distance < candidates[j].Distance })
		cur := candidates[0]
		candidates = candidates[1:]

		sort.Slice(result, func(i, j int) bool { return result[i].Distance < result[j].Distance })
		if len(result) >= ef && cur.Distance > result[len(result)-1].Distance {
			break
		}

		n, ok := idx.nodes[cur.ID]
		if !ok || l >= len(n.neighbors) {
			continue
		}
		for _, neighborID := range n.neighbors[l] {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true
			nn, ok := idx.nodes[neighborID]
			if !ok {
				continue
			}
			d := distance(idx.cfg.Metric, nn.vector, query)
			result = append(result, SearchResult{ID: neighborID, Distance: d})
			candidates = append(candidates, SearchResult{ID: neighborID, Distance: d})
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Distance < result[j].Distance })
	if len(result) > ef {
		result = result[:ef]
	}
	return result
}

// Remove deletes id from the graph, returning whether it was present
// (spec §4.5 "remove").
func (idx *Index) Remove(id common.RecordID) bool {
	n, ok := idx.nodes[id]
	if !ok {
		return false
	}
	idx.removeNode(n)
	idx.deleted++
	return true
}

func (idx *Index) removeNode(n *node) {
	delete(idx.nodes, n.id)
	idx.liveCount--
	for l := range n.neighbors {
		for _, neighborID := range n.neighbors[l] {
			neighbor, ok := idx.nodes[neighborID]
			if !ok || l >= len(neighbor.neighbors) {
				continue
			}
			neighbor.neighbors[l] = removeID(neighbor.neighbors[l], n.id)
		}
	}
	if idx.hasEntry && idx.entry == n.id {
		idx.hasEntry = false
		for otherID := range idx.nodes {
			idx.entry = otherID
			idx.hasEntry = true
			break
		}
	}
}

func removeID(ids []common.RecordID, target common.RecordID) []common.RecordID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Search returns up to k nearest neighbors of query, filtered by
// filter (nil accepts all). An empty index returns an empty result,
// not an error (spec §4.5 "Failure semantics").
func (idx *Index) Search(query []float32, k int, filter func(common.RecordID) bool) ([]SearchResult, error) {
	if !idx.hasEntry {
		return nil, nil
	}
	if idx.cfg.Dimension != 0 && len(query) != idx.cfg.Dimension {
		return nil, common.NewError(common.ErrDimensionMismatch, "vectorindex: query dimension mismatch")
	}

	entryNode := idx.nodes[idx.entry]
	cur := entryNode.id
	for l := entryNode.level; l > 0; l-- {
		cur = idx.greedyClosest(cur, query, l)
	}

	ef := idx.cfg.EfSearch
	if k > ef {
		ef = k
	}
	candidates := idx.searchLayer(query, cur, ef, 0)

	out := make([]SearchResult, 0, k)
	for _, c := range candidates {
		if filter != nil && !filter(c.ID) {
			continue
		}
		out = append(out, c)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// DeletedRatio reports the fraction of graph churn since the last
// rebuild, used by Manager.ShouldRebuild, which Store.Put checks after
// each embedding insert (spec §4.5 "Rebuild").
func (idx *Index) DeletedRatio() float64 {
	total := idx.liveCount + idx.deleted
	if total == 0 {
		return 0
	}
	return float64(idx.deleted) / float64(total)
}

// Len returns the number of live records in the index.
func (idx *Index) Len() int {
	return idx.liveCount
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
