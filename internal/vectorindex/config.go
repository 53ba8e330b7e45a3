// Package vectorindex implements an HNSW-style approximate nearest
// neighbor index over record embeddings (spec §4.5).
package vectorindex

// Metric selects the distance function used for graph construction and
// search.
type Metric int

const (
	Cosine Metric = iota
	Euclidean
)

// Config holds the tunable HNSW parameters (spec §4.5 defaults).
type Config struct {
	M              int
	EfConstruction int
	EfSearch       int
	Metric         Metric
	Dimension      int
	MaxRecords     int
}

// DefaultConfig returns the spec's default parameters for the given
// embedding dimension.
func DefaultConfig(dimension int) Config {
	return Config{
		M:              16,
		EfConstruction: 200,
		EfSearch:       50,
		Metric:         Cosine,
		Dimension:      dimension,
	}
}
