package search

import "github.com/rizom-ai/brains-sub001/internal/entity"

// Embedder generates a vector embedding for a query string. Entity
// embeddings are produced through a separate interface,
// internal/embedding.EmbeddingService (GenerateEmbedding), with the same
// text-to-vector shape; a client serving both sides implements both methods.
type Embedder interface {
	Embed(query string) ([]float32, error)
}

// Options controls a search call, per spec §4.8.
type Options struct {
	Limit        int
	Offset       int
	Types        []string
	ExcludeTypes []string
	// Weight overrides the registry's per-type weight map for this call, if
	// non-nil. Most callers leave this nil and rely on registered weights.
	Weight map[string]float64
}

// Result is one matched entity, per spec §4.8.
type Result struct {
	Entity  entity.Entity
	Score   float64
	Excerpt string
}
