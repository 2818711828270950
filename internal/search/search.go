// Package search implements the unified entity search surface: embed the
// query, join entities against their embeddings, rank by cosine distance
// weighted per type, and reconstruct each hit through its adapter.
package search

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rizom-ai/brains-sub001/internal/entity"
	"github.com/rizom-ai/brains-sub001/internal/registry"
)

const (
	defaultLimit   = 10
	maxDistance    = 1.0
	excerptWindow  = 200
	excerptPadding = excerptWindow / 2
)

// Engine runs search(query, opts) against the entities+embeddings tables.
type Engine struct {
	db       *sql.DB
	reg      *registry.Registry
	embedder Embedder
}

// New builds a search Engine. reg supplies per-type weights and adapters for
// result reconstruction; embedder turns the query string into a vector.
func New(db *sql.DB, reg *registry.Registry, embedder Embedder) *Engine {
	return &Engine{db: db, reg: reg, embedder: embedder}
}

// Search embeds query and returns the ranked, paginated result set. Entities
// with no embeddings row never appear, by construction of the INNER JOIN:
// this is how newly-created entities stay out of search until their
// embedding job completes.
func (s *Engine) Search(query string, opts Options) ([]Result, error) {
	q, err := s.embedder.Embed(query)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	weights := opts.Weight
	if weights == nil && s.reg != nil {
		weights = s.reg.WeightMap()
	}

	sqlQuery := `
		SELECT e.id, e.entityType, e.content, e.contentHash, e.metadata, e.created, e.updated, b.embedding
		FROM entities e
		INNER JOIN embeddings b ON b.entityId = e.id AND b.entityType = e.entityType
		WHERE 1 = 1
	`
	var args []any
	if len(opts.Types) > 0 {
		sqlQuery += " AND e.entityType IN (" + placeholders(len(opts.Types)) + ")"
		for _, t := range opts.Types {
			args = append(args, t)
		}
	}
	if len(opts.ExcludeTypes) > 0 {
		sqlQuery += " AND e.entityType NOT IN (" + placeholders(len(opts.ExcludeTypes)) + ")"
		for _, t := range opts.ExcludeTypes {
			args = append(args, t)
		}
	}

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("search: query: %w", err)
	}
	defer rows.Close()

	type scored struct {
		ent   entity.Entity
		score float64
	}
	var candidates []scored

	for rows.Next() {
		var (
			id, entityType, content, contentHash, metadataJSON string
			created, updated                                   int64
			embeddingBlob                                       []byte
		)
		if err := rows.Scan(&id, &entityType, &content, &contentHash, &metadataJSON, &created, &updated, &embeddingBlob); err != nil {
			return nil, fmt.Errorf("search: scan row: %w", err)
		}

		vec := blobToFloat32Slice(embeddingBlob)
		distance := cosineDistance(q, vec)
		if distance >= maxDistance {
			continue
		}

		weight := 1.0
		if w, ok := weights[entityType]; ok {
			weight = w
		}
		weightedScore := (1 - distance/2) * weight

		e := entity.Entity{
			ID:          id,
			EntityType:  entityType,
			Content:     content,
			ContentHash: contentHash,
		}
		var metadata map[string]any
		if metadataJSON != "" {
			if err := json.Unmarshal([]byte(metadataJSON), &metadata); err == nil {
				e.Metadata = metadata
			}
		}
		e.Created = millisToTime(created)
		e.Updated = millisToTime(updated)

		candidates = append(candidates, scored{ent: e, score: weightedScore})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search: iterate rows: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].ent.ID < candidates[j].ent.ID
	})

	if opts.Offset > 0 && opts.Offset < len(candidates) {
		candidates = candidates[opts.Offset:]
	} else if opts.Offset >= len(candidates) {
		candidates = nil
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, Result{
			Entity:  s.reconstruct(c.ent),
			Score:   c.score,
			Excerpt: excerpt(c.ent.Content, query),
		})
	}
	return results, nil
}

// reconstruct runs the entity's content back through its adapter, when the
// type is registered, so the returned metadata reflects the adapter's own
// parse rather than only the persisted metadata column.
func (s *Engine) reconstruct(e entity.Entity) entity.Entity {
	if s.reg == nil {
		return e
	}
	a, err := s.reg.GetAdapter(e.EntityType)
	if err != nil {
		return e
	}
	parsed, err := a.FromMarkdown(e.Content)
	if err != nil {
		return e
	}
	parsed.ID = e.ID
	parsed.EntityType = e.EntityType
	parsed.Content = e.Content
	parsed.ContentHash = e.ContentHash
	parsed.Created = e.Created
	parsed.Updated = e.Updated
	if len(parsed.Metadata) == 0 {
		parsed.Metadata = e.Metadata
	}
	return parsed
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return maxDistance + 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return maxDistance + 1
	}
	similarity := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return 1 - similarity
}

func blobToFloat32Slice(blob []byte) []float32 {
	if len(blob)%4 != 0 {
		return nil
	}
	values := make([]float32, len(blob)/4)
	for i := range values {
		bits := uint32(0)
		for j := 0; j < 4; j++ {
			bits |= uint32(blob[i*4+j]) << (8 * j)
		}
		values[i] = math.Float32frombits(bits)
	}
	return values
}

// Float32SliceToBlob is the inverse of blobToFloat32Slice, exported for the
// entityservice's storeEmbedding writer.
func Float32SliceToBlob(values []float32) []byte {
	blob := make([]byte, len(values)*4)
	for i, v := range values {
		bits := math.Float32bits(v)
		for j := 0; j < 4; j++ {
			blob[i*4+j] = byte(bits >> (8 * j))
		}
	}
	return blob
}

// excerpt returns a ~200-char window centered on the first case-insensitive
// occurrence of query in content, with ellipses where truncated. If query is
// not found, the content prefix is used instead.
func excerpt(content, query string) string {
	if content == "" {
		return ""
	}
	idx := strings.Index(strings.ToLower(content), strings.ToLower(query))
	if idx < 0 {
		if len(content) <= excerptWindow {
			return content
		}
		return strings.TrimSpace(content[:excerptWindow]) + "..."
	}

	start := idx - excerptPadding
	prefix := ""
	if start < 0 {
		start = 0
	} else {
		prefix = "..."
	}
	end := idx + len(query) + excerptPadding
	suffix := ""
	if end >= len(content) {
		end = len(content)
	} else {
		suffix = "..."
	}
	return prefix + strings.TrimSpace(content[start:end]) + suffix
}
