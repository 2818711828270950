// Package embedding implements the embedding job handler: the worker-pool
// Handler invoked for type=embedding jobs, per spec §4.7.
package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/rizom-ai/brains-sub001/internal/entity"
	"github.com/rizom-ai/brains-sub001/internal/worker"
)

// JobData is the payload carried by an embedding job. It deliberately omits
// entity content: the handler re-reads it from the store, keeping the queue
// compact and making the staleness check authoritative (spec §9).
type JobData struct {
	ID          string `json:"id"`
	EntityType  string `json:"entityType"`
	ContentHash string `json:"contentHash"`
	Operation   string `json:"operation"`
}

// Service is the subset of the entity service the handler depends on.
type Service interface {
	GetEntityRaw(entityType, id string) (*entity.Entity, error)
	StoreEmbedding(entityID, entityType string, vector []float32, contentHash string) error
	EmitEmbeddingReady(entityType, id string, e *entity.Entity)
}

// EmbeddingService is the pure text-to-vector collaborator named in spec
// §4.7 step 4. Production wiring and test doubles both implement this.
type EmbeddingService interface {
	GenerateEmbedding(text string) ([]float32, error)
}

// Handler implements worker.Handler for type=embedding jobs.
type Handler struct {
	service  Service
	embedder EmbeddingService
	Logf     func(format string, args ...any)
}

// New builds the embedding job handler.
func New(service Service, embedder EmbeddingService) *Handler {
	return &Handler{service: service, embedder: embedder, Logf: log.Printf}
}

// Process implements worker.Handler.
func (h *Handler) Process(ctx context.Context, jobID string, data []byte, progress worker.ProgressReporter) (any, error) {
	var job JobData
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("embedding: unmarshal job data: %w", err)
	}

	if progress != nil {
		progress(0, 2)
	}

	e, err := h.service.GetEntityRaw(job.EntityType, job.ID)
	if err != nil {
		return nil, fmt.Errorf("embedding: get entity %s/%s: %w", job.EntityType, job.ID, err)
	}

	// Liveness check: the entity was deleted since this job was enqueued.
	// Nothing left to embed, so this is a successful completion, not a
	// failure (spec §4.7 step 2, §7 propagation policy).
	if e == nil {
		h.logf("embedding job %s: entity %s/%s no longer exists, skipping", jobID, job.EntityType, job.ID)
		return map[string]any{"skipped": "deleted"}, nil
	}

	// Staleness check: a newer write superseded this job, and a newer job
	// is already queued for the current content. Also a successful
	// completion (spec §4.7 step 3).
	if e.ContentHash != job.ContentHash {
		h.logf("embedding job %s: entity %s/%s content changed since enqueue, skipping", jobID, job.EntityType, job.ID)
		return map[string]any{"skipped": "stale"}, nil
	}

	if progress != nil {
		progress(1, 2)
	}

	vector, err := h.embedder.GenerateEmbedding(e.Content)
	if err != nil {
		return nil, fmt.Errorf("embedding: generate embedding for %s/%s: %w", job.EntityType, job.ID, err)
	}

	if err := h.service.StoreEmbedding(job.ID, job.EntityType, vector, job.ContentHash); err != nil {
		return nil, fmt.Errorf("embedding: store embedding for %s/%s: %w", job.EntityType, job.ID, err)
	}

	h.service.EmitEmbeddingReady(job.EntityType, job.ID, e)

	if progress != nil {
		progress(2, 2)
	}

	return map[string]any{"dimension": len(vector)}, nil
}

func (h *Handler) logf(format string, args ...any) {
	if h.Logf != nil {
		h.Logf(format, args...)
	}
}
