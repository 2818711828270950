// Package entityservice is the public façade described in spec §4.3: the
// only entry point that reads or writes entities, dispatching to the
// registry for schema/adapter lookup, the queue for embedding jobs, the
// bus for lifecycle events, and the resolver for read-time reference
// expansion.
package entityservice

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rizom-ai/brains-sub001/internal/apperrors"
	"github.com/rizom-ai/brains-sub001/internal/bus"
	"github.com/rizom-ai/brains-sub001/internal/entity"
	"github.com/rizom-ai/brains-sub001/internal/queue"
	"github.com/rizom-ai/brains-sub001/internal/registry"
	"github.com/rizom-ai/brains-sub001/internal/resolver"
	"github.com/rizom-ai/brains-sub001/internal/search"
)

const (
	embeddingJobType  = "embedding"
	dedupScanAttempts = 100
)

// CreateOptions controls createEntity/upsertEntity behavior.
type CreateOptions struct {
	DeduplicateID bool
}

// WriteResult is returned by createEntity/updateEntity.
type WriteResult struct {
	EntityID string
	JobID    string
}

// UpsertResult additionally reports which path upsertEntity took.
type UpsertResult struct {
	WriteResult
	Created bool
}

// ListOptions controls listEntities/countEntities.
type ListOptions struct {
	Limit           int
	Offset          int
	SortField       string // "created", "updated", or a JSON path inside metadata (e.g. "title")
	SortDescending  bool
	MetadataEquals  map[string]any
	PublishedOnly   bool
}

// Service is the entity store's public façade.
type Service struct {
	db       *sql.DB
	registry *registry.Registry
	queue    *queue.Queue
	bus      *bus.Bus
	engine   *search.Engine
	now      func() time.Time
}

// New wires together the façade's collaborators. bus may be nil (spec §9:
// a null bus is valid).
func New(db *sql.DB, reg *registry.Registry, q *queue.Queue, b *bus.Bus, engine *search.Engine) *Service {
	return &Service{db: db, registry: reg, queue: q, bus: b, engine: engine, now: time.Now}
}

// CreateEntity validates input against its registered type, computes
// contentHash, commits the row, emits entity:created, and enqueues an
// embedding job iff the type is embeddable.
func (s *Service) CreateEntity(input entity.Entity, opts CreateOptions) (WriteResult, error) {
	if !s.registry.Has(input.EntityType) {
		return WriteResult{}, &apperrors.UnknownType{EntityType: input.EntityType}
	}
	if _, err := s.registry.Validate(input.EntityType, input.Metadata); err != nil {
		return WriteResult{}, err
	}

	id := input.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := s.now()
	contentHash := entity.HashContent(input.Content)
	metadataJSON, err := json.Marshal(input.Metadata)
	if err != nil {
		return WriteResult{}, fmt.Errorf("entityservice: marshal metadata: %w", err)
	}

	resolvedID, err := s.reserveID(input.EntityType, id, opts.DeduplicateID)
	if err != nil {
		return WriteResult{}, err
	}

	_, err = s.db.Exec(`
		INSERT INTO entities (id, entityType, content, contentHash, metadata, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, resolvedID, input.EntityType, input.Content, contentHash, string(metadataJSON), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return WriteResult{}, &apperrors.StorageError{Op: "createEntity", Err: err}
	}

	created := input
	created.ID = resolvedID
	created.ContentHash = contentHash
	created.Created = now
	created.Updated = now

	s.emit(bus.EntityCreated, input.EntityType, resolvedID, &created)

	jobID, err := s.maybeEnqueueEmbedding(input.EntityType, resolvedID, contentHash, "create")
	if err != nil {
		return WriteResult{}, err
	}

	return WriteResult{EntityID: resolvedID, JobID: jobID}, nil
}

// UpdateEntity replaces an existing (id, entityType) row atomically,
// refreshing updated and contentHash, emitting entity:updated, and
// enqueuing a fresh embedding job for embeddable types.
func (s *Service) UpdateEntity(e entity.Entity) (WriteResult, error) {
	existing, err := s.GetEntityRaw(e.EntityType, e.ID)
	if err != nil {
		return WriteResult{}, err
	}
	if existing == nil {
		return WriteResult{}, &apperrors.NotFound{EntityType: e.EntityType, ID: e.ID}
	}
	if _, err := s.registry.Validate(e.EntityType, e.Metadata); err != nil {
		return WriteResult{}, err
	}

	now := s.now()
	contentHash := entity.HashContent(e.Content)
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return WriteResult{}, fmt.Errorf("entityservice: marshal metadata: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE entities SET content = ?, contentHash = ?, metadata = ?, updated = ?
		WHERE id = ? AND entityType = ?
	`, e.Content, contentHash, string(metadataJSON), now.UnixMilli(), e.ID, e.EntityType)
	if err != nil {
		return WriteResult{}, &apperrors.StorageError{Op: "updateEntity", Err: err}
	}

	updated := e
	updated.ContentHash = contentHash
	updated.Created = existing.Created
	updated.Updated = now

	s.emit(bus.EntityUpdated, e.EntityType, e.ID, &updated)

	jobID, err := s.maybeEnqueueEmbedding(e.EntityType, e.ID, contentHash, "update")
	if err != nil {
		return WriteResult{}, err
	}

	return WriteResult{EntityID: e.ID, JobID: jobID}, nil
}

// UpsertEntity takes exactly one of the create/update paths depending on
// whether (id, entityType) already exists.
func (s *Service) UpsertEntity(e entity.Entity, opts CreateOptions) (UpsertResult, error) {
	if e.ID != "" {
		existing, err := s.GetEntityRaw(e.EntityType, e.ID)
		if err != nil {
			return UpsertResult{}, err
		}
		if existing != nil {
			res, err := s.UpdateEntity(e)
			if err != nil {
				return UpsertResult{}, err
			}
			return UpsertResult{WriteResult: res, Created: false}, nil
		}
	}
	res, err := s.CreateEntity(e, opts)
	if err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{WriteResult: res, Created: true}, nil
}

// DeleteEntity removes a row and its embedding (cascade) atomically,
// emitting entity:deleted iff a row existed.
func (s *Service) DeleteEntity(entityType, id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM entities WHERE id = ? AND entityType = ?`, id, entityType)
	if err != nil {
		return false, &apperrors.StorageError{Op: "deleteEntity", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &apperrors.StorageError{Op: "deleteEntity", Err: err}
	}
	if n == 0 {
		return false, nil
	}
	s.emit(bus.EntityDeleted, entityType, id, nil)
	return true, nil
}

// GetEntity returns the hydrated entity with content resolution applied
// (spec §4.4), or nil if not found. Resolution is skipped for types on the
// recursion-blocklist (currently just "image").
func (s *Service) GetEntity(entityType, id string) (*entity.Entity, error) {
	e, err := s.GetEntityRaw(entityType, id)
	if err != nil || e == nil {
		return e, err
	}
	res := resolver.New(s.GetEntityRaw).Resolve(entityType, e.Content)
	resolved := e.Clone()
	resolved.Content = res.Content
	return &resolved, nil
}

// GetEntityRaw returns the entity without content resolution, used
// internally to avoid recursion (resolver, embedding handler).
func (s *Service) GetEntityRaw(entityType, id string) (*entity.Entity, error) {
	row := s.db.QueryRow(`
		SELECT id, entityType, content, contentHash, metadata, created, updated
		FROM entities WHERE id = ? AND entityType = ?
	`, id, entityType)

	var e entity.Entity
	var metadataJSON string
	var created, updated int64
	err := row.Scan(&e.ID, &e.EntityType, &e.Content, &e.ContentHash, &metadataJSON, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &apperrors.StorageError{Op: "getEntityRaw", Err: err}
	}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &e.Metadata); err != nil {
			return nil, &apperrors.SerializationError{EntityType: entityType, Reason: err.Error()}
		}
	}
	e.Created = time.UnixMilli(created).UTC()
	e.Updated = time.UnixMilli(updated).UTC()
	return &e, nil
}

// ListEntities returns a paginated, filtered, stably-ordered page of
// entities of the given type.
func (s *Service) ListEntities(entityType string, opts ListOptions) ([]entity.Entity, error) {
	query, args := s.buildListQuery(entityType, opts, false)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &apperrors.StorageError{Op: "listEntities", Err: err}
	}
	defer rows.Close()

	var out []entity.Entity
	for rows.Next() {
		var e entity.Entity
		var metadataJSON string
		var created, updated int64
		if err := rows.Scan(&e.ID, &e.EntityType, &e.Content, &e.ContentHash, &metadataJSON, &created, &updated); err != nil {
			return nil, &apperrors.StorageError{Op: "listEntities", Err: err}
		}
		if metadataJSON != "" {
			_ = json.Unmarshal([]byte(metadataJSON), &e.Metadata)
		}
		e.Created = time.UnixMilli(created).UTC()
		e.Updated = time.UnixMilli(updated).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEntities returns the exact count matching the same filter as
// ListEntities, ignoring pagination/sort.
func (s *Service) CountEntities(entityType string, opts ListOptions) (int, error) {
	query, args := s.buildListQuery(entityType, opts, true)
	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, &apperrors.StorageError{Op: "countEntities", Err: err}
	}
	return count, nil
}

func (s *Service) buildListQuery(entityType string, opts ListOptions, countOnly bool) (string, []any) {
	var b strings.Builder
	if countOnly {
		b.WriteString("SELECT COUNT(*) FROM entities WHERE entityType = ?")
	} else {
		b.WriteString("SELECT id, entityType, content, contentHash, metadata, created, updated FROM entities WHERE entityType = ?")
	}
	args := []any{entityType}

	for field, value := range opts.MetadataEquals {
		b.WriteString(" AND json_extract(metadata, ?) = ?")
		args = append(args, "$."+field, value)
	}
	if opts.PublishedOnly {
		b.WriteString(" AND (json_extract(metadata, '$.status') = 'published' OR json_extract(metadata, '$.status') IS NULL)")
	}

	if !countOnly {
		sortField := opts.SortField
		descending := opts.SortDescending
		if sortField == "" {
			sortField = "updated"
			descending = true
		}
		direction := "ASC"
		if descending {
			direction = "DESC"
		}

		switch sortField {
		case "created", "updated":
			fmt.Fprintf(&b, " ORDER BY %s %s, id %s", sortField, direction, direction)
		default:
			b.WriteString(" ORDER BY json_extract(metadata, ?) " + direction + ", id " + direction)
			args = append(args, "$."+sortField)
		}

		limit := opts.Limit
		if limit <= 0 {
			limit = 50
		}
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, limit, opts.Offset)
	}

	return b.String(), args
}

// Search delegates to the configured search engine.
func (s *Service) Search(query string, opts search.Options) ([]search.Result, error) {
	if s.engine == nil {
		return nil, nil
	}
	return s.engine.Search(query, opts)
}

// StoreEmbedding upserts an embedding row; it never touches the entities
// row, per spec §4.7 step 5.
func (s *Service) StoreEmbedding(entityID, entityType string, vector []float32, contentHash string) error {
	blob := search.Float32SliceToBlob(vector)
	_, err := s.db.Exec(`
		INSERT INTO embeddings (entityId, entityType, embedding, dimension, contentHash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entityId, entityType) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			contentHash = excluded.contentHash
	`, entityID, entityType, blob, len(vector), contentHash)
	if err != nil {
		return &apperrors.IndexError{Op: "storeEmbedding", Err: err}
	}
	return nil
}

// EmitEmbeddingReady broadcasts entity:embedding:ready. Exists so
// internal/embedding.Service is satisfied without that package depending
// back on entityservice.
func (s *Service) EmitEmbeddingReady(entityType, id string, e *entity.Entity) {
	s.emit(bus.EntityEmbeddingReady, entityType, id, e)
}

func (s *Service) emit(eventType, entityType, id string, e *entity.Entity) {
	var payload any
	if e != nil {
		payload = *e
	}
	s.bus.Emit(bus.Event{Type: eventType, EntityType: entityType, EntityID: id, Entity: payload})
}

func (s *Service) maybeEnqueueEmbedding(entityType, id, contentHash, operation string) (string, error) {
	cfg, err := s.registry.GetConfig(entityType)
	if err != nil {
		return "", err
	}
	if !cfg.Embeddable {
		return "", nil
	}
	jobID, err := s.queue.Enqueue(embeddingJobType, map[string]any{
		"id":          id,
		"entityType":  entityType,
		"contentHash": contentHash,
		"operation":   operation,
	}, queue.EnqueueOptions{})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// reserveID implements the ID-deduplication policy: a sequential existence
// probe per candidate suffix (id-2, id-3, ...) up to dedupScanAttempts,
// falling back to a random 8-hex-character token beyond that. The probe and
// the insert that follows it in CreateEntity are separate statements, so two
// concurrent callers can both see the same candidate as free; the
// (id, entityType) primary key then rejects the second insert, which
// surfaces as a StorageError. Two callers never receive the same id.
func (s *Service) reserveID(entityType, id string, dedup bool) (string, error) {
	exists, err := s.entityExists(entityType, id)
	if err != nil {
		return "", err
	}
	if !exists {
		return id, nil
	}
	if !dedup {
		return "", &apperrors.Duplicate{EntityType: entityType, ID: id}
	}

	for i := 2; i <= dedupScanAttempts+1; i++ {
		candidate := fmt.Sprintf("%s-%d", id, i)
		taken, err := s.entityExists(entityType, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}

	suffix := make([]byte, 4)
	for {
		if _, err := rand.Read(suffix); err != nil {
			return "", fmt.Errorf("entityservice: generate random suffix: %w", err)
		}
		candidate := fmt.Sprintf("%s-%x", id, suffix)
		taken, err := s.entityExists(entityType, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
}

func (s *Service) entityExists(entityType, id string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM entities WHERE id = ? AND entityType = ?`, id, entityType).Scan(&count)
	if err != nil {
		return false, &apperrors.StorageError{Op: "entityExists", Err: err}
	}
	return count > 0, nil
}
