package entityservice

import (
	"encoding/json"
	"testing"

	"github.com/rizom-ai/brains-sub001/internal/adapter"
	"github.com/rizom-ai/brains-sub001/internal/apperrors"
	"github.com/rizom-ai/brains-sub001/internal/entity"
	"github.com/rizom-ai/brains-sub001/internal/queue"
	"github.com/rizom-ai/brains-sub001/internal/registry"
	"github.com/rizom-ai/brains-sub001/internal/testutil"
)

func newTestService(t *testing.T) (*Service, *registry.Registry) {
	t.Helper()
	db := testutil.OpenTestDB(t)
	reg := registry.New()
	if err := reg.Register("note", map[string]any{
		"title": map[string]any{"required": true},
	}, adapter.NewNoteAdapter(), registry.TypeConfig{Weight: 1.0, Embeddable: true}); err != nil {
		t.Fatalf("register note: %v", err)
	}
	if err := reg.Register("setting", map[string]any{}, adapter.NewNoteAdapter(), registry.TypeConfig{Weight: 1.0, Embeddable: false}); err != nil {
		t.Fatalf("register setting: %v", err)
	}
	q := queue.New(db)
	q.RegisterHandler("embedding", func(data json.RawMessage) (any, error) { return nil, nil })
	return New(db, reg, q, nil, nil), reg
}

func TestCreateEntityRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	res, err := svc.CreateEntity(entity.Entity{
		ID: "note-1", EntityType: "note", Content: "hello world",
		Metadata: map[string]any{"title": "Hello"},
	}, CreateOptions{})
	if err != nil {
		t.Fatalf("createEntity: %v", err)
	}
	if res.EntityID != "note-1" || res.JobID == "" {
		t.Fatalf("expected embeddable type to enqueue a job, got %+v", res)
	}

	got, err := svc.GetEntity("note", "note-1")
	if err != nil {
		t.Fatalf("getEntity: %v", err)
	}
	if got == nil || got.Content != "hello world" {
		t.Fatalf("expected round-tripped content, got %+v", got)
	}
}

func TestCreateEntityValidatesRequiredFields(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateEntity(entity.Entity{
		ID: "note-2", EntityType: "note", Content: "missing title",
	}, CreateOptions{})
	if _, ok := err.(*apperrors.ValidationError); !ok {
		t.Fatalf("expected *apperrors.ValidationError, got %T: %v", err, err)
	}
}

func TestCreateEntityDuplicateIDWithoutDedup(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.CreateEntity(entity.Entity{ID: "dup", EntityType: "note", Content: "a", Metadata: map[string]any{"title": "A"}}, CreateOptions{}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := svc.CreateEntity(entity.Entity{ID: "dup", EntityType: "note", Content: "b", Metadata: map[string]any{"title": "B"}}, CreateOptions{})
	if _, ok := err.(*apperrors.Duplicate); !ok {
		t.Fatalf("expected *apperrors.Duplicate, got %T: %v", err, err)
	}
}

func TestCreateEntityDuplicateIDWithDedupSequence(t *testing.T) {
	svc, _ := newTestService(t)

	for i, want := range []string{"dup", "dup-2", "dup-3"} {
		res, err := svc.CreateEntity(entity.Entity{
			ID: "dup", EntityType: "note", Content: "body",
			Metadata: map[string]any{"title": "T"},
		}, CreateOptions{DeduplicateID: true})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if res.EntityID != want {
			t.Fatalf("create %d: expected id %q, got %q", i, want, res.EntityID)
		}
	}
}

func TestUpdateEntityRecomputesContentHash(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.CreateEntity(entity.Entity{ID: "u1", EntityType: "note", Content: "v1", Metadata: map[string]any{"title": "T"}}, CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	before, err := svc.GetEntityRaw("note", "u1")
	if err != nil {
		t.Fatalf("getEntityRaw: %v", err)
	}

	if _, err := svc.UpdateEntity(entity.Entity{ID: "u1", EntityType: "note", Content: "v2", Metadata: map[string]any{"title": "T"}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	after, err := svc.GetEntityRaw("note", "u1")
	if err != nil {
		t.Fatalf("getEntityRaw after update: %v", err)
	}
	if after.ContentHash == before.ContentHash {
		t.Fatalf("expected contentHash to change after content update")
	}
	if after.Created != before.Created {
		t.Fatalf("expected created timestamp to be preserved across update")
	}
}

func TestUpdateEntityMissingReturnsNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.UpdateEntity(entity.Entity{ID: "ghost", EntityType: "note", Content: "x", Metadata: map[string]any{"title": "T"}})
	if _, ok := err.(*apperrors.NotFound); !ok {
		t.Fatalf("expected *apperrors.NotFound, got %T: %v", err, err)
	}
}

func TestDeleteEntityReportsExistence(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.CreateEntity(entity.Entity{ID: "d1", EntityType: "note", Content: "x", Metadata: map[string]any{"title": "T"}}, CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	existed, err := svc.DeleteEntity("note", "d1")
	if err != nil || !existed {
		t.Fatalf("expected delete of existing entity to report true, got %v, %v", existed, err)
	}

	existed, err = svc.DeleteEntity("note", "d1")
	if err != nil || existed {
		t.Fatalf("expected delete of already-deleted entity to report false, got %v, %v", existed, err)
	}

	got, err := svc.GetEntityRaw("note", "d1")
	if err != nil || got != nil {
		t.Fatalf("expected deleted entity to be gone, got %+v, %v", got, err)
	}
}

func TestCreateEntityNonEmbeddableTypeSkipsJob(t *testing.T) {
	svc, _ := newTestService(t)
	res, err := svc.CreateEntity(entity.Entity{ID: "s1", EntityType: "setting", Content: "x"}, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.JobID != "" {
		t.Fatalf("expected non-embeddable type to skip job enqueue, got jobID %q", res.JobID)
	}
}

func TestListEntitiesFiltersByMetadataAndPublishedOnly(t *testing.T) {
	svc, _ := newTestService(t)
	mk := func(id, status string) {
		if _, err := svc.CreateEntity(entity.Entity{
			ID: id, EntityType: "note", Content: "c",
			Metadata: map[string]any{"title": "T", "status": status},
		}, CreateOptions{}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	mk("p1", "published")
	mk("p2", "draft")

	published, err := svc.ListEntities("note", ListOptions{PublishedOnly: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(published) != 1 || published[0].ID != "p1" {
		t.Fatalf("expected only p1, got %+v", published)
	}

	drafts, err := svc.ListEntities("note", ListOptions{MetadataEquals: map[string]any{"status": "draft"}})
	if err != nil {
		t.Fatalf("list drafts: %v", err)
	}
	if len(drafts) != 1 || drafts[0].ID != "p2" {
		t.Fatalf("expected only p2, got %+v", drafts)
	}

	count, err := svc.CountEntities("note", ListOptions{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}
}

func TestGetEntityResolvesImageReferencesRawDoesNot(t *testing.T) {
	svc, reg := newTestService(t)
	if err := reg.Register("image", map[string]any{}, adapter.NewImageAdapter(), registry.TypeConfig{Weight: 0.5, Embeddable: false}); err != nil {
		t.Fatalf("register image: %v", err)
	}

	if _, err := svc.CreateEntity(entity.Entity{
		ID: "img1", EntityType: "image", Content: "b64data",
		Metadata: map[string]any{"mimeType": "image/png"},
	}, CreateOptions{}); err != nil {
		t.Fatalf("create image: %v", err)
	}
	if _, err := svc.CreateEntity(entity.Entity{
		ID: "n1", EntityType: "note", Content: "see ![img](entity://image/img1) here",
		Metadata: map[string]any{"title": "T"},
	}, CreateOptions{}); err != nil {
		t.Fatalf("create note: %v", err)
	}

	resolved, err := svc.GetEntity("note", "n1")
	if err != nil {
		t.Fatalf("getEntity: %v", err)
	}
	if resolved.Content == "see ![img](entity://image/img1) here" {
		t.Fatalf("expected content resolution to substitute the image reference")
	}

	raw, err := svc.GetEntityRaw("note", "n1")
	if err != nil {
		t.Fatalf("getEntityRaw: %v", err)
	}
	if raw.Content != "see ![img](entity://image/img1) here" {
		t.Fatalf("expected raw content unchanged, got %q", raw.Content)
	}
}
