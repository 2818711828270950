package resolver

import (
	"strings"
	"testing"

	"github.com/rizom-ai/brains-sub001/internal/entity"
)

func TestResolveSubstitutesDataURI(t *testing.T) {
	calls := 0
	r := New(func(entityType, id string) (*entity.Entity, error) {
		calls++
		if entityType == "image" && id == "img1" {
			return &entity.Entity{
				ID: "img1", EntityType: "image", Content: "b64data",
				Metadata: map[string]any{"mimeType": "image/png"},
			}, nil
		}
		return nil, nil
	})

	content := "look at this: ![a cat](entity://image/img1) isn't it cute"
	result := r.Resolve("note", content)

	if result.ResolvedCount != 1 || result.FailedCount != 0 {
		t.Fatalf("expected 1 resolved 0 failed, got %+v", result)
	}
	if !strings.Contains(result.Content, "data:image/png;base64,b64data") {
		t.Fatalf("expected data URI substitution, got %q", result.Content)
	}
}

func TestResolveDedupesRepeatedReferences(t *testing.T) {
	fetches := 0
	r := New(func(entityType, id string) (*entity.Entity, error) {
		fetches++
		return &entity.Entity{ID: id, EntityType: "image", Content: "data", Metadata: map[string]any{"mimeType": "image/png"}}, nil
	})

	content := "![a](entity://image/img1) and again ![a](entity://image/img1)"
	result := r.Resolve("note", content)

	if result.ResolvedCount != 2 {
		t.Fatalf("expected both occurrences substituted, got %d", result.ResolvedCount)
	}
	if fetches != 1 {
		t.Fatalf("expected fetch deduplication, got %d fetches", fetches)
	}
}

func TestResolveLeavesUnresolvedReferenceVerbatim(t *testing.T) {
	r := New(func(entityType, id string) (*entity.Entity, error) {
		return nil, nil
	})

	content := "missing image here: ![alt](entity://image/ghost)"
	result := r.Resolve("note", content)

	if result.FailedCount != 1 || result.ResolvedCount != 0 {
		t.Fatalf("expected 1 failed 0 resolved, got %+v", result)
	}
	if !strings.Contains(result.Content, "entity://image/ghost") {
		t.Fatalf("expected unresolved reference left verbatim, got %q", result.Content)
	}
}

func TestResolveSkipsImageType(t *testing.T) {
	called := false
	r := New(func(entityType, id string) (*entity.Entity, error) {
		called = true
		return nil, nil
	})

	content := "![alt](entity://image/other)"
	result := r.Resolve("image", content)

	if called {
		t.Fatalf("resolver must not recurse for the image type itself")
	}
	if result.Content != content {
		t.Fatalf("expected content unchanged for image type, got %q", result.Content)
	}
}
