package adapter

import (
	"testing"

	"github.com/rizom-ai/brains-sub001/internal/entity"
)

func TestNoteAdapterRoundTrip(t *testing.T) {
	a := NewNoteAdapter()
	e := entity.Entity{
		EntityType: "note",
		Content:    "hello world",
		Metadata:   map[string]any{"title": "Greeting", "tags": []any{"a", "b"}},
	}

	markdown, err := a.ToMarkdown(e)
	if err != nil {
		t.Fatalf("toMarkdown: %v", err)
	}

	parsed, err := a.FromMarkdown(markdown)
	if err != nil {
		t.Fatalf("fromMarkdown: %v", err)
	}
	if parsed.Content != e.Content {
		t.Fatalf("expected content %q, got %q", e.Content, parsed.Content)
	}
	if parsed.Metadata["title"] != "Greeting" {
		t.Fatalf("expected title to round-trip, got %v", parsed.Metadata["title"])
	}
}

func TestNoteAdapterExtractMetadataRequiresTitle(t *testing.T) {
	a := NewNoteAdapter()
	_, err := a.ExtractMetadata(entity.Entity{Metadata: map[string]any{}})
	if err == nil {
		t.Fatalf("expected error when title is missing")
	}
}

func TestSplitFrontMatterNoDelimiters(t *testing.T) {
	fm, body := SplitFrontMatter("just plain text, no frontmatter")
	if fm != "" {
		t.Fatalf("expected empty frontmatter, got %q", fm)
	}
	if body != "just plain text, no frontmatter" {
		t.Fatalf("expected full input as body, got %q", body)
	}
}

func TestImageAdapterRoundTrip(t *testing.T) {
	a := NewImageAdapter()
	e := entity.Entity{
		EntityType: "image",
		Content:    "base64payload==",
		Metadata:   map[string]any{"alt": "a cat", "mimeType": "image/png"},
	}

	markdown, err := a.ToMarkdown(e)
	if err != nil {
		t.Fatalf("toMarkdown: %v", err)
	}
	parsed, err := a.FromMarkdown(markdown)
	if err != nil {
		t.Fatalf("fromMarkdown: %v", err)
	}
	if parsed.Content != e.Content {
		t.Fatalf("expected content to round-trip, got %q", parsed.Content)
	}
	if parsed.Metadata["mimeType"] != "image/png" {
		t.Fatalf("expected mimeType to round-trip, got %v", parsed.Metadata["mimeType"])
	}
}

func TestDataURI(t *testing.T) {
	uri := DataURI("image/png", "abc123")
	if uri != "data:image/png;base64,abc123" {
		t.Fatalf("unexpected data URI: %s", uri)
	}
	if got := DataURI("", "abc123"); got != "data:application/octet-stream;base64,abc123" {
		t.Fatalf("unexpected default mime type in data URI: %s", got)
	}
}
