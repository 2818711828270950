package adapter

import (
	"fmt"
	"strings"

	"github.com/rizom-ai/brains-sub001/internal/entity"
)

// NoteAdapter stores a title and freeform tags in frontmatter, with the
// markdown body as the note's prose. It is the reference adapter for a
// plain embeddable entity type.
type NoteAdapter struct {
	DefaultAdapter
}

// NewNoteAdapter constructs the "note" adapter.
func NewNoteAdapter() *NoteAdapter {
	return &NoteAdapter{
		DefaultAdapter: DefaultAdapter{
			TypeName:        "note",
			FrontmatterKeys: []string{"title", "tags"},
		},
	}
}

func (a *NoteAdapter) ToMarkdown(e entity.Entity) (string, error) {
	fm, err := a.GenerateFrontMatter(e)
	if err != nil {
		return "", err
	}
	_, body := SplitFrontMatter(e.Content)
	if body == "" {
		body = e.Content
	}
	return JoinFrontMatter(fm, body), nil
}

func (a *NoteAdapter) FromMarkdown(markdown string) (entity.Entity, error) {
	fields, err := a.ParseFrontMatter(markdown, nil)
	if err != nil {
		return entity.Entity{}, err
	}
	_, body := SplitFrontMatter(markdown)
	metadata := map[string]any{}
	if title, ok := fields["title"]; ok {
		metadata["title"] = title
	}
	if tags, ok := fields["tags"]; ok {
		metadata["tags"] = tags
	}
	return entity.Entity{
		EntityType: a.TypeName,
		Content:    strings.TrimRight(body, "\n"),
		Metadata:   metadata,
	}, nil
}

func (a *NoteAdapter) ExtractMetadata(e entity.Entity) (map[string]any, error) {
	out := map[string]any{}
	for k, v := range e.Metadata {
		out[k] = v
	}
	if _, ok := out["title"]; !ok {
		return nil, fmt.Errorf("adapter %s: title is required", a.TypeName)
	}
	return out, nil
}
