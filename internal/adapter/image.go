package adapter

import (
	"fmt"

	"github.com/rizom-ai/brains-sub001/internal/entity"
)

// ImageAdapter stores a base64-encoded image payload as Content, with
// alt text and mime type in frontmatter. Image entities are the target of
// the content resolver's entity://image/{id} references, and are excluded
// from resolution themselves (the resolver's recursion-blocklist entry).
type ImageAdapter struct {
	DefaultAdapter
}

// NewImageAdapter constructs the "image" adapter.
func NewImageAdapter() *ImageAdapter {
	return &ImageAdapter{
		DefaultAdapter: DefaultAdapter{
			TypeName:        "image",
			FrontmatterKeys: []string{"alt", "mimeType"},
		},
	}
}

func (a *ImageAdapter) ToMarkdown(e entity.Entity) (string, error) {
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

func (a *ImageAdapter) FromMarkdown(markdown string) (entity.Entity, error) {
	fields, err := a.ParseFrontMatter(markdown, nil)
	if err != nil {
		return entity.Entity{}, err
	}
	_, body := SplitFrontMatter(markdown)
	metadata := map[string]any{}
	if alt, ok := fields["alt"]; ok {
		metadata["alt"] = alt
	}
	mimeType, _ := fields["mimeType"].(string)
	if mimeType == "" {
		mimeType = "image/png"
	}
	metadata["mimeType"] = mimeType
	return entity.Entity{
		EntityType: a.TypeName,
		Content:    body,
		Metadata:   metadata,
	}, nil
}

func (a *ImageAdapter) ExtractMetadata(e entity.Entity) (map[string]any, error) {
	out := map[string]any{}
	for k, v := range e.Metadata {
		out[k] = v
	}
	if _, ok := out["mimeType"]; !ok {
		return nil, fmt.Errorf("adapter %s: mimeType is required", a.TypeName)
	}
	return out, nil
}

// DataURI builds the data: URI substituted for an entity://image/{id}
// reference by the content resolver.
func DataURI(mimeType, base64Content string) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64Content)
}
