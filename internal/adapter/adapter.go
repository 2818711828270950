// Package adapter defines the per-entity-type translation between a
// structured record and markdown-with-frontmatter, the only thing an
// entity's Content column is allowed to mean.
package adapter

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rizom-ai/brains-sub001/internal/entity"
)

const frontmatterDelim = "---"

// Adapter is the fixed capability set every registered entity type must
// implement. It is an interface, not an inheritance hierarchy: concrete
// adapters compose DefaultAdapter for the frontmatter plumbing and supply
// their own ToMarkdown/FromMarkdown/ExtractMetadata.
type Adapter interface {
	// Name is the entityType this adapter serves.
	Name() string

	// ToMarkdown renders an entity's structured fields into the markdown
	// body + frontmatter blob stored in Content.
	ToMarkdown(e entity.Entity) (string, error)

	// FromMarkdown parses a markdown blob back into the entity fields it
	// encodes. The returned entity is partial: core fields (ID, EntityType,
	// Created, Updated) are filled in by the caller, not the adapter.
	FromMarkdown(markdown string) (entity.Entity, error)

	// ExtractMetadata derives the metadata column's contents from an
	// entity, for types that store metadata separately from frontmatter.
	ExtractMetadata(e entity.Entity) (map[string]any, error)

	// ParseFrontMatter parses the "---\n...\n---" header of text against
	// the adapter's own frontmatter schema (plus any registry extensions).
	ParseFrontMatter(text string, schema map[string]any) (map[string]any, error)

	// GenerateFrontMatter renders an entity's frontmatter fields back into
	// the "---\n...\n---" header.
	GenerateFrontMatter(e entity.Entity) (string, error)
}

// DefaultAdapter implements the frontmatter parse/generate plumbing shared
// by every concrete adapter. Embed it and override ToMarkdown/FromMarkdown/
// ExtractMetadata for the type-specific body shape.
type DefaultAdapter struct {
	TypeName string
	// FrontmatterKeys lists, in order, the frontmatter keys this adapter
	// owns. GenerateFrontMatter only emits keys present in the entity's
	// metadata and listed here, keeping output stable and minimal.
	FrontmatterKeys []string
}

func (a DefaultAdapter) Name() string { return a.TypeName }

// ParseFrontMatter splits text on the "---" delimiters and unmarshals the
// YAML header. Content with no frontmatter block is treated as pure body,
// per the spec's "helper parser recognizes no-frontmatter content" rule.
// The schema argument is not consulted: keys are not checked against it.
func (a DefaultAdapter) ParseFrontMatter(text string, _ map[string]any) (map[string]any, error) {
	fm, _ := SplitFrontMatter(text)
	if fm == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := yaml.Unmarshal([]byte(fm), &out); err != nil {
		return nil, fmt.Errorf("adapter %s: parse frontmatter: %w", a.TypeName, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// GenerateFrontMatter renders e.Metadata's FrontmatterKeys as a YAML header.
func (a DefaultAdapter) GenerateFrontMatter(e entity.Entity) (string, error) {
	if len(a.FrontmatterKeys) == 0 {
		return "", nil
	}
	fields := make(map[string]any, len(a.FrontmatterKeys))
	for _, key := range a.FrontmatterKeys {
		if v, ok := e.Metadata[key]; ok {
			fields[key] = v
		}
	}
	if len(fields) == 0 {
		return "", nil
	}
	var buf strings.Builder
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fields); err != nil {
		return "", fmt.Errorf("adapter %s: generate frontmatter: %w", a.TypeName, err)
	}
	_ = enc.Close()
	return fmt.Sprintf("%s\n%s%s", frontmatterDelim, buf.String(), frontmatterDelim), nil
}

// SplitFrontMatter separates a leading "---\n...\n---\n" YAML block from
// the markdown body that follows it. If the text does not start with the
// delimiter, the whole input is returned as body and frontmatter is empty.
func SplitFrontMatter(text string) (frontmatter string, body string) {
	trimmed := strings.TrimLeft(text, "\n")
	if !strings.HasPrefix(trimmed, frontmatterDelim) {
		return "", text
	}
	rest := strings.TrimPrefix(trimmed, frontmatterDelim)
	rest = strings.TrimPrefix(rest, "\n")
	idx := strings.Index(rest, "\n"+frontmatterDelim)
	if idx == -1 {
		return "", text
	}
	frontmatter = rest[:idx]
	body = rest[idx+len("\n"+frontmatterDelim):]
	body = strings.TrimPrefix(body, "\n")
	return frontmatter, body
}

// JoinFrontMatter combines a rendered frontmatter header with a body.
func JoinFrontMatter(frontmatter, body string) string {
	if frontmatter == "" {
		return body
	}
	return frontmatter + "\n" + body
}
