// Package resolver expands inline entity://image/{id} references in an
// entity's markdown content into data: URIs, batch-deduplicated per call.
package resolver

import (
	"regexp"

	"github.com/rizom-ai/brains-sub001/internal/adapter"
	"github.com/rizom-ai/brains-sub001/internal/entity"
)

var imageRefPattern = regexp.MustCompile(`!\[([^\]]*)\]\(entity://image/([^)]+)\)`)

// imageType is the recursion-blocklist entry: resolution never recurses
// into an image entity's own content, since images carry no further
// entity:// references of their own.
const imageType = "image"

// RawGetter fetches an entity without triggering content resolution,
// avoiding recursion back into this package. EntityService.getEntityRaw
// satisfies this.
type RawGetter func(entityType, id string) (*entity.Entity, error)

// Result carries the rewritten content plus resolution counts, per spec §4.4.
type Result struct {
	Content       string
	ResolvedCount int
	FailedCount   int
}

// Resolver performs the expansion.
type Resolver struct {
	getRaw RawGetter
}

// New builds a Resolver backed by getRaw.
func New(getRaw RawGetter) *Resolver {
	return &Resolver{getRaw: getRaw}
}

// Resolve rewrites every entity://image/{id} reference in content that
// resolves successfully, leaving unresolved references verbatim. entityType
// is the type of the entity content belongs to; resolution is skipped
// entirely for the image type itself.
func (r *Resolver) Resolve(entityType, content string) Result {
	if entityType == imageType {
		return Result{Content: content}
	}

	matches := imageRefPattern.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return Result{Content: content}
	}

	resolved := make(map[string]string)
	failed := make(map[string]struct{})

	for _, m := range matches {
		id := content[m[4]:m[5]]
		if _, ok := resolved[id]; ok {
			continue
		}
		if _, ok := failed[id]; ok {
			continue
		}
		img, err := r.getRaw(imageType, id)
		if err != nil || img == nil {
			failed[id] = struct{}{}
			continue
		}
		mimeType, _ := img.Metadata["mimeType"].(string)
		resolved[id] = adapter.DataURI(mimeType, img.Content)
	}

	out := make([]byte, 0, len(content))
	last := 0
	resolvedCount, failedCount := 0, 0
	for _, m := range matches {
		start, end := m[0], m[1]
		id := content[m[4]:m[5]]
		alt := content[m[2]:m[3]]

		out = append(out, content[last:start]...)
		if uri, ok := resolved[id]; ok {
			out = append(out, []byte("!["+alt+"]("+uri+")")...)
			resolvedCount++
		} else {
			out = append(out, content[start:end]...)
			failedCount++
		}
		last = end
	}
	out = append(out, content[last:]...)

	return Result{
		Content:       string(out),
		ResolvedCount: resolvedCount,
		FailedCount:   failedCount,
	}
}
