// Package registry is the process-wide type catalog mapping an entityType
// to its schema, adapter, and search/embedding configuration.
package registry

import (
	"sync"

	"github.com/rizom-ai/brains-sub001/internal/adapter"
	"github.com/rizom-ai/brains-sub001/internal/apperrors"
)

// TypeConfig holds the per-type knobs spec.md calls out explicitly.
type TypeConfig struct {
	// Weight multiplies a type's search score (default 1.0).
	Weight float64
	// Embeddable controls whether writes enqueue an embedding job at all.
	Embeddable bool
}

// FrontmatterExtension is an additive merge applied on top of a type's
// registered schema. Extensions must not mutate the adapter; they are
// folded fresh on every getEffectiveFrontmatterSchema call.
type FrontmatterExtension func(base map[string]any) map[string]any

type registration struct {
	adapter          adapter.Adapter
	schema           map[string]any
	config           TypeConfig
	frontmatterExtra []FrontmatterExtension
}

// Registry is a process-wide, concurrency-safe catalog. Tests should build
// their own instance with New rather than relying on a package-level
// singleton, so registrations from one test never leak into another.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*registration
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{types: make(map[string]*registration)}
}

// Register adds a new entity type. It fails with AlreadyRegistered if the
// type is already present.
func (r *Registry) Register(entityType string, schema map[string]any, a adapter.Adapter, config TypeConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[entityType]; exists {
		return &apperrors.AlreadyRegistered{EntityType: entityType}
	}
	if config.Weight == 0 {
		config.Weight = 1.0
	}
	r.types[entityType] = &registration{
		adapter: a,
		schema:  schema,
		config:  config,
	}
	return nil
}

// ExtendFrontmatter registers an additive merge function for a type's
// effective frontmatter schema. Extensions never mutate the original
// adapter: each call to GetEffectiveFrontmatterSchema composes fresh.
func (r *Registry) ExtendFrontmatter(entityType string, extension FrontmatterExtension) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.types[entityType]
	if !ok {
		return &apperrors.UnknownType{EntityType: entityType}
	}
	reg.frontmatterExtra = append(reg.frontmatterExtra, extension)
	return nil
}

// GetAdapter returns the adapter for entityType, or UnknownType.
func (r *Registry) GetAdapter(entityType string) (adapter.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.types[entityType]
	if !ok {
		return nil, &apperrors.UnknownType{EntityType: entityType}
	}
	return reg.adapter, nil
}

// GetSchema returns the registered schema for entityType.
func (r *Registry) GetSchema(entityType string) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.types[entityType]
	if !ok {
		return nil, &apperrors.UnknownType{EntityType: entityType}
	}
	return reg.schema, nil
}

// GetConfig returns the registered TypeConfig for entityType.
func (r *Registry) GetConfig(entityType string) (TypeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.types[entityType]
	if !ok {
		return TypeConfig{}, &apperrors.UnknownType{EntityType: entityType}
	}
	return reg.config, nil
}

// Has reports whether entityType is registered.
func (r *Registry) Has(entityType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[entityType]
	return ok
}

// ListTypes returns every registered entity type name.
func (r *Registry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	return out
}

// GetEffectiveFrontmatterSchema composes the schema passed to Register with
// every registered extension, in registration order, without mutating
// anything stored in the registry.
func (r *Registry) GetEffectiveFrontmatterSchema(entityType string) (map[string]any, error) {
	r.mu.RLock()
	reg, ok := r.types[entityType]
	if !ok {
		r.mu.RUnlock()
		return nil, &apperrors.UnknownType{EntityType: entityType}
	}
	base := reg.schema
	extensions := append([]FrontmatterExtension(nil), reg.frontmatterExtra...)
	r.mu.RUnlock()

	effective := make(map[string]any, len(base))
	for k, v := range base {
		effective[k] = v
	}
	for _, ext := range extensions {
		effective = ext(effective)
	}
	return effective, nil
}

// Validate runs a (deliberately shallow) schema check: every key present in
// schema with a `required: true` marker must be present and non-nil in
// value. Adapters own any finer-grained markdown-level validation.
func (r *Registry) Validate(entityType string, value map[string]any) (map[string]any, error) {
	schema, err := r.GetSchema(entityType)
	if err != nil {
		return nil, err
	}
	for field, rule := range schema {
		rules, ok := rule.(map[string]any)
		if !ok {
			continue
		}
		required, _ := rules["required"].(bool)
		if !required {
			continue
		}
		if v, present := value[field]; !present || v == nil {
			return nil, &apperrors.ValidationError{
				EntityType: entityType,
				Reason:     "missing required field: " + field,
			}
		}
	}
	return value, nil
}

// WeightMap returns every registered type's search weight, for the search
// engine's weighted_score computation.
func (r *Registry) WeightMap() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.types))
	for t, reg := range r.types {
		out[t] = reg.config.Weight
	}
	return out
}
