// Package singleton generalizes the "id = entityType" convention (spec §9)
// into a thin create-if-absent-then-cache helper layered on the entity
// service, mirroring internal/me's person-singleton shape for any
// registered type.
package singleton

import (
	"sync"

	"github.com/rizom-ai/brains-sub001/internal/entity"
	"github.com/rizom-ai/brains-sub001/internal/entityservice"
)

// Service is the subset of entityservice.Service a singleton needs.
type Service interface {
	GetEntityRaw(entityType, id string) (*entity.Entity, error)
	CreateEntity(input entity.Entity, opts entityservice.CreateOptions) (entityservice.WriteResult, error)
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*entity.Entity{}
)

// EnsureSingleton creates the well-known row for entityType (id =
// entityType) if it does not already exist, using defaultContent and
// defaultMetadata for the initial write. It is idempotent: a second call
// against an already-created singleton is a no-op.
func EnsureSingleton(svc Service, entityType, defaultContent string, defaultMetadata map[string]any) (*entity.Entity, error) {
	existing, err := svc.GetEntityRaw(entityType, entityType)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		setCache(entityType, existing)
		return existing, nil
	}

	_, err = svc.CreateEntity(entity.Entity{
		ID:         entityType,
		EntityType: entityType,
		Content:    defaultContent,
		Metadata:   defaultMetadata,
	}, entityservice.CreateOptions{})
	if err != nil {
		return nil, err
	}

	created, err := svc.GetEntityRaw(entityType, entityType)
	if err != nil {
		return nil, err
	}
	setCache(entityType, created)
	return created, nil
}

// GetSingleton returns the cached singleton for entityType if EnsureSingleton
// has already run for it in this process, without touching the store.
func GetSingleton(entityType string) (*entity.Entity, bool) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	e, ok := cache[entityType]
	return e, ok
}

// ResetCache clears every cached singleton. Exists for tests so one test's
// singleton state cannot leak into another.
func ResetCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache = map[string]*entity.Entity{}
}

func setCache(entityType string, e *entity.Entity) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	clone := e.Clone()
	cache[entityType] = &clone
}
