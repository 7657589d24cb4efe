package handler

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a handler from its configuration options.
type Factory func(opts map[string]string) (Handler, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a handler factory available for an entity type. Handlers
// register from init(); a duplicate entity type is a programming error and
// panics.
func Register(entityType string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if factory == nil {
		panic("handler: Register factory is nil")
	}
	if _, dup := factories[entityType]; dup {
		panic("handler: Register called twice for entity type " + entityType)
	}
	factories[entityType] = factory
}

// New constructs the handler registered for an entity type.
func New(entityType string, opts map[string]string) (Handler, error) {
	factoriesMu.RLock()
	factory, ok := factories[entityType]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for entity type %q (registered: %v)", entityType, EntityTypes())
	}
	h, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("construct handler for %q: %w", entityType, err)
	}
	if h.EntityType() != entityType {
		return nil, fmt.Errorf("handler registered for %q reports entity type %q", entityType, h.EntityType())
	}
	return h, nil
}

// EntityTypes returns the registered entity types, sorted.
func EntityTypes() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	types := make([]string, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
