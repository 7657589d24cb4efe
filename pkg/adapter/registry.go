package adapter

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs an adapter from its configuration options.
type Factory func(opts map[string]string) (Adapter, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes an adapter factory available under a code. Adapters register
// from init(); a duplicate code is a programming error and panics.
func Register(code string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if factory == nil {
		panic("adapter: Register factory is nil")
	}
	if _, dup := factories[code]; dup {
		panic("adapter: Register called twice for code " + code)
	}
	factories[code] = factory
}

// New constructs the adapter registered under code.
func New(code string, opts map[string]string) (Adapter, error) {
	factoriesMu.RLock()
	factory, ok := factories[code]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown adapter code %q (registered: %v)", code, Codes())
	}
	a, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("construct adapter %q: %w", code, err)
	}
	return a, nil
}

// Codes returns the registered adapter codes, sorted.
func Codes() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	codes := make([]string, 0, len(factories))
	for code := range factories {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
