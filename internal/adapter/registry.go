package adapter

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs an Adapter from a feed's base URL and page-size cap,
// as declared in config.FeedConfig.
type Factory func(baseURL string, maxPageSize int) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a named adapter factory to the global registry. Intended
// to be called from an init() in each concrete adapter's file; guarded by a
// mutex since the set of feeds is open-ended rather than fixed.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("adapter: factory %q already registered", name))
	}
	registry[name] = f
}

// New constructs the named adapter, or an error if it was never registered.
func New(name, baseURL string, maxPageSize int) (Adapter, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter: no factory registered for %q (known: %v)", name, Names())
	}
	return f(baseURL, maxPageSize)
}

// Names returns the sorted list of registered adapter names, for error
// messages and operator tooling.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
