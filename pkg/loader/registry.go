package loader

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gowthamrao/spl-load/pkg/types"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a loader implementation available under the given adapter
// name. Implementations call it from an init function; registering the same
// name twice panics.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("loader: adapter %q registered twice", name))
	}
	registry[name] = f
}

// New builds the loader named by cfg.Adapter.
func New(cfg types.DBConfig) (Loader, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Adapter]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("loader: unknown adapter %q (have %v)", cfg.Adapter, Adapters())
	}
	return f(cfg)
}

// Adapters returns the registered adapter names, sorted.
func Adapters() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
