package backend

import (
	"fmt"
	"sort"
	"sync"
)

// RuntimeAuto resolves to the strongest isolation among the registered
// runtimes.
const RuntimeAuto = "auto"

// autoPreference orders runtimes for auto-resolution; the first registered
// entry wins.
var autoPreference = []string{RuntimeFirecracker, RuntimeLocal}

// RuntimeInfo pairs a runtime name with its capabilities.
type RuntimeInfo struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered runtimes and resolves which one hosts worker
// instances.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
}

// NewRegistry creates an empty runtime registry.
func NewRegistry() *Registry {
	return &Registry{
		runtimes: make(map[string]Runtime),
	}
}

// Register adds a runtime to the registry under the given name.
func (r *Registry) Register(name string, rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[name] = rt
}

// Resolve returns the runtime registered under name. The name "auto" picks
// the preferred runtime among those registered.
func (r *Registry) Resolve(name string) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == RuntimeAuto {
		for _, candidate := range autoPreference {
			if rt, ok := r.runtimes[candidate]; ok {
				return rt, nil
			}
		}
		return nil, fmt.Errorf("no runtimes registered")
	}

	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("runtime %q is not registered", name)
	}
	return rt, nil
}

// List returns information about all registered runtimes, sorted by name
// for a stable API response.
func (r *Registry) List() []RuntimeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]RuntimeInfo, 0, len(r.runtimes))
	for name, rt := range r.runtimes {
		infos = append(infos, RuntimeInfo{
			Name:         name,
			Capabilities: rt.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
