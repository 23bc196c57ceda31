package effects

import (
	"sort"
	"sync"

	"github.com/mesh-intelligence/entitycache/pkg/types"
)

// Registry maps entity names to the data services that persist them.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	services map[string]types.DataService
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]types.DataService)}
}

// Register binds svc to entityName, replacing any previous binding.
func (r *Registry) Register(entityName string, svc types.DataService) error {
	if entityName == "" {
		return types.ErrInvalidEntityName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[entityName] = svc
	return nil
}

// Lookup returns the service bound to entityName.
func (r *Registry) Lookup(entityName string) (types.DataService, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[entityName]
	return svc, ok && svc != nil
}

// Names returns the registered entity names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for n := range r.services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
