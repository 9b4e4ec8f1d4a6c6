package adapter

import (
	"fmt"
	"sort"
	"sync"
)

// Registry resolves institution ids to adapters and their fallbacks.
type Registry struct {
	mu        sync.RWMutex
	adapters  map[string]Adapter
	fallbacks map[string]string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		adapters:  make(map[string]Adapter),
		fallbacks: make(map[string]string),
	}
}

// Register adds an adapter for an institution.
func (r *Registry) Register(institutionID string, a Adapter) error {
	if !a.Kind().Valid() {
		return fmt.Errorf("%w: %q for %s", ErrUnknownKind, a.Kind(), institutionID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[institutionID] = a
	return nil
}

// SetFallback configures the institution whose adapter serves institutionID
// once transient retries are exhausted.
func (r *Registry) SetFallback(institutionID, fallbackID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adapters[fallbackID]; !ok {
		return fmt.Errorf("%w: fallback %s", ErrUnknownInstitution, fallbackID)
	}
	if fallbackID == institutionID {
		return fmt.Errorf("institution %s cannot fall back to itself", institutionID)
	}
	r.fallbacks[institutionID] = fallbackID
	return nil
}

// Get returns the adapter for an institution.
func (r *Registry) Get(institutionID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[institutionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstitution, institutionID)
	}
	return a, nil
}

// Fallback returns the fallback institution id and adapter, if one is configured.
func (r *Registry) Fallback(institutionID string) (string, Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.fallbacks[institutionID]
	if !ok {
		return "", nil, false
	}
	a, ok := r.adapters[id]
	return id, a, ok
}

// Institutions lists registered institution ids in stable order.
func (r *Registry) Institutions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
