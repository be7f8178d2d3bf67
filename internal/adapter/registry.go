package adapter

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/CZERTAINLY/Warden/internal/model"
)

// Registry maps tool ids to adapters. It is populated at startup and read
// concurrently afterwards.
type Registry struct {
	mx       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an adapter, tool ids must be unique.
func (r *Registry) Register(a Adapter) error {
	id := a.Descriptor().ID
	if id == "" {
		return fmt.Errorf("adapter without id: %w", model.ErrInvalidSpecification)
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.adapters[id]; ok {
		return fmt.Errorf("tool %s already registered: %w", id, model.ErrInvalidSpecification)
	}
	r.adapters[id] = a
	return nil
}

// Lookup returns the adapter of a tool or a permanent failure for unknown ids.
func (r *Registry) Lookup(id string) (Adapter, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, Permanent(fmt.Errorf("tool %s: %w", id, model.ErrNotFound))
	}
	return a, nil
}

// Descriptors returns descriptors of all registered tools sorted by id.
func (r *Registry) Descriptors() []model.ToolDescriptor {
	r.mx.RLock()
	defer r.mx.RUnlock()
	ret := make([]model.ToolDescriptor, 0, len(r.adapters))
	for _, id := range slices.Sorted(maps.Keys(r.adapters)) {
		ret = append(ret, r.adapters[id].Descriptor())
	}
	return ret
}
