package crmsync

import (
	"fmt"
	"sort"
	"sync"
)

// EntityStrategy is everything the generic dispatcher needs to sync one
// entity type: its default field mapping and the client that talks to the
// external API for it.
type EntityStrategy struct {
	Type         EntityType
	DefaultRules []MappingRule
	Client       ExternalClient
}

type Registry struct {
	mu         sync.RWMutex
	strategies map[EntityType]EntityStrategy
}

// NewRegistry registers every built-in entity type against client.
func NewRegistry(client ExternalClient) *Registry {
	r := &Registry{strategies: map[EntityType]EntityStrategy{}}
	for _, entityType := range entityTypes {
		r.Register(EntityStrategy{Type: entityType, DefaultRules: DefaultRules(entityType), Client: client})
	}
	return r
}

func (r *Registry) Register(strategy EntityStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[strategy.Type] = strategy
}

func (r *Registry) Lookup(entityType EntityType) (EntityStrategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	strategy, ok := r.strategies[entityType]
	if !ok || strategy.Client == nil {
		return EntityStrategy{}, Permanent(fmt.Errorf("%w: no sync strategy for entity type %q", ErrInvalidInput, entityType))
	}
	return strategy, nil
}

func (r *Registry) Types() []EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EntityType, 0, len(r.strategies))
	for entityType := range r.strategies {
		out = append(out, entityType)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
