package connectors

import (
	"fmt"
	"sort"
	"sync"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
)

// Registry maps step types to connectors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]core.Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: map[string]core.Connector{}}
}

// NewDefaultRegistry returns a registry holding the built-in connectors.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("noop", Noop{})
	r.Register("log", Log{})
	r.Register("http", NewHTTP())
	return r
}

func (r *Registry) Register(stepType string, c core.Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[stepType] = c
}

func (r *Registry) Get(stepType string) (core.Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[stepType]
	if !ok {
		return nil, fmt.Errorf("no connector registered for step type %q", stepType)
	}
	return c, nil
}

// Types lists registered step types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.connectors))
	for t := range r.connectors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
