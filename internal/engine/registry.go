package engine

import (
	"fmt"
	"sync"

	"github.com/loomhq/loom/pkg/workflow"
)

// definitionRegistry maps workflow type names to their definitions.
type definitionRegistry struct {
	mu     sync.RWMutex
	byName map[string]workflow.Definition
}

func newDefinitionRegistry() *definitionRegistry {
	return &definitionRegistry{byName: make(map[string]workflow.Definition)}
}

func (r *definitionRegistry) Register(def workflow.Definition) error {
	if def.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("workflow %q has no handler", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("workflow already registered: %s", def.Name)
	}
	r.byName[def.Name] = def
	return nil
}

func (r *definitionRegistry) Get(name string) (workflow.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byName[name]
	return def, ok
}
