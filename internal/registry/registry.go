// Package registry holds the saga definitions the orchestrator can start by
// transaction type.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/utafrali/saga-orchestrator/internal/domain"
	apperrors "github.com/utafrali/saga-orchestrator/pkg/errors"
)

// Registry is a concurrency-safe set of saga definitions keyed by type name.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]domain.SagaDefinition
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{defs: make(map[string]domain.SagaDefinition)}
}

// Register validates def and adds it. A type name can only be registered once.
func (r *Registry) Register(def domain.SagaDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	def.Steps = append([]domain.StepTemplate(nil), def.Steps...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.TypeName]; exists {
		return apperrors.Validation(fmt.Sprintf("definition %s is already registered", def.TypeName))
	}
	r.defs[def.TypeName] = def
	return nil
}

// Get returns the definition registered under typeName.
func (r *Registry) Get(typeName string) (domain.SagaDefinition, error) {
	r.mu.RLock()
	def, ok := r.defs[typeName]
	r.mu.RUnlock()
	if !ok {
		return domain.SagaDefinition{}, apperrors.NotFound("saga definition", typeName)
	}
	def.Steps = append([]domain.StepTemplate(nil), def.Steps...)
	return def, nil
}

// List returns all definitions sorted by type name.
func (r *Registry) List() []domain.SagaDefinition {
	r.mu.RLock()
	defs := make([]domain.SagaDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].TypeName < defs[j].TypeName })
	return defs
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
