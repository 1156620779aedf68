// Package adapter implements the per-kind resource mutation adapters and
// the registry the orchestrator dispatches through. Adapters own the
// forward mutation, its validation, and the inverse operation consumed
// during rollback.
package adapter

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	ticketaws "github.com/ticketops-framework/ticketops/internal/aws"
	"github.com/ticketops-framework/ticketops/internal/config"
	"github.com/ticketops-framework/ticketops/internal/core"
)

// Adapter handles one family of action kinds. Apply pushes a compensation
// onto the execution context after each observably successful mutation, so
// a mid-sequence failure leaves exactly the completed steps on the stack.
type Adapter interface {
	Kinds() []core.ActionKind
	Validate(ctx context.Context, req *core.ActionRequest, xc *core.ExecutionContext) error
	Apply(ctx context.Context, req *core.ActionRequest, xc *core.ExecutionContext) (*core.AppliedState, error)
	Compensate(ctx context.Context, step core.CompensationStep, xc *core.ExecutionContext) error
}

// Registry holds all available adapters keyed by action kind.
type Registry struct {
	mu       sync.RWMutex
	adapters map[core.ActionKind]Adapter
	logger   zerolog.Logger
}

// NewRegistry creates an adapter registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		adapters: make(map[core.ActionKind]Adapter),
		logger:   logger,
	}
}

// Register adds an adapter for every kind it declares.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range a.Kinds() {
		r.adapters[k] = a
		r.logger.Debug().Str("kind", string(k)).Msg("adapter registered")
	}
}

// Get returns the adapter for a kind.
func (r *Registry) Get(kind core.ActionKind) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	return a, ok
}

// RegisterBuiltinAdapters registers all built-in adapters with the registry.
func RegisterBuiltinAdapters(reg *Registry, factory *ticketaws.ClientFactory, cfg config.Config, logger zerolog.Logger) {
	reg.Register(NewComputeAdapter(factory, cfg, logger))
	reg.Register(NewNetRuleAdapter(factory, logger))
	reg.Register(NewIdentityAdapter(factory, logger))
}
