package executors

import (
	"sync"

	"github.com/flowlinehq/flowline/internal/expressions"
	"github.com/flowlinehq/flowline/internal/providers"
	"github.com/flowlinehq/flowline/pkg/schema"
)

// Registry maps node kinds to their executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.NodeKind]NodeExecutor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[schema.NodeKind]NodeExecutor),
	}
}

// Register adds an executor. Returns error on duplicate kind.
func (r *Registry) Register(e NodeExecutor) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	kind := e.Kind()
	if kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor kind is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for kind %q already registered", kind)
	}

	r.executors[kind] = e
	return nil
}

// Get retrieves the executor for a node kind.
func (r *Registry) Get(kind schema.NodeKind) (NodeExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no executor for node kind %q", kind)
	}
	return e, nil
}

// Deps bundles the collaborators the default executor set needs.
type Deps struct {
	CEL       *expressions.CELEngine
	Expr      *expressions.ExprEngine
	JQ        *expressions.GoJQEngine
	Interp    *expressions.Interpolator
	Extractor providers.Extractor
	Providers *providers.Registry
}

// NewDefaultRegistry builds a Registry with one executor per node kind.
func NewDefaultRegistry(deps Deps) (*Registry, error) {
	r := NewRegistry()
	all := []NodeExecutor{
		&StartExecutor{},
		NewDecisionExecutor(deps.CEL),
		&ForkExecutor{},
		&JoinExecutor{},
		NewExtractExecutor(deps.Extractor, deps.JQ, deps.Expr, deps.Interp),
		NewApprovalExecutor(deps.Interp),
		NewActionExecutor(deps.Providers, deps.Interp),
	}
	for _, e := range all {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}
