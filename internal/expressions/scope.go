package expressions

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/flowlinehq/flowline/pkg/schema"
)

// Scope holds the accumulated variables of a run. Keys are flat
// "namespace.field" strings: trigger fields under "trigger.<field>" and
// node outputs under "<node_id>.<field>".
//
// The scope is append-only: a key once written is immutable for the
// lifetime of the run. Binding a duplicate key is an error, never a
// silent overwrite.
type Scope struct {
	mu   sync.RWMutex
	vars map[string]any // frozen on insert (deep-copied)
	run  map[string]any // run metadata (run_id, definition_id), immutable
}

// NewScope creates a Scope seeded from a persisted flat variable map and
// run metadata. Both are deep-copied so the caller's maps stay untouched.
func NewScope(vars, runMeta map[string]any) *Scope {
	s := &Scope{
		vars: deepCopyMap(vars),
		run:  deepCopyMap(runMeta),
	}
	if s.vars == nil {
		s.vars = make(map[string]any)
	}
	return s
}

// BindTrigger registers the validated trigger input under "trigger.<field>".
func (s *Scope) BindTrigger(input map[string]any) error {
	for field, val := range input {
		if err := s.bind("trigger."+field, val); err != nil {
			return err
		}
	}
	return nil
}

// BindOutputs registers a completed node's outputs under "<nodeID>.<field>".
// Outputs are frozen (deep-copied) at the time of insertion.
func (s *Scope) BindOutputs(nodeID string, outputs map[string]any) error {
	for field, val := range outputs {
		if err := s.bind(nodeID+"."+field, val); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scope) bind(key string, val any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.vars[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"variable %q already bound; run variables are append-only", key)
	}
	s.vars[key] = deepCopyAny(val)
	return nil
}

// Lookup returns the value bound to a flat key.
func (s *Scope) Lookup(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[key]
	return v, ok
}

// Flat returns a deep copy of the flat variable map, suitable for
// persisting on the run record.
func (s *Scope) Flat() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.vars)
}

// Nested reshapes the flat variables into the three namespaces the
// expression engines see:
//
//	trigger: map of trigger input fields
//	nodes:   map of node ID -> map of output fields
//	run:     run metadata (run_id, definition_id)
func (s *Scope) Nested() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trigger := make(map[string]any)
	nodes := make(map[string]any)
	for key, val := range s.vars {
		ns, field, ok := strings.Cut(key, ".")
		if !ok {
			continue
		}
		if ns == "trigger" {
			trigger[field] = deepCopyAny(val)
			continue
		}
		nodeVars, _ := nodes[ns].(map[string]any)
		if nodeVars == nil {
			nodeVars = make(map[string]any)
			nodes[ns] = nodeVars
		}
		nodeVars[field] = deepCopyAny(val)
	}

	return map[string]any{
		"trigger": trigger,
		"nodes":   nodes,
		"run":     deepCopyMap(s.run),
	}
}

// NodeOutputs returns the bound outputs of one node as a field map.
func (s *Scope) NodeOutputs(nodeID string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := nodeID + "."
	out := make(map[string]any)
	for key, val := range s.vars {
		if strings.HasPrefix(key, prefix) {
			out[strings.TrimPrefix(key, prefix)] = deepCopyAny(val)
		}
	}
	return out
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
