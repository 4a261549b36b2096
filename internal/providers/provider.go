package providers

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/flowlinehq/flowline/pkg/schema"
)

// Extractor is the external LLM-adapter collaborator invoked by extract
// nodes. The engine treats it as a black box that turns a prompt, a target
// schema, and contextual variables into structured fields.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (map[string]any, error)
}

// ExtractRequest carries everything an adapter needs for one extraction.
type ExtractRequest struct {
	Prompt  string                 `json:"prompt"`
	Schema  json.RawMessage        `json:"schema,omitempty"`
	Context map[string]any         `json:"context,omitempty"`
	Files   []schema.FileReference `json:"files,omitempty"`
}

// FileStore is the external blob-storage collaborator. The engine only
// moves FileReferences around; bytes stay behind this interface.
type FileStore interface {
	Stat(ctx context.Context, id string) (*schema.FileReference, error)
	Put(ctx context.Context, name, contentType string, data []byte) (*schema.FileReference, error)
	Copy(ctx context.Context, id, newName string) (*schema.FileReference, error)
}

// ActionProvider is an executable side-effecting unit an action node
// delegates to (HTTP call, notification, document render, file op).
type ActionProvider interface {
	Name() string
	Schema() ProviderSchema
	Validate(params map[string]any) error
	Call(ctx context.Context, input CallInput) (map[string]any, error)
}

// ProviderSchema describes the input/output contract of a provider.
type ProviderSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// CallInput is the data handed to a provider at execution time. The
// idempotency key is derived from (run_id, node_id, attempt); providers
// that support it can use the key to deduplicate retried side effects.
type CallInput struct {
	Params         map[string]any `json:"params"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// ProviderInfo is a summary of a registered provider for listing.
type ProviderInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// permanentError marks a provider failure that must not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps an error to signal that retrying cannot succeed
// (e.g. the remote rejected the request as malformed).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether an error was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Registry is a thread-safe provider registry.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ActionProvider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]ActionProvider),
	}
}

// Register adds a provider to the registry. Returns error on duplicate name.
func (r *Registry) Register(p ActionProvider) error {
	if p == nil {
		return schema.NewError(schema.ErrCodeValidation, "provider is nil")
	}
	name := p.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "provider name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "provider %q already registered", name)
	}

	r.providers[name] = p
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (ActionProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "provider %q not registered", name)
	}
	return p, nil
}

// Has checks if a provider is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// List returns info for all registered providers, sorted by name.
func (r *Registry) List() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ProviderInfo, 0, len(r.providers))
	for _, p := range r.providers {
		s := p.Schema()
		infos = append(infos, ProviderInfo{
			Name:        p.Name(),
			Description: s.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
