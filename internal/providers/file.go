package providers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/flowlinehq/flowline/pkg/schema"
)

// FileStatProvider implements the "file.stat" provider: it resolves a
// FileReference from the file store without touching the bytes.
type FileStatProvider struct {
	files FileStore
}

// NewFileStatProvider creates a new file.stat provider.
func NewFileStatProvider(files FileStore) *FileStatProvider {
	return &FileStatProvider{files: files}
}

func (p *FileStatProvider) Name() string { return "file.stat" }

func (p *FileStatProvider) Schema() ProviderSchema {
	return ProviderSchema{
		Description: "Resolve file metadata by reference ID.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"file_id":{"type":"string"}},"required":["file_id"]}`),
	}
}

func (p *FileStatProvider) Validate(params map[string]any) error {
	if stringParam(params, "file_id", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "file.stat: missing required param 'file_id'")
	}
	return nil
}

func (p *FileStatProvider) Call(ctx context.Context, input CallInput) (map[string]any, error) {
	if err := p.Validate(input.Params); err != nil {
		return nil, Permanent(err)
	}
	ref, err := p.files.Stat(ctx, stringParam(input.Params, "file_id", ""))
	if err != nil {
		return nil, err
	}
	return fileRefOutput(ref), nil
}

// FileCopyProvider implements the "file.copy" provider: it duplicates a
// stored file under a new name. Copies are idempotent per idempotency key.
type FileCopyProvider struct {
	files FileStore

	mu   sync.Mutex
	seen map[string]map[string]any // idempotency key -> prior result
}

// NewFileCopyProvider creates a new file.copy provider.
func NewFileCopyProvider(files FileStore) *FileCopyProvider {
	return &FileCopyProvider{files: files, seen: make(map[string]map[string]any)}
}

func (p *FileCopyProvider) Name() string { return "file.copy" }

func (p *FileCopyProvider) Schema() ProviderSchema {
	return ProviderSchema{
		Description: "Copy a stored file under a new name.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"file_id":{"type":"string"},"name":{"type":"string"}},"required":["file_id","name"]}`),
	}
}

func (p *FileCopyProvider) Validate(params map[string]any) error {
	if stringParam(params, "file_id", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "file.copy: missing required param 'file_id'")
	}
	if stringParam(params, "name", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "file.copy: missing required param 'name'")
	}
	return nil
}

func (p *FileCopyProvider) Call(ctx context.Context, input CallInput) (map[string]any, error) {
	if err := p.Validate(input.Params); err != nil {
		return nil, Permanent(err)
	}

	if input.IdempotencyKey != "" {
		p.mu.Lock()
		if prior, ok := p.seen[input.IdempotencyKey]; ok {
			p.mu.Unlock()
			return prior, nil
		}
		p.mu.Unlock()
	}

	ref, err := p.files.Copy(ctx,
		stringParam(input.Params, "file_id", ""),
		stringParam(input.Params, "name", ""))
	if err != nil {
		return nil, err
	}

	out := fileRefOutput(ref)
	if input.IdempotencyKey != "" {
		p.mu.Lock()
		p.seen[input.IdempotencyKey] = out
		p.mu.Unlock()
	}
	return out, nil
}

func fileRefOutput(ref *schema.FileReference) map[string]any {
	return map[string]any{
		"file_id":      ref.ID,
		"name":         ref.Name,
		"size":         ref.Size,
		"content_type": ref.ContentType,
	}
}

// MemoryFileStore is an in-memory FileStore for tests and embedders that
// have no external blob storage.
type MemoryFileStore struct {
	mu    sync.RWMutex
	refs  map[string]*schema.FileReference
	blobs map[string][]byte
}

// NewMemoryFileStore creates an empty MemoryFileStore.
func NewMemoryFileStore() *MemoryFileStore {
	return &MemoryFileStore{
		refs:  make(map[string]*schema.FileReference),
		blobs: make(map[string][]byte),
	}
}

func (m *MemoryFileStore) Stat(ctx context.Context, id string) (*schema.FileReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ref, ok := m.refs[id]
	if !ok {
		return nil, Permanent(schema.NewErrorf(schema.ErrCodeNotFound, "file %q not found", id))
	}
	cp := *ref
	return &cp, nil
}

func (m *MemoryFileStore) Put(ctx context.Context, name, contentType string, data []byte) (*schema.FileReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := &schema.FileReference{
		ID:          uuid.New().String(),
		Name:        name,
		Size:        int64(len(data)),
		ContentType: contentType,
	}
	m.refs[ref.ID] = ref
	m.blobs[ref.ID] = append([]byte(nil), data...)
	return ref, nil
}

func (m *MemoryFileStore) Copy(ctx context.Context, id, newName string) (*schema.FileReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.refs[id]
	if !ok {
		return nil, Permanent(schema.NewErrorf(schema.ErrCodeNotFound, "file %q not found", id))
	}
	ref := &schema.FileReference{
		ID:          uuid.New().String(),
		Name:        newName,
		Size:        src.Size,
		ContentType: src.ContentType,
	}
	m.refs[ref.ID] = ref
	m.blobs[ref.ID] = append([]byte(nil), m.blobs[id]...)
	return ref, nil
}

// Read returns the stored bytes for a reference. Test helper.
func (m *MemoryFileStore) Read(id string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[id]
	return b, ok
}

var (
	_ ActionProvider = (*FileStatProvider)(nil)
	_ ActionProvider = (*FileCopyProvider)(nil)
	_ FileStore      = (*MemoryFileStore)(nil)
)
