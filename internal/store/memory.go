package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowlinehq/flowline/pkg/schema"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs tests and
// embedders that do not need durability across process restarts.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*schema.WorkflowDefinition // "id@version"
	runs        map[string]*WorkflowRun
	steps       map[string][]*StepExecution // run_id -> ordered steps
	approvals   map[string]*PendingApproval
	events      map[string][]*Event // run_id -> ordered events
	nextStepID  int64
	nextEventID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*schema.WorkflowDefinition),
		runs:        make(map[string]*WorkflowRun),
		steps:       make(map[string][]*StepExecution),
		approvals:   make(map[string]*PendingApproval),
		events:      make(map[string][]*Event),
	}
}

func defKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

// --- Definitions ---

func (m *MemoryStore) PutDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition is nil or has no id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := defKey(def.ID, def.Version)
	if _, exists := m.definitions[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"definition %s version %d already exists; definitions are immutable", def.ID, def.Version)
	}
	cp := *def
	m.definitions[key] = &cp
	return nil
}

func (m *MemoryStore) GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, ok := m.definitions[defKey(id, version)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %s version %d not found", id, version)
	}
	cp := *def
	return &cp, nil
}

func (m *MemoryStore) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*schema.WorkflowDefinition, 0, len(m.definitions))
	for _, def := range m.definitions {
		cp := *def
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// --- Runs ---

func (m *MemoryStore) CreateRun(ctx context.Context, run *WorkflowRun) error {
	if run == nil || run.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run is nil or has no id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.RunID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already exists", run.RunID)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.UpdatedAt = run.CreatedAt
	m.runs[run.RunID] = cloneRun(run)
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, runID string) (*WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", runID)
	}
	return cloneRun(run), nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, runID string, update RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyRunUpdate(runID, update)
}

// applyRunUpdate mutates a stored run in place. Caller must hold mu.
func (m *MemoryStore) applyRunUpdate(runID string, update RunUpdate) error {
	run, ok := m.runs[runID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", runID)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Variables != nil {
		run.Variables = copyAnyMap(update.Variables)
	}
	if update.Frontier != nil {
		run.Frontier = append([]string(nil), (*update.Frontier)...)
	}
	if update.Error != nil {
		run.Error = append([]byte(nil), update.Error...)
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		run.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		run.CompletedAt = &t
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*WorkflowRun, 0)
	for _, run := range m.runs {
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.DefinitionID != "" && run.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Steps ---

func (m *MemoryStore) AppendStep(ctx context.Context, step *StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendStepLocked(step)
	return nil
}

func (m *MemoryStore) appendStepLocked(step *StepExecution) {
	m.nextStepID++
	step.ID = m.nextStepID
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now().UTC()
	}
	m.steps[step.RunID] = append(m.steps[step.RunID], cloneStep(step))
}

func (m *MemoryStore) CommitStep(ctx context.Context, step *StepExecution, update RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[step.RunID]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", step.RunID)
	}
	m.appendStepLocked(step)
	return m.applyRunUpdate(step.RunID, update)
}

func (m *MemoryStore) ListSteps(ctx context.Context, runID string) ([]*StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	steps := m.steps[runID]
	out := make([]*StepExecution, len(steps))
	for i, s := range steps {
		out[i] = cloneStep(s)
	}
	return out, nil
}

// --- Approvals ---

func (m *MemoryStore) CreateApproval(ctx context.Context, ap *PendingApproval) error {
	if ap == nil || ap.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "approval is nil or has no id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.approvals[ap.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval %s already exists", ap.ID)
	}
	if ap.CreatedAt.IsZero() {
		ap.CreatedAt = time.Now().UTC()
	}
	if ap.Status == "" {
		ap.Status = ApprovalStatusPending
	}
	cp := *ap
	m.approvals[ap.ID] = &cp
	return nil
}

func (m *MemoryStore) GetApproval(ctx context.Context, runID, nodeID string) (*PendingApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ap := range m.approvals {
		if ap.RunID == runID && ap.NodeID == nodeID {
			cp := *ap
			return &cp, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no approval for run %s node %s", runID, nodeID)
}

func (m *MemoryStore) ResolveApproval(ctx context.Context, id string, res *schema.Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ap, ok := m.approvals[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "approval %s not found", id)
	}
	if ap.Status != ApprovalStatusPending {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval %s is already %s", id, ap.Status)
	}
	now := time.Now().UTC()
	ap.Status = ApprovalStatusResolved
	ap.Decision = res.Decision
	ap.EditedValues = copyAnyMap(res.EditedValues)
	ap.Comment = res.Comment
	ap.ResolvedBy = res.ResolvedBy
	ap.ResolvedAt = &now
	return nil
}

func (m *MemoryStore) CancelApproval(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ap, ok := m.approvals[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "approval %s not found", id)
	}
	if ap.Status != ApprovalStatusPending {
		return nil // already settled; cancellation is a no-op
	}
	now := time.Now().UTC()
	ap.Status = ApprovalStatusCancelled
	ap.ResolvedAt = &now
	return nil
}

func (m *MemoryStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*PendingApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*PendingApproval, 0)
	for _, ap := range m.approvals {
		if filter.RunID != "" && ap.RunID != filter.RunID {
			continue
		}
		if filter.Status != "" && ap.Status != filter.Status {
			continue
		}
		cp := *ap
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextEventID++
	event.ID = m.nextEventID
	event.Sequence = int64(len(m.events[event.RunID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	m.events[event.RunID] = append(m.events[event.RunID], &cp)
	return nil
}

func (m *MemoryStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Migrate is a no-op for the in-memory store.
func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

// --- Copy helpers ---

func cloneRun(run *WorkflowRun) *WorkflowRun {
	cp := *run
	cp.TriggerInput = copyAnyMap(run.TriggerInput)
	cp.Variables = copyAnyMap(run.Variables)
	cp.Frontier = append([]string(nil), run.Frontier...)
	cp.Error = append([]byte(nil), run.Error...)
	return &cp
}

func cloneStep(step *StepExecution) *StepExecution {
	cp := *step
	cp.InputSnapshot = append([]byte(nil), step.InputSnapshot...)
	cp.Output = append([]byte(nil), step.Output...)
	cp.Error = append([]byte(nil), step.Error...)
	return &cp
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = copyAnyValue(v)
	}
	return cp
}

func copyAnyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyAnyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = copyAnyValue(item)
		}
		return cp
	default:
		return v
	}
}

var _ Store = (*MemoryStore)(nil)
