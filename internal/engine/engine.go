package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowlinehq/flowline/internal/executors"
	"github.com/flowlinehq/flowline/internal/store"
	"github.com/flowlinehq/flowline/pkg/schema"
)

// DefinitionValidator is the slice of the validation pipeline the engine
// consults before publishing definitions and starting runs.
type DefinitionValidator interface {
	ValidateDefinition(ctx context.Context, def *schema.WorkflowDefinition) *schema.ValidationResult
	ValidateTriggerInput(inputSchema json.RawMessage, input map[string]any) error
}

// Config tunes engine behavior.
type Config struct {
	// Workers bounds how many frontier nodes execute concurrently.
	Workers int
	// StepTimeout is the default per-attempt timeout; a node's own timeout
	// takes precedence. Zero means no default timeout.
	StepTimeout time.Duration
	// MaxAttempts caps attempts for nodes that declare no retry policy of
	// their own, so transient failures like timeouts still get retried.
	MaxAttempts int
	// Breaker configures the upstream circuit breakers.
	Breaker BreakerConfig
}

// DefaultConfig returns the default engine tuning.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		StepTimeout: 2 * time.Minute,
		MaxAttempts: 3,
		Breaker:     DefaultBreakerConfig(),
	}
}

// Engine is the facade over the walker: it publishes definitions, starts,
// resumes, and cancels runs, and reads back run state.
type Engine struct {
	store     store.Store
	registry  *executors.Registry
	validator DefinitionValidator
	runFSM    *RunFSM
	stepFSM   *StepFSM
	pool      *WorkerPool
	breakers  *BreakerRegistry
	logger    *slog.Logger
	cfg       Config
}

// New creates an Engine.
func New(st store.Store, registry *executors.Registry, validator DefinitionValidator, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Engine{
		store:     st,
		registry:  registry,
		validator: validator,
		runFSM:    NewRunFSM(st),
		stepFSM:   NewStepFSM(st),
		pool:      NewWorkerPool(cfg.Workers),
		breakers:  NewBreakerRegistry(cfg.Breaker),
		logger:    logger,
		cfg:       cfg,
	}
}

// Close shuts down the engine's worker pool, waiting for in-flight steps.
func (e *Engine) Close() {
	e.pool.Shutdown()
}

// ValidateDefinition runs the configured validation pipeline without
// persisting anything. With no validator configured, only graph
// construction is checked.
func (e *Engine) ValidateDefinition(ctx context.Context, def *schema.WorkflowDefinition) *schema.ValidationResult {
	if e.validator != nil {
		return e.validator.ValidateDefinition(ctx, def)
	}
	result := &schema.ValidationResult{}
	if _, err := BuildGraph(def); err != nil {
		msg := err.Error()
		code := schema.ErrCodeValidation
		var engErr *schema.EngineError
		if errors.As(err, &engErr) {
			code = engErr.Code
		}
		result.AddError("", code, msg)
	}
	return result
}

// PublishDefinition validates a workflow definition and persists it as a
// new immutable version.
func (e *Engine) PublishDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	if e.validator != nil {
		if result := e.validator.ValidateDefinition(ctx, def); !result.Valid() {
			return result.ToError()
		}
	} else if _, err := BuildGraph(def); err != nil {
		return err
	}
	return e.store.PutDefinition(ctx, def)
}

// StartRun validates the trigger input against the definition's input
// schema, creates the run with the start node as its frontier, and walks
// it until it completes, fails, or suspends.
func (e *Engine) StartRun(ctx context.Context, definitionID string, version int, input map[string]any) (*store.WorkflowRun, error) {
	def, err := e.store.GetDefinition(ctx, definitionID, version)
	if err != nil {
		return nil, err
	}

	graph, err := BuildGraph(def)
	if err != nil {
		return nil, err
	}

	if start, ok := graph.Node(graph.Start); ok {
		for _, field := range start.InputFields {
			if !field.Required {
				continue
			}
			if _, present := input[field.Name]; !present {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"trigger input is missing required field %q", field.Name).WithNode(graph.Start)
			}
		}
	}
	if e.validator != nil && len(def.Trigger.InputSchema) > 0 {
		if err := e.validator.ValidateTriggerInput(def.Trigger.InputSchema, input); err != nil {
			return nil, err
		}
	}

	variables := make(map[string]any, len(input))
	for field, val := range input {
		variables["trigger."+field] = val
	}

	now := time.Now().UTC()
	run := &store.WorkflowRun{
		RunID:             uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            schema.RunStatusRunning,
		TriggerInput:      input,
		Variables:         variables,
		Frontier:          []string{graph.Start},
		CreatedAt:         now,
		StartedAt:         &now,
		UpdatedAt:         now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	startedPayload, _ := json.Marshal(map[string]any{
		"definition_id": def.ID,
		"version":       def.Version,
	})
	if err := e.store.AppendEvent(ctx, &store.Event{
		RunID:   run.RunID,
		Type:    schema.EventRunStarted,
		Payload: startedPayload,
	}); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "run started",
		"run_id", run.RunID, "definition_id", def.ID, "version", def.Version)

	w, err := newWalker(e, run, def, nil)
	if err != nil {
		return nil, err
	}
	if err := w.walk(ctx); err != nil {
		return nil, err
	}
	return e.store.GetRun(ctx, run.RunID)
}

// ResumeRun applies a reviewer's decision to a suspended run and walks it
// forward. The decision is recorded on the pending approval before the
// node re-executes, so a crash after resolution never loses the decision.
func (e *Engine) ResumeRun(ctx context.Context, runID, nodeID string, resolution *schema.Resolution) (*store.WorkflowRun, error) {
	if resolution == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "resolution is required")
	}
	switch resolution.Decision {
	case schema.DecisionApproved, schema.DecisionRejected, schema.DecisionEdited:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown review decision %q", resolution.Decision)
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusSuspended {
		// Resuming a run that already moved on is a no-op: the caller gets
		// the current state back, so delivery retries of the same decision
		// are harmless.
		e.logger.InfoContext(ctx, "resume ignored, run not suspended",
			"run_id", runID, "node_id", nodeID, "status", string(run.Status))
		return run, nil
	}

	ap, err := e.store.GetApproval(ctx, runID, nodeID)
	if err != nil {
		return nil, err
	}
	if ap.Status != store.ApprovalStatusPending {
		e.logger.InfoContext(ctx, "resume ignored, approval already settled",
			"run_id", runID, "node_id", nodeID, "approval_status", ap.Status)
		return run, nil
	}

	def, err := e.store.GetDefinition(ctx, run.DefinitionID, run.DefinitionVersion)
	if err != nil {
		return nil, err
	}

	if err := e.store.ResolveApproval(ctx, ap.ID, resolution); err != nil {
		return nil, err
	}
	resolvedPayload, _ := json.Marshal(map[string]any{
		"approval_id": ap.ID,
		"decision":    string(resolution.Decision),
		"resolved_by": resolution.ResolvedBy,
	})
	if err := e.store.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		NodeID:  nodeID,
		Type:    schema.EventApprovalResolved,
		Payload: resolvedPayload,
	}); err != nil {
		return nil, err
	}

	if err := e.runFSM.Transition(ctx, runID, run.Status, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	status := schema.RunStatusRunning
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &status}); err != nil {
		return nil, err
	}
	run.Status = status
	e.logger.InfoContext(ctx, "run resumed",
		"run_id", runID, "node_id", nodeID, "decision", string(resolution.Decision))

	payload := ap.Payload
	w, err := newWalker(e, run, def, map[string]*resumeInput{
		nodeID: {review: &payload, resolution: resolution},
	})
	if err != nil {
		return nil, err
	}
	if err := w.walk(ctx); err != nil {
		return nil, err
	}
	return e.store.GetRun(ctx, runID)
}

// CancelRun terminates a running or suspended run and cancels its pending
// approvals.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s is already %s", runID, run.Status)
	}

	pending, err := e.store.ListApprovals(ctx, store.ApprovalFilter{
		RunID:  runID,
		Status: store.ApprovalStatusPending,
	})
	if err != nil {
		return err
	}
	for _, ap := range pending {
		if err := e.store.CancelApproval(ctx, ap.ID); err != nil {
			return err
		}
		cancelledPayload, _ := json.Marshal(map[string]any{
			"approval_id": ap.ID,
			"reason":      "run_cancelled",
		})
		if err := e.store.AppendEvent(ctx, &store.Event{
			RunID:   runID,
			NodeID:  ap.NodeID,
			Type:    schema.EventApprovalCancelled,
			Payload: cancelledPayload,
		}); err != nil {
			return err
		}
	}

	if err := e.runFSM.Transition(ctx, runID, run.Status, schema.RunStatusCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	status := schema.RunStatusCancelled
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:      &status,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "run cancelled", "run_id", runID)
	return nil
}

// RunState is the full observable state of one run: the run record, its
// step trace, its ordered event log, and any approvals.
type RunState struct {
	Run       *store.WorkflowRun       `json:"run"`
	Steps     []*store.StepExecution   `json:"steps,omitempty"`
	Events    []*store.Event           `json:"events,omitempty"`
	Approvals []*store.PendingApproval `json:"approvals,omitempty"`
}

// GetRunState assembles the observable state of a run.
func (e *Engine) GetRunState(ctx context.Context, runID string) (*RunState, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := e.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	approvals, err := e.store.ListApprovals(ctx, store.ApprovalFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	return &RunState{Run: run, Steps: steps, Events: events, Approvals: approvals}, nil
}

// ListRuns returns runs matching the filter.
func (e *Engine) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.WorkflowRun, error) {
	return e.store.ListRuns(ctx, filter)
}

// ListPendingApprovals returns the open review queue.
func (e *Engine) ListPendingApprovals(ctx context.Context) ([]*store.PendingApproval, error) {
	return e.store.ListApprovals(ctx, store.ApprovalFilter{Status: store.ApprovalStatusPending})
}
