package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowlinehq/flowline/internal/executors"
	"github.com/flowlinehq/flowline/internal/expressions"
	"github.com/flowlinehq/flowline/internal/store"
	"github.com/flowlinehq/flowline/pkg/schema"
)

// resumeInput carries the reviewer's decision into the suspended node's
// next attempt.
type resumeInput struct {
	review     *schema.ReviewPayload
	resolution *schema.Resolution
}

// nodeResult is the final outcome of one node's attempt loop within a wave.
type nodeResult struct {
	nodeID    string
	outcome   executors.Outcome
	attempt   int
	startedAt time.Time
	endedAt   time.Time
	input     json.RawMessage
}

// walker advances one run across the workflow graph. The frontier (the
// set of node IDs awaiting execution) is processed in waves: all ready
// frontier nodes execute concurrently on the pool, then their results are
// committed sequentially in sorted node order so replays are deterministic.
type walker struct {
	store    store.Store
	registry *executors.Registry
	runFSM   *RunFSM
	stepFSM  *StepFSM
	pool     *WorkerPool
	breakers *BreakerRegistry
	logger   *slog.Logger
	cfg      Config

	run         *store.WorkflowRun
	def         *schema.WorkflowDefinition
	graph       *Graph
	scope       *expressions.Scope
	frontier    map[string]bool
	done        map[string]bool
	attempts    map[string]int // node ID → attempts already recorded
	resolutions map[string]*resumeInput
}

func newWalker(e *Engine, run *store.WorkflowRun, def *schema.WorkflowDefinition, resolutions map[string]*resumeInput) (*walker, error) {
	graph, err := BuildGraph(def)
	if err != nil {
		return nil, err
	}

	w := &walker{
		store:    e.store,
		registry: e.registry,
		runFSM:   e.runFSM,
		stepFSM:  e.stepFSM,
		pool:     e.pool,
		breakers: e.breakers,
		logger:   e.logger,
		cfg:      e.cfg,

		run:   run,
		def:   def,
		graph: graph,
		scope: expressions.NewScope(run.Variables, map[string]any{
			"run_id":        run.RunID,
			"definition_id": run.DefinitionID,
		}),
		frontier:    make(map[string]bool, len(run.Frontier)),
		done:        make(map[string]bool),
		attempts:    make(map[string]int),
		resolutions: resolutions,
	}
	for _, id := range run.Frontier {
		w.frontier[id] = true
	}
	if w.resolutions == nil {
		w.resolutions = make(map[string]*resumeInput)
	}

	// Rebuild completion state from the step trace so a resumed or
	// crash-recovered run picks up exactly where the trace left off.
	steps, err := e.store.ListSteps(context.Background(), run.RunID)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		if s.Attempt > w.attempts[s.NodeID] {
			w.attempts[s.NodeID] = s.Attempt
		}
		if s.Status == schema.StepStatusSucceeded || s.Status == schema.StepStatusSkipped {
			w.done[s.NodeID] = true
		}
	}
	return w, nil
}

// walk runs waves until the run reaches a terminal or suspended state.
func (w *walker) walk(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return schema.NewError(schema.ErrCodeCancelled, "run walk cancelled").WithCause(err)
		}

		// Re-read the run each wave so an external cancel takes effect
		// between waves.
		current, err := w.store.GetRun(ctx, w.run.RunID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			w.run = current
			return nil
		}

		if len(w.frontier) == 0 {
			return w.completeRun(ctx)
		}

		ready, waiting, err := w.readyNodes(ctx)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			if waiting > 0 {
				// Every runnable node is parked behind a pending review.
				return w.suspendRun(ctx)
			}
			return w.failRun(ctx, schema.NewError(schema.ErrCodeValidation,
				"no runnable nodes: frontier is blocked on predecessors that will never complete"))
		}

		results := w.executeWave(ctx, ready)

		var fatal *schema.EngineError
		for _, res := range results {
			w.attempts[res.nodeID] = res.attempt
			switch out := res.outcome.(type) {
			case executors.Continue:
				if err := w.commitContinue(ctx, res, out); err != nil {
					return err
				}
			case executors.Suspend:
				// The node parks behind its pending approval; sibling
				// branches keep advancing. The run only suspends once no
				// frontier node is runnable.
				if err := w.commitSuspend(ctx, res, out); err != nil {
					return err
				}
			case executors.Fail:
				if err := w.commitFail(ctx, res, out); err != nil {
					return err
				}
				if fatal == nil {
					fatal = out.Err
				}
			}
		}

		if fatal != nil {
			return w.failRun(ctx, fatal)
		}
	}
}

// readyNodes selects the frontier nodes that can execute this wave.
// Join nodes wait until every predecessor has a terminal succeeded or
// skipped step. Approval nodes with an unresolved pending review stay
// parked; waiting counts them so the caller can tell a suspended run
// from a wedged one.
func (w *walker) readyNodes(ctx context.Context) (ready []string, waiting int, err error) {
	for id := range w.frontier {
		if w.done[id] {
			delete(w.frontier, id)
			continue
		}
		node, ok := w.graph.Node(id)
		if !ok {
			return nil, 0, schema.NewErrorf(schema.ErrCodeValidation, "frontier references unknown node %q", id)
		}

		if node.Kind == schema.NodeKindJoin {
			complete := true
			for _, pred := range w.graph.Predecessors(id) {
				if !w.done[pred] {
					complete = false
					break
				}
			}
			if !complete {
				waiting++
				continue
			}
		}

		if node.Kind == schema.NodeKindApproval && w.resolutions[id] == nil {
			ap, err := w.store.GetApproval(ctx, w.run.RunID, id)
			if err == nil && ap.Status == store.ApprovalStatusPending {
				waiting++
				continue
			}
		}

		ready = append(ready, id)
	}
	sortStrings(ready)
	return ready, waiting, nil
}

// executeWave runs the ready nodes concurrently and returns their results
// sorted by node ID.
func (w *walker) executeWave(ctx context.Context, ready []string) []*nodeResult {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make([]*nodeResult, 0, len(ready))
	)
	for _, id := range ready {
		nodeID := id
		prior := w.attempts[nodeID]
		wg.Add(1)
		err := w.pool.Submit(ctx, func(ctx context.Context) error {
			defer wg.Done()
			res := w.runNode(ctx, nodeID, prior)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			results = append(results, &nodeResult{
				nodeID:    nodeID,
				attempt:   w.attempts[nodeID] + 1,
				startedAt: time.Now(),
				endedAt:   time.Now(),
				outcome: executors.Fail{Err: schema.NewErrorf(schema.ErrCodeCancelled,
					"could not schedule node: %s", err.Error()).WithNode(nodeID)},
			})
			mu.Unlock()
		}
	}
	wg.Wait()

	sorted := make([]*nodeResult, len(results))
	copy(sorted, results)
	for i := 1; i < len(sorted); i++ {
		key := sorted[i]
		j := i - 1
		for j >= 0 && sorted[j].nodeID > key.nodeID {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = key
	}
	return sorted
}

// runNode executes one node's attempt loop: execute, classify, back off,
// retry. Intermediate failed attempts are persisted immediately; the final
// outcome is committed by the wave loop.
func (w *walker) runNode(ctx context.Context, nodeID string, priorAttempts int) *nodeResult {
	node := w.graph.Nodes[nodeID]
	policy := node.Retry
	maxAttempts := w.cfg.MaxAttempts
	if policy != nil {
		// An explicit policy wins, including max: 0 to opt out of retries.
		maxAttempts = policy.Max + 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	input, _ := json.Marshal(w.scope.Flat())
	attempt := priorAttempts

	var outcome executors.Outcome
	var started time.Time
	for retries := 0; ; retries++ {
		attempt++
		started = time.Now()

		w.appendEventQuiet(ctx, nodeID, schema.EventStepStarted, map[string]any{"attempt": attempt})

		outcome = w.executeAttempt(ctx, node, attempt)

		fail, isFail := outcome.(executors.Fail)
		if !isFail || !fail.Retryable || attempt >= maxAttempts {
			break
		}

		// Persist the failed attempt, then back off and go again.
		errRaw, _ := json.Marshal(fail.Err)
		ended := time.Now()
		step := &store.StepExecution{
			RunID:         w.run.RunID,
			NodeID:        nodeID,
			Attempt:       attempt,
			Status:        schema.StepStatusFailed,
			InputSnapshot: input,
			Error:         errRaw,
			StartedAt:     started,
			EndedAt:       &ended,
			DurationMs:    ended.Sub(started).Milliseconds(),
		}
		if err := w.store.AppendStep(ctx, step); err != nil {
			outcome = executors.Fail{Err: schema.NewErrorf(schema.ErrCodeStore,
				"persist retry attempt: %s", err.Error()).WithNode(nodeID).WithCause(err)}
			break
		}
		w.appendEventQuiet(ctx, nodeID, schema.EventStepRetried, map[string]any{
			"attempt": attempt,
			"error":   fail.Err.Message,
		})
		w.logger.WarnContext(ctx, "step attempt failed, retrying",
			"run_id", w.run.RunID, "node_id", nodeID, "attempt", attempt, "error", fail.Err.Message)

		if err := WaitForBackoff(ctx, ComputeBackoff(policy, retries)); err != nil {
			outcome = executors.Fail{Err: schema.NewError(schema.ErrCodeCancelled,
				"run cancelled during retry backoff").WithNode(nodeID).WithCause(err)}
			break
		}
	}

	// Exhausted retries on a retryable failure become a fatal failure.
	if fail, ok := outcome.(executors.Fail); ok && fail.Retryable && attempt >= maxAttempts && maxAttempts > 1 {
		outcome = executors.Fail{
			Err: schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"node failed after %d attempts: %s", attempt, fail.Err.Message).
				WithNode(nodeID).WithCause(fail.Err),
		}
	}

	return &nodeResult{
		nodeID:    nodeID,
		outcome:   outcome,
		attempt:   attempt,
		startedAt: started,
		endedAt:   time.Now(),
		input:     input,
	}
}

// executeAttempt runs a single attempt with the node's timeout and, for
// upstream-calling kinds, its circuit breaker.
func (w *walker) executeAttempt(ctx context.Context, node *schema.NodeDefinition, attempt int) executors.Outcome {
	exec, err := w.registry.Get(node.Kind)
	if err != nil {
		return executors.Fail{Err: schema.NewErrorf(schema.ErrCodeValidation,
			"no executor for node kind %q", node.Kind).WithNode(node.ID)}
	}

	guarded := node.Kind == schema.NodeKindExtract || node.Kind == schema.NodeKindAction
	target := w.run.DefinitionID + "/" + node.ID
	if guarded {
		if err := w.breakers.Allow(target); err != nil {
			engErr, _ := err.(*schema.EngineError)
			if engErr == nil {
				engErr = schema.NewError(schema.ErrCodeUpstream, err.Error())
			}
			return executors.Fail{Err: engErr.WithNode(node.ID), Retryable: true}
		}
	}

	attemptCtx := ctx
	var cancel context.CancelFunc
	timeout := w.cfg.StepTimeout
	if node.Timeout != "" {
		if d, perr := time.ParseDuration(node.Timeout); perr == nil {
			timeout = d
		}
	}
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ec := &executors.ExecContext{
		RunID:   w.run.RunID,
		Def:     w.def,
		Node:    node,
		Scope:   w.scope,
		Attempt: attempt,
		Logger:  w.logger,
	}
	if resume := w.resolutions[node.ID]; resume != nil {
		ec.Review = resume.review
		ec.Resolution = resume.resolution
	}

	outcome := exec.Execute(attemptCtx, ec)

	// A deadline hit inside the executor surfaces as a timeout, which is
	// retryable under the node's policy.
	if _, failed := outcome.(executors.Fail); failed && attemptCtx.Err() == context.DeadlineExceeded {
		outcome = executors.Fail{
			Err: schema.NewErrorf(schema.ErrCodeTimeout,
				"node timed out after %s", timeout).WithNode(node.ID),
			Retryable: true,
		}
	}

	if guarded {
		switch out := outcome.(type) {
		case executors.Continue, executors.Suspend:
			w.breakers.RecordSuccess(target)
		case executors.Fail:
			if out.Retryable {
				w.breakers.RecordFailure(target)
			}
		}
	}
	return outcome
}

// commitContinue binds the node's outputs, advances the frontier, and
// persists the succeeded step and the run snapshot in one transaction.
func (w *walker) commitContinue(ctx context.Context, res *nodeResult, out executors.Continue) error {
	if err := w.scope.BindOutputs(res.nodeID, out.Outputs); err != nil {
		return w.failRun(ctx, asEngineError(err).WithNode(res.nodeID))
	}
	w.done[res.nodeID] = true
	delete(w.frontier, res.nodeID)
	delete(w.resolutions, res.nodeID)

	successors := w.graph.Successors(res.nodeID)
	if out.NextOverride != "" {
		successors = []string{out.NextOverride}
	}
	for _, succ := range successors {
		if !w.done[succ] {
			w.frontier[succ] = true
		}
	}

	output, _ := json.Marshal(out.Outputs)
	step := w.stepRecord(res, schema.StepStatusSucceeded)
	step.Output = output

	frontier := w.frontierSlice()
	if err := w.store.CommitStep(ctx, step, store.RunUpdate{
		Variables: w.scope.Flat(),
		Frontier:  &frontier,
	}); err != nil {
		return err
	}
	return w.stepFSM.Transition(ctx, w.run.RunID, res.nodeID, schema.StepStatusRunning, schema.StepStatusSucceeded)
}

// commitSuspend persists the suspended step and parks the node behind a
// pending approval. The node stays in the frontier; the run only moves to
// suspended once no frontier node remains runnable.
func (w *walker) commitSuspend(ctx context.Context, res *nodeResult, out executors.Suspend) error {
	payload, _ := json.Marshal(out.Payload)
	step := w.stepRecord(res, schema.StepStatusSuspended)
	step.Output = payload

	frontier := w.frontierSlice()
	if err := w.store.CommitStep(ctx, step, store.RunUpdate{
		Variables: w.scope.Flat(),
		Frontier:  &frontier,
	}); err != nil {
		return err
	}
	if err := w.stepFSM.Transition(ctx, w.run.RunID, res.nodeID, schema.StepStatusRunning, schema.StepStatusSuspended); err != nil {
		return err
	}

	ap := &store.PendingApproval{
		ID:      uuid.NewString(),
		RunID:   w.run.RunID,
		NodeID:  res.nodeID,
		Payload: out.Payload,
		Status:  store.ApprovalStatusPending,
	}
	if err := w.store.CreateApproval(ctx, ap); err != nil {
		return err
	}
	w.appendEventQuiet(ctx, res.nodeID, schema.EventApprovalRequested, map[string]any{
		"approval_id": ap.ID,
		"title":       out.Payload.Title,
	})
	return nil
}

// commitFail persists the failed step; the wave loop fails the run after
// all sibling results have been committed.
func (w *walker) commitFail(ctx context.Context, res *nodeResult, out executors.Fail) error {
	errRaw, _ := json.Marshal(out.Err)
	step := w.stepRecord(res, schema.StepStatusFailed)
	step.Error = errRaw

	frontier := w.frontierSlice()
	if err := w.store.CommitStep(ctx, step, store.RunUpdate{
		Variables: w.scope.Flat(),
		Frontier:  &frontier,
	}); err != nil {
		return err
	}
	return w.stepFSM.Transition(ctx, w.run.RunID, res.nodeID, schema.StepStatusRunning, schema.StepStatusFailed)
}

// completeRun finishes a run whose frontier drained.
func (w *walker) completeRun(ctx context.Context) error {
	if err := w.runFSM.Transition(ctx, w.run.RunID, w.run.Status, schema.RunStatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	status := schema.RunStatusCompleted
	frontier := []string{}
	if err := w.store.UpdateRun(ctx, w.run.RunID, store.RunUpdate{
		Status:      &status,
		Frontier:    &frontier,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	w.run.Status = status
	w.logger.InfoContext(ctx, "run completed", "run_id", w.run.RunID)
	return nil
}

// suspendRun parks the run until a reviewer resolves a pending approval.
func (w *walker) suspendRun(ctx context.Context) error {
	if w.run.Status == schema.RunStatusSuspended {
		return nil
	}
	if err := w.runFSM.Transition(ctx, w.run.RunID, w.run.Status, schema.RunStatusSuspended); err != nil {
		return err
	}
	status := schema.RunStatusSuspended
	if err := w.store.UpdateRun(ctx, w.run.RunID, store.RunUpdate{Status: &status}); err != nil {
		return err
	}
	w.run.Status = status
	w.logger.InfoContext(ctx, "run suspended awaiting review", "run_id", w.run.RunID)
	return nil
}

// failRun terminates the run with an error, cancelling any pending
// approvals on sibling branches so reviewers never act on a dead run.
func (w *walker) failRun(ctx context.Context, engErr *schema.EngineError) error {
	pending, err := w.store.ListApprovals(ctx, store.ApprovalFilter{
		RunID:  w.run.RunID,
		Status: store.ApprovalStatusPending,
	})
	if err == nil {
		for _, ap := range pending {
			if cerr := w.store.CancelApproval(ctx, ap.ID); cerr == nil {
				w.appendEventQuiet(ctx, ap.NodeID, schema.EventApprovalCancelled, map[string]any{
					"approval_id": ap.ID,
					"reason":      "run_failed",
				})
			}
		}
	}

	if err := w.runFSM.Transition(ctx, w.run.RunID, w.run.Status, schema.RunStatusFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	status := schema.RunStatusFailed
	errRaw, _ := json.Marshal(engErr)
	if err := w.store.UpdateRun(ctx, w.run.RunID, store.RunUpdate{
		Status:      &status,
		Error:       errRaw,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	w.run.Status = status
	w.logger.ErrorContext(ctx, "run failed",
		"run_id", w.run.RunID, "node_id", engErr.NodeID, "code", engErr.Code, "error", engErr.Message)
	return nil
}

func (w *walker) stepRecord(res *nodeResult, status schema.StepStatus) *store.StepExecution {
	ended := res.endedAt
	return &store.StepExecution{
		RunID:         w.run.RunID,
		NodeID:        res.nodeID,
		Attempt:       res.attempt,
		Status:        status,
		InputSnapshot: res.input,
		StartedAt:     res.startedAt,
		EndedAt:       &ended,
		DurationMs:    ended.Sub(res.startedAt).Milliseconds(),
	}
}

func (w *walker) frontierSlice() []string {
	out := make([]string, 0, len(w.frontier))
	for id := range w.frontier {
		out = append(out, id)
	}
	sortStrings(out)
	return out
}

// appendEventQuiet emits a trace event, logging instead of failing when
// the append cannot be persisted. Trace gaps are survivable; a wedged walk
// is not.
func (w *walker) appendEventQuiet(ctx context.Context, nodeID, eventType string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	err := w.store.AppendEvent(ctx, &store.Event{
		RunID:   w.run.RunID,
		NodeID:  nodeID,
		Type:    eventType,
		Payload: raw,
	})
	if err != nil {
		w.logger.WarnContext(ctx, "trace event append failed",
			"run_id", w.run.RunID, "node_id", nodeID, "event", eventType, "error", err)
	}
}

func asEngineError(err error) *schema.EngineError {
	if engErr, ok := err.(*schema.EngineError); ok {
		return engErr
	}
	return schema.NewError(schema.ErrCodeStepFailed, err.Error()).WithCause(err)
}
