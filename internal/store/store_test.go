package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlinehq/flowline/pkg/schema"
)

// forEachStore runs the test body against both Store implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})

	t.Run("libsql", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")
		s, err := NewLibSQLStore("file:" + dbPath)
		require.NoError(t, err)
		require.NoError(t, s.Migrate(context.Background()))
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func testDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:      "invoice-intake",
		Version: 1,
		Name:    "Invoice Intake",
		Nodes: []schema.NodeDefinition{
			{ID: "start", Kind: schema.NodeKindStart},
			{ID: "extract", Kind: schema.NodeKindExtract},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "extract"},
		},
		Trigger: schema.TriggerConfig{Type: schema.TriggerManual},
	}
}

func seedRun(t *testing.T, s Store) *WorkflowRun {
	t.Helper()
	run := &WorkflowRun{
		RunID:             uuid.New().String(),
		DefinitionID:      "invoice-intake",
		DefinitionVersion: 1,
		Status:            schema.RunStatusRunning,
		TriggerInput:      map[string]any{"file_id": "f-1"},
		Variables:         map[string]any{"trigger.file_id": "f-1"},
		Frontier:          []string{"start"},
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// --- Definition tests ---

func TestPutAndGetDefinition(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		def := testDefinition()
		require.NoError(t, s.PutDefinition(ctx, def))

		got, err := s.GetDefinition(ctx, def.ID, def.Version)
		require.NoError(t, err)
		assert.Equal(t, "Invoice Intake", got.Name)
		assert.Len(t, got.Nodes, 2)
		assert.Len(t, got.Edges, 1)
	})
}

func TestPutDefinition_ImmutableVersions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		def := testDefinition()
		require.NoError(t, s.PutDefinition(ctx, def))

		// Same id+version again is a conflict; a new version is fine.
		err := s.PutDefinition(ctx, def)
		require.Error(t, err)
		var engErr *schema.EngineError
		require.ErrorAs(t, err, &engErr)
		assert.Equal(t, schema.ErrCodeConflict, engErr.Code)

		v2 := testDefinition()
		v2.Version = 2
		require.NoError(t, s.PutDefinition(ctx, v2))

		defs, err := s.ListDefinitions(ctx)
		require.NoError(t, err)
		assert.Len(t, defs, 2)
	})
}

func TestGetDefinition_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetDefinition(context.Background(), "missing", 1)
		require.Error(t, err)
		var engErr *schema.EngineError
		require.ErrorAs(t, err, &engErr)
		assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
	})
}

// --- Run tests ---

func TestCreateAndGetRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s)

		got, err := s.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, run.RunID, got.RunID)
		assert.Equal(t, schema.RunStatusRunning, got.Status)
		assert.Equal(t, "f-1", got.TriggerInput["file_id"])
		assert.Equal(t, "f-1", got.Variables["trigger.file_id"])
		assert.Equal(t, []string{"start"}, got.Frontier)
	})
}

func TestUpdateRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s)

		done := schema.RunStatusCompleted
		now := time.Now().UTC().Truncate(time.Second)
		frontier := []string{}
		require.NoError(t, s.UpdateRun(ctx, run.RunID, RunUpdate{
			Status:      &done,
			Variables:   map[string]any{"trigger.file_id": "f-1", "extract.total": 42.5},
			Frontier:    &frontier,
			CompletedAt: &now,
		}))

		got, err := s.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusCompleted, got.Status)
		assert.Equal(t, 42.5, got.Variables["extract.total"])
		assert.Empty(t, got.Frontier)
		require.NotNil(t, got.CompletedAt)
	})
}

func TestUpdateRun_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		failed := schema.RunStatusFailed
		err := s.UpdateRun(context.Background(), "missing", RunUpdate{Status: &failed})
		require.Error(t, err)
	})
}

func TestListRuns_Filter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r1 := seedRun(t, s)
		r2 := seedRun(t, s)

		suspended := schema.RunStatusSuspended
		require.NoError(t, s.UpdateRun(ctx, r2.RunID, RunUpdate{Status: &suspended}))

		got, err := s.ListRuns(ctx, RunFilter{Status: &suspended})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, r2.RunID, got[0].RunID)

		got, err = s.ListRuns(ctx, RunFilter{DefinitionID: "invoice-intake"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
		_ = r1
	})
}

// --- Step trace tests ---

func TestCommitStep_Atomic(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s)

		now := time.Now().UTC()
		step := &StepExecution{
			RunID:     run.RunID,
			NodeID:    "start",
			Attempt:   1,
			Status:    schema.StepStatusSucceeded,
			Output:    json.RawMessage(`{"ok":true}`),
			StartedAt: now,
			EndedAt:   &now,
		}
		frontier := []string{"extract"}
		require.NoError(t, s.CommitStep(ctx, step, RunUpdate{
			Variables: map[string]any{"trigger.file_id": "f-1"},
			Frontier:  &frontier,
		}))
		assert.NotZero(t, step.ID)

		steps, err := s.ListSteps(ctx, run.RunID)
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, "start", steps[0].NodeID)
		assert.Equal(t, schema.StepStatusSucceeded, steps[0].Status)

		got, err := s.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, []string{"extract"}, got.Frontier)
	})
}

func TestListSteps_AppendOnlyOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s)

		for attempt := 1; attempt <= 3; attempt++ {
			status := schema.StepStatusFailed
			if attempt == 3 {
				status = schema.StepStatusSucceeded
			}
			require.NoError(t, s.AppendStep(ctx, &StepExecution{
				RunID: run.RunID, NodeID: "extract", Attempt: attempt, Status: status,
			}))
		}

		steps, err := s.ListSteps(ctx, run.RunID)
		require.NoError(t, err)
		require.Len(t, steps, 3)
		for i, step := range steps {
			assert.Equal(t, i+1, step.Attempt)
		}
		assert.Equal(t, schema.StepStatusSucceeded, steps[2].Status)
	})
}

// --- Approval tests ---

func TestApprovalLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s)

		ap := &PendingApproval{
			ID:     uuid.New().String(),
			RunID:  run.RunID,
			NodeID: "review",
			Payload: schema.ReviewPayload{
				Title:  "Review invoice",
				Fields: map[string]any{"total": 99.0},
			},
		}
		require.NoError(t, s.CreateApproval(ctx, ap))

		got, err := s.GetApproval(ctx, run.RunID, "review")
		require.NoError(t, err)
		assert.Equal(t, ApprovalStatusPending, got.Status)
		assert.Equal(t, "Review invoice", got.Payload.Title)

		require.NoError(t, s.ResolveApproval(ctx, ap.ID, &schema.Resolution{
			Decision:     schema.DecisionEdited,
			EditedValues: map[string]any{"total": 101.0},
			ResolvedBy:   "reviewer@example.com",
		}))

		got, err = s.GetApproval(ctx, run.RunID, "review")
		require.NoError(t, err)
		assert.Equal(t, ApprovalStatusResolved, got.Status)
		assert.Equal(t, schema.DecisionEdited, got.Decision)
		assert.Equal(t, 101.0, got.EditedValues["total"])
		assert.NotNil(t, got.ResolvedAt)

		// Resolving twice is a conflict.
		err = s.ResolveApproval(ctx, ap.ID, &schema.Resolution{Decision: schema.DecisionApproved})
		require.Error(t, err)
		var engErr *schema.EngineError
		require.ErrorAs(t, err, &engErr)
		assert.Equal(t, schema.ErrCodeConflict, engErr.Code)
	})
}

func TestCancelApproval(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s)

		ap := &PendingApproval{ID: uuid.New().String(), RunID: run.RunID, NodeID: "review"}
		require.NoError(t, s.CreateApproval(ctx, ap))
		require.NoError(t, s.CancelApproval(ctx, ap.ID))

		got, err := s.GetApproval(ctx, run.RunID, "review")
		require.NoError(t, err)
		assert.Equal(t, ApprovalStatusCancelled, got.Status)

		// Cancelling a settled approval is a no-op, never an error.
		require.NoError(t, s.CancelApproval(ctx, ap.ID))
	})
}

// --- Event tests ---

func TestAppendEvent_SequencePerRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r1 := seedRun(t, s)
		r2 := seedRun(t, s)

		for i := 0; i < 3; i++ {
			require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r1.RunID, Type: schema.EventStepStarted}))
		}
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r2.RunID, Type: schema.EventRunStarted}))

		events, err := s.GetEvents(ctx, r1.RunID, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}

		// Sequences are per run, not global.
		events, err = s.GetEvents(ctx, r2.RunID, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, int64(1), events[0].Sequence)

		// Since filter returns only later events.
		events, err = s.GetEvents(ctx, r1.RunID, 2)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, int64(3), events[0].Sequence)
	})
}
