package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlinehq/flowline/internal/store"
	"github.com/flowlinehq/flowline/pkg/schema"
)

// recordingAppender collects emitted events for assertions.
type recordingAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (a *recordingAppender) AppendEvent(ctx context.Context, event *store.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAppender) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.Type
	}
	return out
}

func TestRunFSM_ValidTransitionsEmitEvents(t *testing.T) {
	appender := &recordingAppender{}
	fsm := NewRunFSM(appender)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "r1", schema.RunStatusRunning, schema.RunStatusSuspended))
	require.NoError(t, fsm.Transition(ctx, "r1", schema.RunStatusSuspended, schema.RunStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "r1", schema.RunStatusRunning, schema.RunStatusCompleted))

	assert.Equal(t, []string{
		schema.EventRunSuspended,
		schema.EventRunResumed,
		schema.EventRunCompleted,
	}, appender.types())
}

func TestRunFSM_RejectsInvalidTransitions(t *testing.T) {
	fsm := NewRunFSM(&recordingAppender{})
	ctx := context.Background()

	for _, tc := range []struct{ from, to schema.RunStatus }{
		{schema.RunStatusCompleted, schema.RunStatusRunning},
		{schema.RunStatusFailed, schema.RunStatusRunning},
		{schema.RunStatusCancelled, schema.RunStatusSuspended},
		{schema.RunStatusSuspended, schema.RunStatusCompleted},
	} {
		err := fsm.Transition(ctx, "r1", tc.from, tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		engErr, ok := err.(*schema.EngineError)
		require.True(t, ok)
		assert.Equal(t, schema.ErrCodeInvalidTransition, engErr.Code)
	}
}

func TestStepFSM_TransitionsAndHooks(t *testing.T) {
	appender := &recordingAppender{}
	fsm := NewStepFSM(appender)
	ctx := context.Background()

	var hookCalls []string
	fsm.OnBefore(schema.StepStatusRunning, schema.StepStatusSucceeded, func(from, to string) error {
		hookCalls = append(hookCalls, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.StepStatusRunning, schema.StepStatusSucceeded, func(from, to string) error {
		hookCalls = append(hookCalls, "after:"+from+"->"+to)
		return nil
	})

	require.NoError(t, fsm.Transition(ctx, "r1", "extract", schema.StepStatusRunning, schema.StepStatusSucceeded))
	assert.Equal(t, []string{"before:running->succeeded", "after:running->succeeded"}, hookCalls)
	assert.Equal(t, []string{schema.EventStepSucceeded}, appender.types())

	err := fsm.Transition(ctx, "r1", "extract", schema.StepStatusSucceeded, schema.StepStatusRunning)
	require.Error(t, err)
}

func TestStepFSM_SuspendedPaths(t *testing.T) {
	fsm := NewStepFSM(&recordingAppender{})
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "r1", "review", schema.StepStatusRunning, schema.StepStatusSuspended))
	require.NoError(t, fsm.Transition(ctx, "r1", "review", schema.StepStatusSuspended, schema.StepStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "r1", "review", schema.StepStatusSuspended, schema.StepStatusSkipped))
}
