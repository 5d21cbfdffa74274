package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidflow/bidflow/internal/store"
	"github.com/bidflow/bidflow/pkg/schema"
)

// memAppender collects emitted events in memory.
type memAppender struct {
	events []*store.Event
	err    error
}

func (a *memAppender) AppendEvent(_ context.Context, event *store.Event) error {
	if a.err != nil {
		return a.err
	}
	a.events = append(a.events, event)
	return nil
}

func TestRunFSMValidTransitions(t *testing.T) {
	app := &memAppender{}
	fsm := NewRunFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusNotStarted, schema.RunStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusRunning, schema.RunStatusCompleted))

	require.Len(t, app.events, 2)
	assert.Equal(t, schema.EventRunStarted, app.events[0].Type)
	assert.Equal(t, schema.EventRunCompleted, app.events[1].Type)
}

func TestRunFSMInvalidTransition(t *testing.T) {
	fsm := NewRunFSM(&memAppender{})

	err := fsm.Transition(context.Background(), "run-1", schema.RunStatusCompleted, schema.RunStatusRunning)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
}

func TestRunFSMTerminalStatesAreFinal(t *testing.T) {
	fsm := NewRunFSM(&memAppender{})
	ctx := context.Background()

	for _, terminal := range []schema.RunStatus{schema.RunStatusCompleted, schema.RunStatusFailed} {
		for _, to := range []schema.RunStatus{
			schema.RunStatusNotStarted, schema.RunStatusRunning,
			schema.RunStatusCompleted, schema.RunStatusFailed,
		} {
			err := fsm.Transition(ctx, "run-1", terminal, to)
			assert.Error(t, err, "%s -> %s should be rejected", terminal, to)
		}
	}
}

func TestRunFSMHooks(t *testing.T) {
	app := &memAppender{}
	fsm := NewRunFSM(app)

	var order []string
	fsm.OnBefore(schema.RunStatusNotStarted, schema.RunStatusRunning, func(from, to string) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.RunStatusNotStarted, schema.RunStatusRunning, func(from, to string) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "run-1",
		schema.RunStatusNotStarted, schema.RunStatusRunning))
	assert.Equal(t, []string{"before", "after"}, order)
}

func TestRunFSMBeforeHookBlocksTransition(t *testing.T) {
	app := &memAppender{}
	fsm := NewRunFSM(app)

	fsm.OnBefore(schema.RunStatusNotStarted, schema.RunStatusRunning, func(from, to string) error {
		return errors.New("blocked")
	})

	err := fsm.Transition(context.Background(), "run-1",
		schema.RunStatusNotStarted, schema.RunStatusRunning)
	require.Error(t, err)
	assert.Empty(t, app.events, "no event should be emitted when a before hook fails")
}

func TestRunFSMAppenderFailure(t *testing.T) {
	fsm := NewRunFSM(&memAppender{err: errors.New("db gone")})

	err := fsm.Transition(context.Background(), "run-1",
		schema.RunStatusNotStarted, schema.RunStatusRunning)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
}

func TestTaskFSMLifecycle(t *testing.T) {
	app := &memAppender{}
	fsm := NewTaskFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "run-1", schema.TaskRFPAnalysis,
		schema.TaskStatusPending, schema.TaskStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.TaskRFPAnalysis,
		schema.TaskStatusRunning, schema.TaskStatusDone, nil))

	require.Len(t, app.events, 2)
	assert.Equal(t, schema.EventTaskStarted, app.events[0].Type)
	assert.Equal(t, schema.EventTaskCompleted, app.events[1].Type)
	assert.Equal(t, string(schema.TaskRFPAnalysis), app.events[0].Task)
}

func TestTaskFSMSkipFromPending(t *testing.T) {
	app := &memAppender{}
	fsm := NewTaskFSM(app)

	require.NoError(t, fsm.Transition(context.Background(), "run-1", schema.TaskCaseStudyMatching,
		schema.TaskStatusPending, schema.TaskStatusSkipped, []byte(`{"reason":"guard"}`)))

	require.Len(t, app.events, 1)
	assert.Equal(t, schema.EventTaskSkipped, app.events[0].Type)
	assert.JSONEq(t, `{"reason":"guard"}`, string(app.events[0].Payload))
}

func TestTaskFSMInvalidTransitions(t *testing.T) {
	fsm := NewTaskFSM(&memAppender{})
	ctx := context.Background()

	cases := []struct {
		from, to schema.TaskStatus
	}{
		{schema.TaskStatusPending, schema.TaskStatusDone},
		{schema.TaskStatusPending, schema.TaskStatusError},
		{schema.TaskStatusDone, schema.TaskStatusRunning},
		{schema.TaskStatusError, schema.TaskStatusRunning},
		{schema.TaskStatusSkipped, schema.TaskStatusRunning},
		{schema.TaskStatusRunning, schema.TaskStatusSkipped},
	}
	for _, tc := range cases {
		err := fsm.Transition(ctx, "run-1", schema.TaskRFPAnalysis, tc.from, tc.to, nil)
		assert.Error(t, err, "%s -> %s should be rejected", tc.from, tc.to)
		assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
	}
}

func TestTaskFSMErrorEventCarriesPayload(t *testing.T) {
	app := &memAppender{}
	fsm := NewTaskFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "run-1", schema.TaskRFPAnalysis,
		schema.TaskStatusPending, schema.TaskStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.TaskRFPAnalysis,
		schema.TaskStatusRunning, schema.TaskStatusError,
		[]byte(`{"code":"PERMANENT_EXTERNAL","message":"auth failed"}`)))

	require.Len(t, app.events, 2)
	assert.Equal(t, schema.EventTaskFailed, app.events[1].Type)
	assert.Contains(t, string(app.events[1].Payload), "PERMANENT_EXTERNAL")
}

func TestIsTerminalTask(t *testing.T) {
	assert.True(t, isTerminalTask(schema.TaskStatusDone))
	assert.True(t, isTerminalTask(schema.TaskStatusError))
	assert.True(t, isTerminalTask(schema.TaskStatusSkipped))
	assert.False(t, isTerminalTask(schema.TaskStatusPending))
	assert.False(t, isTerminalTask(schema.TaskStatusRunning))
}
