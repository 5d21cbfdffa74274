package engine

import (
	"context"
	"sync"

	"github.com/bidflow/bidflow/internal/store"
	"github.com/bidflow/bidflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store; used by FSMs to emit events on
// transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Run FSM ---

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages run lifecycle state transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a run state transition, emitting the
// corresponding event. The caller persists the new state to the store.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := runEventType(to); eventType != "" {
		event := &store.Event{
			RunID: runID,
			Type:  eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := schema.ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	default:
		return ""
	}
}

// --- Task FSM ---

type taskHookKey struct {
	from, to schema.TaskStatus
}

// TaskFSM manages task lifecycle state transitions.
type TaskFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[taskHookKey][]TransitionHook
	after    map[taskHookKey][]TransitionHook
}

// NewTaskFSM creates a TaskFSM that emits events via the given appender.
func NewTaskFSM(appender EventAppender) *TaskFSM {
	return &TaskFSM{
		appender: appender,
		before:   make(map[taskHookKey][]TransitionHook),
		after:    make(map[taskHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a task transition.
func (f *TaskFSM) OnBefore(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a task transition.
func (f *TaskFSM) OnAfter(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a task state transition, emitting the
// corresponding event with an optional payload (error details, skip
// reasons).
func (f *TaskFSM) Transition(ctx context.Context, runID string, task schema.TaskName, from, to schema.TaskStatus, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTaskTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", from, to).
			WithTask(string(task)).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := taskHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := taskEventType(to); eventType != "" {
		event := &store.Event{
			RunID:   runID,
			Task:    string(task),
			Type:    eventType,
			Payload: payload,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit task event: %s", err.Error()).
				WithTask(string(task)).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidTaskTransition(from, to schema.TaskStatus) bool {
	allowed, ok := schema.ValidTaskTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func taskEventType(to schema.TaskStatus) string {
	switch to {
	case schema.TaskStatusRunning:
		return schema.EventTaskStarted
	case schema.TaskStatusDone:
		return schema.EventTaskCompleted
	case schema.TaskStatusError:
		return schema.EventTaskFailed
	case schema.TaskStatusSkipped:
		return schema.EventTaskSkipped
	default:
		return ""
	}
}

func isTerminalTask(s schema.TaskStatus) bool {
	return s == schema.TaskStatusDone || s == schema.TaskStatusError || s == schema.TaskStatusSkipped
}
