// Package engine schedules the analysis DAG over a document: level
// parallel execution, run and task state machines, partial result
// preservation, cancellation and timeouts, and the insights projection.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bidflow/bidflow/internal/logging"
	"github.com/bidflow/bidflow/internal/resilience"
	"github.com/bidflow/bidflow/internal/store"
	"github.com/bidflow/bidflow/internal/tasks"
	"github.com/bidflow/bidflow/pkg/schema"
)

// Config tunes the executor.
type Config struct {
	// MaxWorkers bounds how many tasks run concurrently across all runs.
	MaxWorkers int `json:"max_workers"`
	// RunTimeout cancels every outstanding task of a run when exceeded.
	RunTimeout time.Duration `json:"run_timeout"`
	// TaskTimeout bounds a single node execution.
	TaskTimeout time.Duration `json:"task_timeout"`
}

// DefaultConfig returns the standard executor tuning.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  4,
		RunTimeout:  5 * time.Minute,
		TaskTimeout: 90 * time.Second,
	}
}

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NodeRunner resolves task names to executable nodes and evaluates their
// guards. Satisfied by tasks.Registry.
type NodeRunner interface {
	Get(name schema.TaskName) (tasks.Node, bool)
	Allowed(ctx context.Context, node tasks.Node, bundle *tasks.InputBundle) (bool, error)
}

// Executor owns run state: it is the only component that mutates runs and
// task states. Nodes only return results.
type Executor struct {
	store   store.Store
	nodes   NodeRunner
	cfg     Config
	pool    *taskPool
	runFSM  *RunFSM
	taskFSM *TaskFSM
	logger  *slog.Logger

	// startMu serializes the active-run check against run creation so two
	// concurrent starts for the same document cannot both pass it.
	startMu sync.Mutex

	mu     sync.Mutex
	active map[string]*runHandle
}

// New creates an executor over the given store and node registry.
func New(st store.Store, nodes NodeRunner, cfg Config, logger *slog.Logger) *Executor {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultConfig().RunTimeout
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig().TaskTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:   st,
		nodes:   nodes,
		cfg:     cfg,
		pool:    newTaskPool(cfg.MaxWorkers, logger),
		runFSM:  NewRunFSM(st),
		taskFSM: NewTaskFSM(st),
		logger:  logger,
		active:  make(map[string]*runHandle),
	}
}

// StartRun creates and launches a run for a document. At most one run per
// (project, document) may be in progress; a concurrent start is rejected
// with a conflict. An empty selection runs every task; a selection is
// closed over its upstream dependencies.
func (e *Executor) StartRun(ctx context.Context, projectID, documentID string, selected []schema.TaskName) (string, error) {
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return "", err
	}
	if doc.ProjectID != projectID {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "document not found in project: %s", documentID)
	}

	dag, err := BuildDAG(selected)
	if err != nil {
		return "", err
	}

	e.startMu.Lock()
	defer e.startMu.Unlock()

	existing, err := e.store.GetActiveRun(ctx, projectID, documentID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", schema.NewErrorf(schema.ErrCodeConflict,
			"run %s already in progress for document %s", existing.ID, documentID).
			WithDetails(map[string]any{"run_id": existing.ID})
	}

	run := &store.Run{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		DocumentID: documentID,
		Status:     schema.RunStatusNotStarted,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return "", err
	}

	for _, t := range dag.Sorted {
		state := &store.TaskState{RunID: run.ID, Task: t, Status: schema.TaskStatusPending}
		if err := e.store.UpsertTaskState(ctx, state); err != nil {
			return "", err
		}
	}

	if err := e.runFSM.Transition(ctx, run.ID, schema.RunStatusNotStarted, schema.RunStatusRunning); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	running := schema.RunStatusRunning
	if err := e.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &running, StartedAt: &now}); err != nil {
		return "", err
	}
	run.Status = schema.RunStatusRunning

	// The run outlives the start request: it executes on a detached
	// context bounded by the run timeout.
	runCtx, cancel := context.WithTimeout(context.Background(), e.cfg.RunTimeout)
	runCtx = logging.WithIDs(runCtx, run.ID, "", documentID)

	handle := &runHandle{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.active[run.ID] = handle
	e.mu.Unlock()

	go e.execute(runCtx, handle, run, doc, dag)

	return run.ID, nil
}

// CancelRun requests cancellation of an in-progress run. Not-yet-started
// tasks are never scheduled; in-flight tasks observe cancellation at
// their next suspension point.
func (e *Executor) CancelRun(ctx context.Context, runID string) error {
	e.mu.Lock()
	handle, ok := e.active[runID]
	e.mu.Unlock()

	if ok {
		handle.cancel()
		return nil
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "run %s is not running (status: %s)", runID, run.Status)
}

// WaitForRun blocks until the run finishes or ctx is done. Returns
// immediately when the run is not active.
func (e *Executor) WaitForRun(ctx context.Context, runID string) error {
	e.mu.Lock()
	handle, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every active run and waits for them to finish.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	handles := make([]*runHandle, 0, len(e.active))
	for _, h := range e.active {
		h.cancel()
		handles = append(handles, h)
	}
	e.mu.Unlock()

	for _, h := range handles {
		<-h.done
	}
	e.pool.close()
}

// runProgress is the mutable execution state of one run, guarded by mu.
type runProgress struct {
	mu       sync.Mutex
	statuses map[schema.TaskName]schema.TaskStatus
	outputs  map[schema.TaskName]map[string]any
	raws     map[schema.TaskName]json.RawMessage
	firstErr *schema.PipelineError
	failedAt schema.TaskName
}

// execute drives one run level by level. Tasks within a level run
// concurrently on the shared pool; the next level starts only after the
// whole level joined.
func (e *Executor) execute(ctx context.Context, handle *runHandle, run *store.Run, doc *store.Document, dag *DAG) {
	defer func() {
		handle.cancel()
		e.mu.Lock()
		delete(e.active, run.ID)
		e.mu.Unlock()
		close(handle.done)
	}()

	log := logging.LogWith(ctx, e.logger)
	log.InfoContext(ctx, "run started", "tasks", len(dag.Sorted), "levels", len(dag.Levels))

	prog := &runProgress{
		statuses: make(map[schema.TaskName]schema.TaskStatus, len(dag.Sorted)),
		outputs:  make(map[schema.TaskName]map[string]any),
		raws:     make(map[schema.TaskName]json.RawMessage),
	}
	for _, t := range dag.Sorted {
		prog.statuses[t] = schema.TaskStatusPending
	}

	for _, level := range dag.Levels {
		if ctx.Err() != nil {
			break
		}

		runnable := make([]schema.TaskName, 0, len(level))
		for _, t := range level {
			if !e.upstreamsSatisfied(dag, t, prog) {
				// An upstream failed; this task can never run and stays
				// pending for partial-result inspection.
				continue
			}
			runnable = append(runnable, t)
		}

		e.pool.runLevel(ctx, runnable, func(taskCtx context.Context, task schema.TaskName) {
			e.runTask(taskCtx, run, doc, task, prog)
		})
	}

	e.finalize(ctx, run, dag, prog)
}

// upstreamsSatisfied reports whether every dependency of a task is done
// or guard-skipped. A skipped dependency contributes an empty output; an
// errored or pending one blocks the task permanently.
func (e *Executor) upstreamsSatisfied(dag *DAG, task schema.TaskName, prog *runProgress) bool {
	prog.mu.Lock()
	defer prog.mu.Unlock()
	for _, dep := range dag.Edges[task] {
		s := prog.statuses[dep]
		if s != schema.TaskStatusDone && s != schema.TaskStatusSkipped {
			return false
		}
	}
	return true
}

// runTask executes one node: guard check, execution with a per-task
// timeout, state transitions and persistence. Node errors become task
// state, never panics or raw returns.
func (e *Executor) runTask(ctx context.Context, run *store.Run, doc *store.Document, task schema.TaskName, prog *runProgress) {
	ctx = logging.WithTask(ctx, string(task))
	log := logging.LogWith(ctx, e.logger)

	node, ok := e.nodes.Get(task)
	if !ok {
		e.failTask(ctx, run, task, prog, nil,
			schema.NewErrorf(schema.ErrCodeValidation, "no node registered for task %s", task))
		return
	}

	bundle := e.assembleBundle(run, doc, prog)

	allowed, err := e.nodes.Allowed(ctx, node, bundle)
	if err != nil {
		e.failTask(ctx, run, task, prog, nil, err)
		return
	}
	if !allowed {
		e.skipTask(ctx, run, task, prog)
		return
	}

	started := time.Now().UTC()
	if err := e.taskFSM.Transition(ctx, run.ID, task, schema.TaskStatusPending, schema.TaskStatusRunning, nil); err != nil {
		log.ErrorContext(ctx, "task transition failed", "error", err.Error())
		return
	}
	current := string(task)
	_ = e.store.UpdateRun(ctx, run.ID, store.RunUpdate{CurrentTask: &current})
	_ = e.store.UpsertTaskState(ctx, &store.TaskState{
		RunID:     run.ID,
		Task:      task,
		Status:    schema.TaskStatusRunning,
		StartedAt: &started,
	})

	taskCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	raw, execErr := node.Execute(taskCtx, bundle)
	cancel()

	if execErr != nil {
		e.failTask(ctx, run, task, prog, &started, execErr)
		return
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		e.failTask(ctx, run, task, prog, &started,
			schema.NewError(schema.ErrCodeInvalidTaskOutput, "task output is not a JSON object").
				WithTask(string(task)).WithCause(err))
		return
	}

	completed := time.Now().UTC()
	if err := e.taskFSM.Transition(ctx, run.ID, task, schema.TaskStatusRunning, schema.TaskStatusDone, nil); err != nil {
		log.ErrorContext(ctx, "task transition failed", "error", err.Error())
	}
	_ = e.store.UpsertTaskState(ctx, &store.TaskState{
		RunID:       run.ID,
		Task:        task,
		Status:      schema.TaskStatusDone,
		Output:      raw,
		StartedAt:   &started,
		CompletedAt: &completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
	})

	prog.mu.Lock()
	prog.statuses[task] = schema.TaskStatusDone
	prog.outputs[task] = decoded
	prog.raws[task] = raw
	prog.mu.Unlock()

	log.InfoContext(ctx, "task completed", "duration_ms", completed.Sub(started).Milliseconds())
}

// assembleBundle snapshots upstream outputs into a node input bundle.
func (e *Executor) assembleBundle(run *store.Run, doc *store.Document, prog *runProgress) *tasks.InputBundle {
	prog.mu.Lock()
	defer prog.mu.Unlock()

	outputs := make(map[schema.TaskName]map[string]any, len(prog.outputs))
	for t, out := range prog.outputs {
		outputs[t] = out
	}
	return &tasks.InputBundle{
		ProjectID:    run.ProjectID,
		DocumentID:   run.DocumentID,
		DocumentText: doc.Text,
		Outputs:      outputs,
	}
}

// skipTask marks a guard-skipped task. A skipped task satisfies its
// dependents with an empty output.
func (e *Executor) skipTask(ctx context.Context, run *store.Run, task schema.TaskName, prog *runProgress) {
	payload, _ := json.Marshal(map[string]any{"reason": "guard evaluated to false"})
	if err := e.taskFSM.Transition(ctx, run.ID, task, schema.TaskStatusPending, schema.TaskStatusSkipped, payload); err != nil {
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "task transition failed", "error", err.Error())
	}
	now := time.Now().UTC()
	_ = e.store.UpsertTaskState(ctx, &store.TaskState{
		RunID:       run.ID,
		Task:        task,
		Status:      schema.TaskStatusSkipped,
		CompletedAt: &now,
	})

	prog.mu.Lock()
	prog.statuses[task] = schema.TaskStatusSkipped
	prog.outputs[task] = map[string]any{}
	prog.mu.Unlock()

	logging.LogWith(ctx, e.logger).InfoContext(ctx, "task skipped by guard")
}

// failTask records a task failure with its classified error kind. The
// error never propagates as a panic or raw return; run-level consequences
// are decided in finalize.
func (e *Executor) failTask(ctx context.Context, run *store.Run, task schema.TaskName, prog *runProgress, started *time.Time, execErr error) {
	perr := resilience.ClassifyError(execErr)

	payload, _ := json.Marshal(map[string]any{"code": perr.Code, "message": perr.Message})

	if perr.Code == schema.ErrCodeCircuitOpen {
		_ = e.store.AppendEvent(ctx, &store.Event{
			RunID:   run.ID,
			Task:    string(task),
			Type:    schema.EventCircuitBreakerOpen,
			Payload: payload,
		})
	}

	from := schema.TaskStatusRunning
	if started == nil {
		// Guard or registry failure before the task ever ran.
		from = schema.TaskStatusPending
		if err := e.taskFSM.Transition(ctx, run.ID, task, from, schema.TaskStatusRunning, nil); err == nil {
			from = schema.TaskStatusRunning
		}
	}
	if err := e.taskFSM.Transition(ctx, run.ID, task, from, schema.TaskStatusError, payload); err != nil {
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "task transition failed", "error", err.Error())
	}

	now := time.Now().UTC()
	state := &store.TaskState{
		RunID:       run.ID,
		Task:        task,
		Status:      schema.TaskStatusError,
		ErrorCode:   perr.Code,
		Error:       perr.Message,
		StartedAt:   started,
		CompletedAt: &now,
	}
	if started != nil {
		state.DurationMs = now.Sub(*started).Milliseconds()
	}
	_ = e.store.UpsertTaskState(ctx, state)

	prog.mu.Lock()
	prog.statuses[task] = schema.TaskStatusError
	if prog.firstErr == nil {
		prog.firstErr = perr
		prog.failedAt = task
	}
	prog.mu.Unlock()

	logging.LogWith(ctx, e.logger).ErrorContext(ctx, "task failed",
		"code", perr.Code, "error", perr.Message)
}

// finalize decides the run outcome: completed only when every task is
// done or guard-skipped; anything else is failed, with the outputs of
// succeeded siblings preserved for partial-result recovery.
func (e *Executor) finalize(ctx context.Context, run *store.Run, dag *DAG, prog *runProgress) {
	// Use a fresh context: the run context may already be cancelled and
	// the final writes must still land.
	finCtx := logging.WithIDs(context.Background(), run.ID, "", run.DocumentID)
	log := logging.LogWith(finCtx, e.logger)

	prog.mu.Lock()
	defer prog.mu.Unlock()

	completed := true
	for _, t := range dag.Sorted {
		s := prog.statuses[t]
		if s != schema.TaskStatusDone && s != schema.TaskStatusSkipped {
			completed = false
			break
		}
	}

	now := time.Now().UTC()
	noTask := ""

	if completed {
		aggregate := make(map[string]json.RawMessage, len(prog.raws))
		for t, raw := range prog.raws {
			aggregate[string(t)] = raw
		}
		output, err := json.Marshal(aggregate)
		if err != nil {
			log.ErrorContext(finCtx, "marshal aggregate output", "error", err.Error())
		}

		if err := e.runFSM.Transition(finCtx, run.ID, schema.RunStatusRunning, schema.RunStatusCompleted); err != nil {
			log.ErrorContext(finCtx, "run transition failed", "error", err.Error())
		}
		status := schema.RunStatusCompleted
		if err := e.store.UpdateRun(finCtx, run.ID, store.RunUpdate{
			Status:      &status,
			CurrentTask: &noTask,
			Output:      output,
			CompletedAt: &now,
		}); err != nil {
			log.ErrorContext(finCtx, "persist completed run", "error", err.Error())
		}

		e.projectInsights(finCtx, run, prog)
		log.InfoContext(finCtx, "run completed", "tasks", len(prog.raws))
		return
	}

	perr := prog.firstErr
	if perr == nil {
		// Cancelled or timed out between levels with nothing in flight.
		if ctx.Err() == context.DeadlineExceeded {
			perr = schema.NewError(schema.ErrCodeTimeout, "run timed out")
		} else {
			perr = schema.NewError(schema.ErrCodeCancelled, "run cancelled")
		}
	}

	if ctx.Err() == context.Canceled {
		_ = e.store.AppendEvent(finCtx, &store.Event{RunID: run.ID, Type: schema.EventRunCancelled})
	}

	errPayload, _ := json.Marshal(map[string]any{
		"task":    string(prog.failedAt),
		"code":    perr.Code,
		"message": perr.Message,
	})

	if err := e.runFSM.Transition(finCtx, run.ID, schema.RunStatusRunning, schema.RunStatusFailed); err != nil {
		log.ErrorContext(finCtx, "run transition failed", "error", err.Error())
	}
	status := schema.RunStatusFailed
	if err := e.store.UpdateRun(finCtx, run.ID, store.RunUpdate{
		Status:      &status,
		CurrentTask: &noTask,
		Error:       errPayload,
		CompletedAt: &now,
	}); err != nil {
		log.ErrorContext(finCtx, "persist failed run", "error", err.Error())
	}

	log.WarnContext(finCtx, "run failed",
		"failed_task", string(prog.failedAt), "code", perr.Code)
}

// projectInsights writes the one-way projection of a completed run into
// the insights table. The executor never reads these back.
func (e *Executor) projectInsights(ctx context.Context, run *store.Run, prog *runProgress) {
	count := 0
	for t, raw := range prog.raws {
		insight := &store.Insight{
			ID:         uuid.New().String(),
			ProjectID:  run.ProjectID,
			DocumentID: run.DocumentID,
			RunID:      run.ID,
			Kind:       string(t),
			Payload:    raw,
		}
		if err := e.store.SaveInsight(ctx, insight); err != nil {
			logging.LogWith(ctx, e.logger).ErrorContext(ctx, "persist insight",
				"kind", insight.Kind, "error", err.Error())
			continue
		}
		count++
	}

	payload, _ := json.Marshal(map[string]any{"count": count})
	_ = e.store.AppendEvent(ctx, &store.Event{
		RunID:   run.ID,
		Type:    schema.EventInsightsPersisted,
		Payload: payload,
	})
}

// GetRunState assembles the caller-visible snapshot of a run: status,
// per-task progress and outputs, and the ordered execution log. On a
// failed run it carries every output produced before the failure.
func (e *Executor) GetRunState(ctx context.Context, runID string) (*schema.RunState, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	states, err := e.store.ListTaskStates(ctx, runID)
	if err != nil {
		return nil, err
	}

	events, err := e.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}

	state := &schema.RunState{
		RunID:       run.ID,
		ProjectID:   run.ProjectID,
		DocumentID:  run.DocumentID,
		Status:      run.Status,
		CurrentTask: schema.TaskName(run.CurrentTask),
		Progress:    make(map[schema.TaskName]bool, len(states)),
		Tasks:       make(map[schema.TaskName]*schema.TaskSnapshot, len(states)),
		Output:      run.Output,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}

	for _, ts := range states {
		state.Progress[ts.Task] = ts.Status == schema.TaskStatusDone
		state.Tasks[ts.Task] = &schema.TaskSnapshot{
			Task:        ts.Task,
			Status:      ts.Status,
			Output:      ts.Output,
			ErrorCode:   ts.ErrorCode,
			Error:       ts.Error,
			StartedAt:   ts.StartedAt,
			CompletedAt: ts.CompletedAt,
			DurationMs:  ts.DurationMs,
		}
	}

	state.Log = buildLog(events)
	return state, nil
}

// buildLog converts task events into the ordered execution log.
func buildLog(events []*store.Event) []schema.LogEntry {
	log := make([]schema.LogEntry, 0, len(events))
	for _, ev := range events {
		if ev.Task == "" {
			continue
		}
		entry := schema.LogEntry{
			Task:      schema.TaskName(ev.Task),
			Timestamp: ev.Timestamp,
		}
		switch ev.Type {
		case schema.EventTaskStarted:
			entry.Outcome = "started"
		case schema.EventTaskCompleted:
			entry.Outcome = "done"
		case schema.EventTaskFailed:
			entry.Outcome = "error"
		case schema.EventTaskSkipped:
			entry.Outcome = "skipped"
		case schema.EventCircuitBreakerOpen:
			entry.Outcome = "circuit_open"
		default:
			continue
		}
		if len(ev.Payload) > 0 && (entry.Outcome == "error" || entry.Outcome == "circuit_open") {
			var detail struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(ev.Payload, &detail); err == nil {
				entry.ErrorCode = detail.Code
				entry.Error = detail.Message
			}
		}
		log = append(log, entry)
	}
	return log
}
