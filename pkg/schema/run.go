package schema

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusNotStarted RunStatus = "not_started"
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// TaskStatus is the lifecycle state of a single task within a run.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusError   TaskStatus = "error"
	TaskStatusSkipped TaskStatus = "skipped"
)

// ValidRunTransitions defines the allowed state transitions for runs.
// Completed and failed are terminal.
var ValidRunTransitions = map[RunStatus][]RunStatus{
	RunStatusNotStarted: {RunStatusRunning},
	RunStatusRunning:    {RunStatusCompleted, RunStatusFailed},
	RunStatusCompleted:  {},
	RunStatusFailed:     {},
}

// ValidTaskTransitions defines the allowed state transitions for tasks.
// A pending task may be skipped without ever running (guard false, or an
// upstream failure makes it unreachable).
var ValidTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusSkipped},
	TaskStatusRunning: {TaskStatusDone, TaskStatusError},
	TaskStatusDone:    {},
	TaskStatusError:   {},
	TaskStatusSkipped: {},
}

// TaskName identifies one of the six analysis tasks.
type TaskName string

const (
	TaskRFPAnalysis        TaskName = "rfp_analysis"
	TaskChallengeExtract   TaskName = "challenge_extraction"
	TaskDiscoveryQuestions TaskName = "discovery_questions"
	TaskValuePropositions  TaskName = "value_propositions"
	TaskCaseStudyMatching  TaskName = "case_study_matching"
	TaskProposalOutline    TaskName = "proposal_outline"
)

// TaskDependencies is the static analysis DAG, task → upstream tasks.
// The three middle tasks are independent siblings; the proposal outline
// joins all of them.
var TaskDependencies = map[TaskName][]TaskName{
	TaskRFPAnalysis:        {},
	TaskChallengeExtract:   {TaskRFPAnalysis},
	TaskDiscoveryQuestions: {TaskChallengeExtract},
	TaskValuePropositions:  {TaskChallengeExtract},
	TaskCaseStudyMatching:  {TaskChallengeExtract},
	TaskProposalOutline:    {TaskDiscoveryQuestions, TaskValuePropositions, TaskCaseStudyMatching},
}

// AllTasks lists every task in dependency order.
var AllTasks = []TaskName{
	TaskRFPAnalysis,
	TaskChallengeExtract,
	TaskDiscoveryQuestions,
	TaskValuePropositions,
	TaskCaseStudyMatching,
	TaskProposalOutline,
}

// LogEntry is one row of a run's ordered execution log.
type LogEntry struct {
	Task      TaskName  `json:"task"`
	Outcome   string    `json:"outcome"` // started | done | error | skipped
	ErrorCode string    `json:"error_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskSnapshot is the caller-visible state of a single task.
type TaskSnapshot struct {
	Task        TaskName        `json:"task"`
	Status      TaskStatus      `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
}

// RunState is the read-only snapshot returned for status polling.
// On a failed run it carries the outputs of every task that succeeded
// before the failure, so callers can recover partial results.
type RunState struct {
	RunID       string                     `json:"run_id"`
	ProjectID   string                     `json:"project_id"`
	DocumentID  string                     `json:"document_id"`
	Status      RunStatus                  `json:"status"`
	CurrentTask TaskName                   `json:"current_task,omitempty"`
	Progress    map[TaskName]bool          `json:"progress"`
	Tasks       map[TaskName]*TaskSnapshot `json:"tasks"`
	Log         []LogEntry                 `json:"log"`
	Output      json.RawMessage            `json:"output,omitempty"`
	StartedAt   *time.Time                 `json:"started_at,omitempty"`
	CompletedAt *time.Time                 `json:"completed_at,omitempty"`
}
