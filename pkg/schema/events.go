package schema

// Event types appended to the per-run execution log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskSkipped   = "task_skipped"

	EventCircuitBreakerOpen = "circuit_breaker_open"
	EventInsightsPersisted  = "insights_persisted"
	EventDocumentIndexed    = "document_indexed"
)
