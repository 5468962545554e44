package schema

// Event type constants for the simulation event log and progress stream.
const (
	EventRunStarted   = "run_started"
	EventRunTurn      = "run_turn"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunRedirect  = "run_redirected"

	EventBatchStarted   = "batch_started"
	EventBatchCompleted = "batch_completed"
	EventBatchAborted   = "batch_aborted"

	EventScheduleTriggered = "schedule_triggered"
)

// RunStatus represents the lifecycle state of a simulation run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}
