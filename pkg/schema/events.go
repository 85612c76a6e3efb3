package schema

// Run event types published while a flow executes.
const (
	EventRunStarted    = "run.started"
	EventRunCompleted  = "run.completed"
	EventRunFailed     = "run.failed"
	EventNodeCompleted = "node.completed"
	EventNodeFailed    = "node.failed"
	EventNodeAborted   = "node.aborted"
	EventLoopIteration = "loop.iteration"
)

// RunStatus is the terminal state of a run as recorded by the store.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)
