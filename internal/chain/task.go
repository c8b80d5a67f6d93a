package chain

import (
	"context"
)

// TaskStatus tracks the lifecycle of a single task within a chain.
type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskRunning        TaskStatus = "running"
	TaskCompleted      TaskStatus = "completed"
	TaskFailed         TaskStatus = "failed"
	TaskWaitingForUser TaskStatus = "waiting_for_user"
)

// Task is one planned operation against a domain service. Tasks are treated
// as immutable values: the executor records status transitions in its own
// bookkeeping and returns updated copies, it never writes through to a Task
// it was handed.
type Task struct {
	ID         string         `json:"id"`
	Service    string         `json:"service"`
	Method     string         `json:"method"`
	Parameters map[string]any `json:"parameters"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Status     TaskStatus     `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// WithParameters returns a copy of the task carrying the given parameter map.
func (t Task) WithParameters(params map[string]any) Task {
	t.Parameters = params
	return t
}

// ResultStatus classifies the outcome of executing a whole chain.
type ResultStatus string

const (
	ResultSuccess           ResultStatus = "success"
	ResultNeedsConfirmation ResultStatus = "needs_confirmation"
	ResultError             ResultStatus = "error"
)

// ExecutionResult is the outcome of driving one chain to completion.
// Outputs holds results for completed tasks only; when the chain pauses for
// confirmation no outputs are exposed at all, even if some tasks finished.
type ExecutionResult struct {
	Status       ResultStatus              `json:"status"`
	Outputs      map[string]map[string]any `json:"outputs,omitempty"`
	Confirmation *AmbiguityInfo            `json:"confirmation,omitempty"`
	Message      string                    `json:"message,omitempty"`
}

// AmbiguityKind says why a task needs user confirmation before it may run.
type AmbiguityKind string

const (
	// MultipleCandidates: a by-name operation matched more than one record
	// and no disambiguation strategy was given.
	MultipleCandidates AmbiguityKind = "multiple_candidates"
	// MissingOptionalParameter: a proposal operation was planned without its
	// optional qualifying parameter.
	MissingOptionalParameter AmbiguityKind = "missing_optional_parameter"
)

// AmbiguityInfo describes one ambiguous task found during pre-execution
// inspection. Parameters are the task's original (unresolved) parameters so
// the confirmation flow can resubmit them untouched.
type AmbiguityInfo struct {
	TaskID     string           `json:"task_id"`
	Operation  string           `json:"operation"`
	Kind       AmbiguityKind    `json:"kind"`
	Candidates []map[string]any `json:"candidates,omitempty"`
	Options    []string         `json:"options,omitempty"`
	Message    string           `json:"message"`
	Parameters map[string]any   `json:"parameters"`
}

// AmbiguityResult is the classification of a whole plan. Only the first
// ambiguous task is surfaced to the user; the rest are kept for logging.
type AmbiguityResult struct {
	RequiresConfirmation bool
	AmbiguousTasks       []AmbiguityInfo
}

// ConfirmRequest is returned by a dispatch that cannot proceed without user
// input. It is a tagged result, not an error: execution aborts cleanly and
// the caller decides what to ask.
type ConfirmRequest struct {
	Context map[string]any
	Message string
}

// Outcome is the tagged result of a single service invocation: either a
// value or a confirmation request, never both.
type Outcome struct {
	Value   map[string]any
	Confirm *ConfirmRequest
}

// Dispatcher routes a task's target operation to a domain service.
type Dispatcher interface {
	Invoke(ctx context.Context, service, method string, params map[string]any) (Outcome, error)
}

// Progress is one executor progress notification.
type Progress struct {
	Completed   int    `json:"completed"`
	Total       int    `json:"total"`
	Percent     int    `json:"percent"`
	CurrentTask string `json:"current_task"`
}

// ProgressSink receives wavefront progress while a chain executes.
type ProgressSink interface {
	NotifyProgress(ctx context.Context, sessionID string, p Progress)
}
