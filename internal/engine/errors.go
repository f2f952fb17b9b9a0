package engine

import "fmt"

// ValidationError rejects malformed input before any state changes.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InvalidStateTransitionError reports a lifecycle move the project's
// current status does not allow.
type InvalidStateTransitionError struct {
	From string
	To   string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("cannot move project from %s to %s", e.From, e.To)
}

// WrongChannelError reports an operation aimed at a task that lives on
// the other side of the local/external split.
type WrongChannelError struct {
	TaskID string
	Reason string
}

func (e *WrongChannelError) Error() string {
	return fmt.Sprintf("task %s: %s", e.TaskID, e.Reason)
}

// ConflictError reports a lost race, e.g. taking a task another
// organization already claimed.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// TaskFailure is one task-level failure inside a batch operation.
type TaskFailure struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

// PartialFailure reports a batch operation that succeeded for some
// tasks and failed for others. The succeeded work is kept.
type PartialFailure struct {
	Op       string        `json:"op"`
	Failures []TaskFailure `json:"failures"`
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("%s: %d task(s) failed", e.Op, len(e.Failures))
}
