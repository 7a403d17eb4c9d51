// File: internal/agent/models.go
// Description: Task-lifetime state owned by the execution state machine.
package agent

import (
	"github.com/arvyn-ai/arvyn/api/schemas"
)

// Phase identifies where the task state machine currently is.
type Phase string

const (
	PhaseResolveTarget Phase = "ResolveTarget"
	PhaseExecute       Phase = "Execute"
	PhaseAskUser       Phase = "AskUser"
	PhaseTerminated    Phase = "Terminated"
)

// ExecutionState is the mutable state of a single task. It is owned
// exclusively by the machine's control flow; the resume entrypoint is the
// only external writer and it only touches Approval.
type ExecutionState struct {
	// History is append-only and hard-capped as a runaway guard.
	History []schemas.HistoryStep

	// Approval is tri-state and consumed (reset to unset) once acted upon.
	Approval schemas.Approval

	// SecurityPause is set while autonomy is suspended over a sensitive
	// field. While set, the only legal moves are asking the user or
	// terminating on rejection.
	SecurityPause bool

	// SensitiveTarget is the field label the active security pause is
	// holding. An approval releases typing into this field only.
	SensitiveTarget string

	// PauseQuestion is the question the active security pause asked, kept
	// so the machine can re-ask it until the user approves or rejects.
	PauseQuestion string

	// PendingQuestion is the text surfaced to the human while suspended.
	PendingQuestion string

	// LastScreenshot is the most recent captured frame.
	LastScreenshot string

	// ConsecutiveAsks counts back-to-back ASK_USER decisions. It is the
	// circuit breaker against a decision source that cannot make progress.
	ConsecutiveAsks int

	// LastProposal is the decision that drove the most recent cycle.
	LastProposal *schemas.Proposal

	// LastExecuted is the most recent step that actually ran against the
	// page. The repeated-action guard inspects it.
	LastExecuted *schemas.HistoryStep
}

// StepResult is what one resolver execution reports back to the machine.
type StepResult struct {
	// Executed is true when an action (primitive or escalated) ran.
	Executed bool
	// Finished is true when the completion detector short-circuited the task.
	Finished bool
	// AskUser is true when the resolver refused to act and needs the human
	// (target exhausted its attempt budget, or was previously disabled).
	AskUser bool
	// Question carries the text for the human when AskUser is set.
	Question string
	// FailureNote describes a non-fatal failure retried on the next cycle.
	FailureNote string
}
