// -- api/schemas/tasks.go --
package schemas

import "time"

// TaskKind enumerates the categories of tasks the agent can carry out.
type TaskKind string

const (
	TaskPayBill       TaskKind = "PAY_BILL"
	TaskBuy           TaskKind = "BUY"
	TaskUpdateProfile TaskKind = "UPDATE_PROFILE"
	TaskLogin         TaskKind = "LOGIN"
	TaskNavigate      TaskKind = "NAVIGATE"
	TaskSearch        TaskKind = "SEARCH"
	TaskQuery         TaskKind = "QUERY"
)

// TaskDescriptor is the structured form of a user command. It is produced
// once by the intent extractor and is read-only for the rest of a task's
// lifetime.
type TaskDescriptor struct {
	Kind           TaskKind          `json:"kind"`
	Provider       string            `json:"provider"`
	Amount         float64           `json:"amount,omitempty"`
	FieldsToUpdate map[string]string `json:"fields_to_update,omitempty"`
	SearchQuery    string            `json:"search_query,omitempty"`
	Rationale      string            `json:"rationale,omitempty"`
}

// Goal renders the descriptor as the objective text handed to the decider.
func (t TaskDescriptor) Goal() string {
	goal := string(t.Kind)
	if t.Provider != "" {
		goal += " at " + t.Provider
	}
	return goal
}

// SessionStatus tracks the lifecycle of the single active session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionFinished  SessionStatus = "finished"
	SessionAborted   SessionStatus = "aborted"
	SessionCancelled SessionStatus = "cancelled"
)

// Session is the record of the one active task. At most one session is ever
// active; starting a new one ends the previous.
type Session struct {
	ID           string            `json:"id"`
	Kind         TaskKind          `json:"kind"`
	Params       map[string]string `json:"params,omitempty"`
	Status       SessionStatus     `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
}

// Approval is the tri-state human verdict collected at a suspension point.
// Exactly one of the three values holds at any time.
type Approval int

const (
	ApprovalUnset Approval = iota
	ApprovalApproved
	ApprovalRejected
)

func (a Approval) String() string {
	switch a {
	case ApprovalApproved:
		return "approved"
	case ApprovalRejected:
		return "rejected"
	default:
		return "unset"
	}
}

// HistoryStep is one executed (or suppressed) step of a task. History is
// append-only and hard-capped as a runaway guard.
type HistoryStep struct {
	Action    ProposalKind `json:"action"`
	Target    string       `json:"target"`
	Rationale string       `json:"rationale"`
}

// Outcome is the terminal report of one task run.
type Outcome struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
	Reason    string        `json:"reason"`
	Steps     int           `json:"steps"`
}
