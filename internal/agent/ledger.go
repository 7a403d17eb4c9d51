// File: internal/agent/ledger.go
// Description: The interaction ledger: per-target attempt accounting for the
// escalation ladder, plus the single-active-session bookkeeping.
package agent

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arvyn-ai/arvyn/api/schemas"
)

// targetKey identifies a logical target: the action kind paired with the
// lowercased element label the decision source named. Counters never collide
// across kinds, so a CLICK on "Pay Now" and a TYPE into "Pay Now" are
// distinct.
type targetKey struct {
	Action schemas.ProposalKind
	Label  string
}

func keyFor(action schemas.ProposalKind, label string) targetKey {
	return targetKey{Action: action, Label: strings.ToLower(strings.TrimSpace(label))}
}

// Ledger tracks attempt counts per logical target and owns the session
// records. Counters are scoped to the agent instance, not the task: they
// survive across sessions so a target learned to be unreliable stays known,
// and are reset only through the explicit reset paths below.
type Ledger struct {
	mu       sync.Mutex
	attempts map[targetKey]int
	sentinel int

	sessions []*schemas.Session
	active   *schemas.Session

	logger *zap.Logger
}

// NewLedger creates a ledger. disabledSentinel is the counter value that
// marks a target as permanently out of automatic rotation.
func NewLedger(logger *zap.Logger, disabledSentinel int) *Ledger {
	return &Ledger{
		attempts: make(map[targetKey]int),
		sentinel: disabledSentinel,
		logger:   logger.Named("ledger"),
	}
}

// Attempts returns the current attempt count for a target.
func (l *Ledger) Attempts(action schemas.ProposalKind, label string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[keyFor(action, label)]
}

// Record increments a target's attempt count and returns the new value.
func (l *Ledger) Record(action schemas.ProposalKind, label string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := keyFor(action, label)
	l.attempts[k]++
	return l.attempts[k]
}

// ResetTarget zeroes a target's counter. Used when the hallucination guard
// rejects a value: the failure was the model's, not the page's.
func (l *Ledger) ResetTarget(action schemas.ProposalKind, label string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, keyFor(action, label))
}

// MarkEscalationSuccess sets a target's counter back to one after a
// text-anchored or direct-injection recovery landed.
func (l *Ledger) MarkEscalationSuccess(action schemas.ProposalKind, label string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[keyFor(action, label)] = 1
}

// Disable parks a target at the sentinel value so it is never retried
// automatically again.
func (l *Ledger) Disable(action schemas.ProposalKind, label string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[keyFor(action, label)] = l.sentinel
	l.logger.Warn("Target disabled after exhausting its attempt budget.",
		zap.String("action", string(action)), zap.String("label", label))
}

// Disabled reports whether a target has been parked at the sentinel.
func (l *Ledger) Disabled(action schemas.ProposalKind, label string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[keyFor(action, label)] >= l.sentinel
}

// StartSession opens a new session record. At most one session is active at
// a time: any prior active session is closed as cancelled first.
func (l *Ledger) StartSession(kind schemas.TaskKind, params map[string]string) *schemas.Session {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Per-target attempt counters deliberately persist across sessions;
	// only the session-scoped breakers start fresh (they live on the
	// machine's execution state, not here).
	now := time.Now().UTC()
	if l.active != nil && l.active.Status == schemas.SessionActive {
		l.active.Status = schemas.SessionCancelled
		l.active.LastActivity = now
		l.logger.Info("Cancelled prior active session.", zap.String("session_id", l.active.ID))
	}

	s := &schemas.Session{
		ID:           uuid.NewString(),
		Kind:         kind,
		Params:       params,
		Status:       schemas.SessionActive,
		CreatedAt:    now,
		LastActivity: now,
	}
	l.sessions = append(l.sessions, s)
	l.active = s
	l.logger.Info("Session started.",
		zap.String("session_id", s.ID), zap.String("kind", string(kind)))
	return s
}

// Touch refreshes the active session's activity timestamp.
func (l *Ledger) Touch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != nil {
		l.active.LastActivity = time.Now().UTC()
	}
}

// EndSession closes the active session with a terminal status.
func (l *Ledger) EndSession(status schemas.SessionStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return
	}
	l.active.Status = status
	l.active.LastActivity = time.Now().UTC()
	l.logger.Info("Session ended.",
		zap.String("session_id", l.active.ID), zap.String("status", string(status)))
	l.active = nil
}

// ActiveSession returns the current session, or nil when none is open.
func (l *Ledger) ActiveSession() *schemas.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Sessions returns a snapshot of every session this ledger has seen.
func (l *Ledger) Sessions() []schemas.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]schemas.Session, len(l.sessions))
	for i, s := range l.sessions {
		out[i] = *s
	}
	return out
}
