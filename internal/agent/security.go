// File: internal/agent/security.go
// Description: The security pause protocol: classification of sensitive input
// fields, the human-approval gate in front of them, and the repeated-action
// guard that turns a duplicate sensitive entry into a corrective submit.
package agent

import (
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/arvyn-ai/arvyn/api/schemas"
)

// PauseVerdict is the outcome of evaluating a proposal against the pause
// protocol.
type PauseVerdict struct {
	// Pause means autonomy must suspend and ask the human before acting.
	Pause bool
	// Question is the text for the human when Pause is set.
	Question string
	// Override, when non-nil, replaces the proposal entirely (the
	// repeated-action guard substituting a corrective submit click).
	Override *schemas.Proposal
}

// PauseController decides when typing must stop for human approval.
type PauseController struct {
	logger *zap.Logger
}

// NewPauseController creates the controller.
func NewPauseController(logger *zap.Logger) *PauseController {
	return &PauseController{logger: logger.Named("security")}
}

// sensitiveMarkers are label phrases that always demand approval before
// the agent types into the field. Matching is on whole words so "pin"
// never fires inside "shipping".
var sensitiveMarkers = []string{
	"transaction pin",
	"card pin",
	"upi pin",
	"atm pin",
	"pin",
	"cvv",
	"cvc",
	"security code",
	"transaction password",
	"otp",
	"one time password",
}

// loginMarkers identify labels where "password" means an ordinary login
// credential rather than a transaction authorization.
var loginMarkers = []string{"login", "log in", "sign in", "signin", "username", "email"}

// tokens splits a label into lowercase word tokens. Hyphens, underscores
// and other separators all break words, so "One-Time Password" and
// "one time password" tokenize identically.
func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// containsPhrase reports whether phrase occurs in labelTokens as a
// contiguous run of whole words.
func containsPhrase(labelTokens []string, phrase string) bool {
	want := tokens(phrase)
	if len(want) == 0 || len(want) > len(labelTokens) {
		return false
	}
	for i := 0; i+len(want) <= len(labelTokens); i++ {
		match := true
		for j := range want {
			if labelTokens[i+j] != want[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// SensitiveCategory returns the matched sensitive category for a field
// label, or "" when the field is not sensitive. A bare "password" is only
// sensitive outside login contexts.
func SensitiveCategory(label string) string {
	toks := tokens(label)
	for _, m := range sensitiveMarkers {
		if containsPhrase(toks, m) {
			return m
		}
	}
	if containsPhrase(toks, "password") {
		for _, m := range loginMarkers {
			if containsPhrase(toks, m) {
				return ""
			}
		}
		return "password"
	}
	return ""
}

// Evaluate applies the pause protocol to a TYPE proposal about to execute.
// Non-TYPE proposals and non-sensitive fields pass through untouched. An
// approved resume lets exactly one sensitive action through; the machine
// consumes the approval afterwards.
func (c *PauseController) Evaluate(state *ExecutionState, p schemas.Proposal) PauseVerdict {
	if p.Kind != schemas.ProposalType {
		return PauseVerdict{}
	}
	category := SensitiveCategory(p.Target)
	if category == "" {
		return PauseVerdict{}
	}

	// Repeated-action guard: the sensitive value was already typed on the
	// previous executed step and the decision source is asking for it again.
	// The page is almost certainly waiting for a submit, not a re-entry, so
	// substitute a corrective click instead of typing (or pausing) twice.
	if last := state.LastExecuted; last != nil &&
		last.Action == schemas.ProposalType && labelsMatch(last.Target, p.Target) {
		c.logger.Warn("Duplicate sensitive entry proposed; substituting a submit click.",
			zap.String("field", p.Target))
		return PauseVerdict{
			Override: &schemas.Proposal{
				Kind:    schemas.ProposalClick,
				Target:  "Submit",
				Thought: fmt.Sprintf("Value for %q was already entered; submitting instead of re-typing.", p.Target),
			},
		}
	}

	// An approval only releases the field the pause was raised for. A reply
	// of "approve" to some unrelated question never unlocks sensitive typing,
	// and an approval for one field never carries over to another.
	if state.SecurityPause && state.Approval == schemas.ApprovalApproved &&
		labelsMatch(state.SensitiveTarget, p.Target) {
		c.logger.Info("Sensitive entry released by approval.",
			zap.String("field", p.Target), zap.String("category", category))
		return PauseVerdict{}
	}

	question := p.VoicePrompt
	if question == "" {
		question = fmt.Sprintf(
			"This step enters your %s into %q. Reply 'approve' to continue or 'reject' to stop.",
			category, p.Target)
	}
	c.logger.Warn("Security pause engaged.",
		zap.String("field", p.Target), zap.String("category", category))
	return PauseVerdict{Pause: true, Question: question}
}

// labelsMatch is a loose comparison for field labels: case-insensitive with
// containment either way, so "Transaction PIN" matches "Enter Transaction PIN".
func labelsMatch(a, b string) bool {
	la, lb := strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if la == "" || lb == "" {
		return false
	}
	return la == lb || strings.Contains(la, lb) || strings.Contains(lb, la)
}
