// File: internal/agent/resolver.go
// Description: The action resolver. Turns a validated proposal into physical
// browser actions, with coordinate drift correction, the text-anchored and
// direct-injection escalation ladder, credential substitution and the
// numeric hallucination guard.
package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/arvyn-ai/arvyn/api/schemas"
	"github.com/arvyn-ai/arvyn/internal/config"
)

// Resolver executes CLICK and TYPE proposals against the live page.
type Resolver struct {
	cfg      config.AgentConfig
	logger   *zap.Logger
	driver   schemas.Driver
	profile  schemas.ProfileStore
	ledger   *Ledger
	detector *Detector

	viewportWidth  int
	viewportHeight int
}

// NewResolver wires the resolver to its collaborators. Viewport dimensions
// are needed to map the decision source's 0-1000 grid onto pixels.
func NewResolver(
	cfg config.AgentConfig,
	logger *zap.Logger,
	driver schemas.Driver,
	profile schemas.ProfileStore,
	ledger *Ledger,
	detector *Detector,
	viewportWidth, viewportHeight int,
) *Resolver {
	return &Resolver{
		cfg:            cfg,
		logger:         logger.Named("resolver"),
		driver:         driver,
		profile:        profile,
		ledger:         ledger,
		detector:       detector,
		viewportWidth:  viewportWidth,
		viewportHeight: viewportHeight,
	}
}

// Execute runs one CLICK or TYPE proposal. stepsExecuted is the number of
// steps already in the task history; the completion detector is gated on it.
// Failures against the page are non-fatal: they come back as a FailureNote
// and the counters decide when to escalate or give up.
func (r *Resolver) Execute(ctx context.Context, provider string, p schemas.Proposal, stepsExecuted int) (StepResult, error) {
	if p.Kind != schemas.ProposalClick && p.Kind != schemas.ProposalType {
		return StepResult{}, fmt.Errorf("resolver cannot execute %q proposals", p.Kind)
	}

	attempts := r.ledger.Attempts(p.Kind, p.Target)

	switch {
	case attempts >= r.cfg.DisabledSentinel:
		// Parked target. Never retried automatically; hand it to the human.
		return StepResult{
			AskUser:  true,
			Question: fmt.Sprintf("I have given up on %q and need your guidance on how to proceed.", p.Target),
		}, nil

	case attempts >= r.cfg.AttemptCap:
		r.ledger.Disable(p.Kind, p.Target)
		return StepResult{
			AskUser: true,
			Question: fmt.Sprintf(
				"I am stuck: %d attempts on %q all failed, including text-anchored and direct clicks. What should I do?",
				attempts, p.Target),
		}, nil

	case attempts >= r.cfg.EscalationThreshold || p.Region == nil || !p.Region.Valid():
		// Coordinates have failed repeatedly (or were never provided), so
		// stop trusting them and anchor on visible text instead.
		return r.escalate(ctx, provider, p, stepsExecuted)
	}

	return r.primitive(ctx, provider, p, attempts, stepsExecuted)
}

// primitive performs a coordinate-based action with drift correction.
func (r *Resolver) primitive(ctx context.Context, provider string, p schemas.Proposal, attempts, stepsExecuted int) (StepResult, error) {
	row, col := p.Region.Center()
	x := col / schemas.RegionScale * float64(r.viewportWidth)
	y := row / schemas.RegionScale * float64(r.viewportHeight)

	// Drift correction: each retry against the same target nudges the click
	// point downward, compensating for late-loading banners that shift the
	// layout after the screenshot was taken.
	drift := r.cfg.DriftStepPx * float64(attempts)
	y += drift
	if y > float64(r.viewportHeight-1) {
		y = float64(r.viewportHeight - 1)
	}
	if drift > 0 {
		r.logger.Debug("Applying drift correction.",
			zap.String("target", p.Target), zap.Float64("drift_px", drift), zap.Int("attempt", attempts+1))
	}

	ok, err := r.driver.Click(ctx, x, y, p.Target)
	if err != nil || !ok {
		n := r.ledger.Record(p.Kind, p.Target)
		r.logger.Warn("Coordinate action failed.",
			zap.String("target", p.Target), zap.Int("attempts", n), zap.Error(err))
		return StepResult{FailureNote: fmt.Sprintf("click at (%.0f, %.0f) on %q failed", x, y, p.Target)}, nil
	}

	if p.Kind == schemas.ProposalType {
		if result, done := r.typeInto(ctx, provider, p); done {
			return result, nil
		}
	}

	r.ledger.Record(p.Kind, p.Target)
	return r.afterAction(ctx, stepsExecuted, r.cfg.Settle)
}

// escalate walks the recovery ladder: text-anchored pointer click first,
// then a direct DOM-injected click. Success resets the target's counter to
// one and earns a longer settle, since escalated clicks tend to fire heavier
// navigations.
func (r *Resolver) escalate(ctx context.Context, provider string, p schemas.Proposal, stepsExecuted int) (StepResult, error) {
	r.logger.Info("Escalating to text-anchored recovery.",
		zap.String("target", p.Target), zap.Int("attempts", r.ledger.Attempts(p.Kind, p.Target)))

	clicked, err := r.driver.FindAndClickByText(ctx, p.Target)
	if err != nil {
		r.logger.Debug("Text-anchored click errored.", zap.String("target", p.Target), zap.Error(err))
	}
	if !clicked {
		clicked, err = r.driver.DirectClickByText(ctx, p.Target)
		if err != nil {
			r.logger.Debug("Direct-injection click errored.", zap.String("target", p.Target), zap.Error(err))
		}
	}

	if !clicked {
		n := r.ledger.Record(p.Kind, p.Target)
		return StepResult{FailureNote: fmt.Sprintf(
			"no visible element matching %q (attempt %d)", p.Target, n)}, nil
	}

	if p.Kind == schemas.ProposalType {
		if result, done := r.typeInto(ctx, provider, p); done {
			return result, nil
		}
	}

	r.ledger.MarkEscalationSuccess(p.Kind, p.Target)
	r.logger.Info("Escalated action landed; counter reset.", zap.String("target", p.Target))
	return r.afterAction(ctx, stepsExecuted, r.cfg.EscalationSettle)
}

// typeInto resolves the text for a focused field and types it. The boolean
// reports whether the step already has its outcome (guard rejection or
// driver failure); false means typing succeeded and the caller finishes the
// step.
func (r *Resolver) typeInto(ctx context.Context, provider string, p schemas.Proposal) (StepResult, bool) {
	text, fromStore := r.resolveInput(ctx, provider, p)

	// Hallucination guard: a numeric identity field must receive a
	// numeric-shaped value, whether the value was proposed by the model or
	// pulled from the store. The miss is not the page's fault, so the
	// target's counter starts over.
	if numericField(p.Target) && !numericShaped(text) {
		r.ledger.ResetTarget(p.Kind, p.Target)
		r.logger.Warn("Rejected non-numeric value for numeric field.",
			zap.String("field", p.Target), zap.Bool("from_store", fromStore))
		return StepResult{FailureNote: fmt.Sprintf(
			"value for %q does not look like a number; discarded", p.Target)}, true
	}

	if err := r.driver.Type(ctx, text); err != nil {
		n := r.ledger.Record(p.Kind, p.Target)
		r.logger.Warn("Typing failed.",
			zap.String("field", p.Target), zap.Int("attempts", n), zap.Error(err))
		return StepResult{FailureNote: fmt.Sprintf("typing into %q failed", p.Target)}, true
	}
	return StepResult{}, false
}

// resolveInput picks the text to type: stored credentials and preferences
// take precedence over whatever the model proposed, matched on the field
// label. The boolean reports whether the value came from the store.
func (r *Resolver) resolveInput(ctx context.Context, provider string, p schemas.Proposal) (string, bool) {
	label := strings.ToLower(p.Target)

	creds, err := r.profile.CredentialsFor(ctx, provider)
	if err != nil {
		r.logger.Warn("Credential lookup failed; using proposed text.", zap.Error(err))
		creds = nil
	}
	if v, ok := matchField(creds, label); ok {
		r.logger.Info("Substituted stored credential.", zap.String("field", p.Target))
		return v, true
	}

	prefs, err := r.profile.PreferencesFor(ctx, provider)
	if err == nil {
		if v, ok := matchField(prefs, label); ok {
			r.logger.Debug("Substituted stored preference.", zap.String("field", p.Target))
			return v, true
		}
	}

	return p.InputText, false
}

// matchField finds a stored value whose key relates to the field label:
// an exact key first, then a key appearing in the label as whole words,
// then the alias groups in their declared order. Passes run over sorted
// keys so a label matching two stored keys resolves the same way every
// time.
func matchField(fields map[string]string, label string) (string, bool) {
	if len(fields) == 0 {
		return "", false
	}
	labelToks := tokens(label)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		k := strings.ToLower(strings.ReplaceAll(key, "_", " "))
		if k == strings.ToLower(strings.TrimSpace(label)) {
			return fields[key], true
		}
	}
	for _, key := range keys {
		if containsPhrase(labelToks, strings.ReplaceAll(key, "_", " ")) {
			return fields[key], true
		}
	}
	for _, group := range fieldAliases {
		v, ok := fields[group.key]
		if !ok {
			continue
		}
		for _, alias := range group.aliases {
			if containsPhrase(labelToks, alias) {
				return v, true
			}
		}
	}
	return "", false
}

// fieldAliases maps store keys to label phrases they should satisfy. The
// slice order is the match priority when a label fits several groups.
var fieldAliases = []struct {
	key     string
	aliases []string
}{
	{"username", []string{"user", "email", "login id"}},
	{"password", []string{"password", "passcode"}},
	{"pin", []string{"pin"}},
	{"consumer_id", []string{"consumer", "customer id", "customer number"}},
	{"account_number", []string{"account"}},
	{"mobile", []string{"mobile", "phone"}},
}

// numericMarkers name fields that must hold a numeric identifier.
var numericMarkers = []string{
	"number", "consumer", "account", "mobile", "phone",
	"pin", "cvv", "otp", "amount", "id",
}

// numericField reports whether a label names a field that must hold a
// numeric identifier. Markers match whole words only, so "Shipping
// Address" is not a pin field.
func numericField(label string) bool {
	toks := tokens(label)
	for _, kw := range numericMarkers {
		if containsPhrase(toks, kw) {
			return true
		}
	}
	return false
}

// numericShaped accepts digits with '+', '-' and spaces. Letters, commas, or
// more than three space-separated groups mean the value is prose, not a
// number.
func numericShaped(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if strings.Contains(s, ",") {
		return false
	}
	for _, r := range s {
		if unicode.IsDigit(r) || r == '+' || r == '-' || r == ' ' || r == '.' {
			continue
		}
		return false
	}
	return len(strings.Fields(s)) <= 3
}

// afterAction lets the page settle, then scans it for completion evidence.
func (r *Resolver) afterAction(ctx context.Context, stepsExecuted int, settle time.Duration) (StepResult, error) {
	if !sleepCtx(ctx, settle) {
		return StepResult{Executed: true}, ctx.Err()
	}

	text, err := r.driver.PageText(ctx)
	if err != nil {
		r.logger.Debug("Post-action page text capture failed.", zap.Error(err))
		return StepResult{Executed: true}, nil
	}
	if _, done := r.detector.Detect(text, stepsExecuted+1); done {
		return StepResult{Executed: true, Finished: true}, nil
	}
	return StepResult{Executed: true}, nil
}

// sleepCtx sleeps for d or until ctx is done; reports whether the full
// sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
