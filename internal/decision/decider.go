// File: internal/decision/decider.go
// Description: The vision decision source. Given a screenshot, the task goal
// and the recent history it asks the model for the next interface action and
// validates the payload at this boundary, so nothing malformed ever reaches
// the executor.
package decision

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/arvyn-ai/arvyn/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// historyTail is how many trailing history steps are replayed into the prompt.
const historyTail = 15

// VisionDecider implements schemas.Decider on top of a vision-capable model.
type VisionDecider struct {
	logger *zap.Logger
	gen    schemas.TextGenerator
	width  int
	height int
}

var _ schemas.Decider = (*VisionDecider)(nil)

// New creates a decider bound to the configured viewport dimensions; the
// model is told which resolution the screenshot was captured at.
func New(logger *zap.Logger, gen schemas.TextGenerator, viewportWidth, viewportHeight int) *VisionDecider {
	return &VisionDecider{
		logger: logger.Named("decider"),
		gen:    gen,
		width:  viewportWidth,
		height: viewportHeight,
	}
}

// Decide asks the model for the next action and returns a validated proposal.
func (d *VisionDecider) Decide(ctx context.Context, in schemas.DecisionInput) (schemas.Proposal, error) {
	prompt := d.buildPrompt(in)

	raw, err := d.gen.Generate(ctx, prompt, in.ScreenshotB64)
	if err != nil {
		return schemas.Proposal{}, fmt.Errorf("decision generation failed: %w", err)
	}

	proposal, err := parseProposal(raw)
	if err != nil {
		d.logger.Warn("Malformed decision payload", zap.String("raw", truncate(raw, 400)), zap.Error(err))
		return schemas.Proposal{}, fmt.Errorf("malformed decision payload: %w", err)
	}
	return proposal, nil
}

func (d *VisionDecider) buildPrompt(in schemas.DecisionInput) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "OBJECTIVE: %s\n\n", in.Goal)

	if len(in.UserContext) > 0 {
		ctxJSON, _ := json.Marshal(in.UserContext)
		fmt.Fprintf(&sb, "USER DATA: %s\n\n", ctxJSON)
	}

	sb.WriteString(`RULES:
1. Read the text next to inputs so a password is never entered into a PIN field.
2. If required data is not present in USER DATA, use ASK_USER. Never guess values.
3. For coordinates [min_row, min_col, max_row, max_col] on a 0-1000 scale, identify the tightest box around the element's core hit area and aim for its geometric center.
4. Use FINISHED only when the page visibly confirms the objective is complete.

`)

	sb.WriteString("HISTORY:\n")
	tail := in.History
	if len(tail) > historyTail {
		tail = tail[len(tail)-historyTail:]
	}
	if len(tail) == 0 {
		sb.WriteString("Initial state.\n")
	}
	for i, h := range tail {
		fmt.Fprintf(&sb, "- Step %d: %s on %q -> %s\n", i+1, h.Action, h.Target, h.Rationale)
	}

	fmt.Fprintf(&sb, `
VISUAL TASK (%dx%d screenshot attached):
Identify the single next element to click or type into.

Respond ONLY with a single JSON object:
{
  "thought": "visual scan, target identification, center calculation",
  "action_type": "CLICK | TYPE | ASK_USER | FINISHED",
  "element_name": "descriptive name of the UI element",
  "coordinates": [min_row, min_col, max_row, max_col],
  "input_text": "exact string to type (TYPE only)",
  "voice_prompt": "one-line progress update"
}`, d.width, d.height)

	return sb.String()
}

var jsonBlockRegex = regexp.MustCompile("(?s)(?:```json\\s*|)(\\{.*\\})(?:```|)")

// parseProposal extracts and validates the JSON proposal from a raw model
// response, tolerating markdown code fences around the object.
func parseProposal(raw string) (schemas.Proposal, error) {
	raw = strings.TrimSpace(raw)

	candidate := raw
	if matches := jsonBlockRegex.FindStringSubmatch(raw); len(matches) > 1 {
		candidate = matches[1]
	}

	var p schemas.Proposal
	if err := json.UnmarshalFromString(candidate, &p); err != nil {
		return schemas.Proposal{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if p.Kind == "" {
		return schemas.Proposal{}, fmt.Errorf("response missing required 'action_type' field")
	}
	if err := p.Validate(); err != nil {
		return schemas.Proposal{}, err
	}
	return p, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
