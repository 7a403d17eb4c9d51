// -- api/schemas/decision.go --
package schemas

import "fmt"

// ProposalKind enumerates the actions the decision source may propose.
type ProposalKind string

const (
	ProposalClick    ProposalKind = "CLICK"
	ProposalType     ProposalKind = "TYPE"
	ProposalAskUser  ProposalKind = "ASK_USER"
	ProposalFinished ProposalKind = "FINISHED"
)

// RegionScale is the fixed coordinate scale of decision-source regions.
// Regions arrive as [minRow, minCol, maxRow, maxCol] in 0..1000 and are
// mapped onto the real viewport by the action resolver.
const RegionScale = 1000.0

// Region is a normalized bounding box around a proposed target element.
type Region [4]float64

// Valid reports whether the region is a well-formed 0..1000 box.
func (r Region) Valid() bool {
	for _, v := range r {
		if v < 0 || v > RegionScale {
			return false
		}
	}
	return r[0] <= r[2] && r[1] <= r[3]
}

// Center returns the geometric center as (row, col) on the 0..1000 scale.
func (r Region) Center() (row, col float64) {
	return (r[0] + r[2]) / 2, (r[1] + r[3]) / 2
}

// Proposal is a validated decision-source output: the next action the agent
// should take against the page. Only the fields relevant to Kind are set;
// Validate enforces that at the decision boundary so the executor never has
// to re-check shape.
type Proposal struct {
	Kind        ProposalKind `json:"action_type"`
	Target      string       `json:"element_name,omitempty"`
	Region      *Region      `json:"coordinates,omitempty"`
	InputText   string       `json:"input_text,omitempty"`
	Thought     string       `json:"thought,omitempty"`
	VoicePrompt string       `json:"voice_prompt,omitempty"`
}

// Validate checks the per-kind field requirements.
func (p Proposal) Validate() error {
	switch p.Kind {
	case ProposalClick:
		if p.Target == "" {
			return fmt.Errorf("CLICK proposal missing target label")
		}
		if p.Region != nil && !p.Region.Valid() {
			return fmt.Errorf("CLICK proposal has malformed region %v", *p.Region)
		}
	case ProposalType:
		if p.Target == "" {
			return fmt.Errorf("TYPE proposal missing target label")
		}
		if p.Region != nil && !p.Region.Valid() {
			return fmt.Errorf("TYPE proposal has malformed region %v", *p.Region)
		}
	case ProposalAskUser, ProposalFinished:
		// No required fields; question/summary text is optional.
	default:
		return fmt.Errorf("unknown proposal kind %q", p.Kind)
	}
	return nil
}
