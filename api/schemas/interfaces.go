// -- api/schemas/interfaces.go --
// Contracts between the execution core and its collaborators. The core never
// depends on a concrete browser, model or store; everything arrives through
// these interfaces so each side can be mocked in tests.
package schemas

import "context"

// DecisionInput is everything the decision source gets to look at for one
// cycle: the current frame, the goal, the recent history tail and whatever
// user data the profile store released for this provider.
type DecisionInput struct {
	ScreenshotB64 string
	Goal          string
	History       []HistoryStep
	UserContext   map[string]string
}

// Decider proposes the next interface action from a screenshot and history.
// A malformed result must surface as an error; the core substitutes a neutral
// retry and eventually falls back to asking the human.
type Decider interface {
	Decide(ctx context.Context, in DecisionInput) (Proposal, error)
}

// Driver performs physical actions against the live page. Click-style calls
// report whether the action took effect; a false return is a transient
// failure handled by the resolver's escalation ladder, not an error.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, x, y float64, hint string) (bool, error)
	Type(ctx context.Context, text string) error
	FindAndClickByText(ctx context.Context, label string) (bool, error)
	DirectClickByText(ctx context.Context, label string) (bool, error)
	ScreenshotBase64(ctx context.Context) (string, error)
	PageText(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
}

// IntentParser turns a free-text command into a task descriptor.
type IntentParser interface {
	Parse(ctx context.Context, command string) (TaskDescriptor, error)
}

// ProfileStore supplies stored secrets and preferences keyed by provider.
type ProfileStore interface {
	CredentialsFor(ctx context.Context, provider string) (map[string]string, error)
	PreferencesFor(ctx context.Context, provider string) (map[string]string, error)
	MissingFields(ctx context.Context, provider string, required []string) ([]string, error)
	UpdateField(ctx context.Context, provider, key, value string) error
}

// TextGenerator is the minimal LLM surface the intent and decision layers
// build on: one prompt (optionally with an attached image) in, text out.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, imageB64 string) (string, error)
}
