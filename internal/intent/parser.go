// File: internal/intent/parser.go
// Description: Turns a free-text command into a structured task descriptor.
// The model does the heavy lifting; a deterministic keyword fallback keeps
// the agent usable when the model call fails.
package intent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/arvyn-ai/arvyn/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Parser implements schemas.IntentParser.
type Parser struct {
	logger      *zap.Logger
	gen         schemas.TextGenerator
	defaultBank string
}

var _ schemas.IntentParser = (*Parser)(nil)

// New creates an intent parser. defaultBank is the provider assumed when a
// command uses banking vocabulary without naming a site.
func New(logger *zap.Logger, gen schemas.TextGenerator, defaultBank string) *Parser {
	return &Parser{
		logger:      logger.Named("intent"),
		gen:         gen,
		defaultBank: defaultBank,
	}
}

// rawIntent mirrors the JSON contract given to the model.
type rawIntent struct {
	Action      string   `json:"action"`
	Provider    string   `json:"provider"`
	Amount      *float64 `json:"amount"`
	SearchQuery string   `json:"search_query"`
	Fields      map[string]string `json:"fields_to_update"`
	Reasoning   string   `json:"reasoning"`
}

// Parse extracts a task descriptor from a command. Model failures degrade to
// the keyword fallback rather than surfacing an error; the caller always gets
// a usable descriptor.
func (p *Parser) Parse(ctx context.Context, command string) (schemas.TaskDescriptor, error) {
	raw, err := p.gen.Generate(ctx, p.buildPrompt(command), "")
	if err != nil {
		p.logger.Warn("Intent model call failed, using keyword fallback.", zap.Error(err))
		return p.fallbackParse(command), nil
	}

	desc, err := p.decode(raw)
	if err != nil {
		p.logger.Warn("Intent payload malformed, using keyword fallback.",
			zap.String("raw", raw), zap.Error(err))
		return p.fallbackParse(command), nil
	}
	return desc, nil
}

func (p *Parser) buildPrompt(command string) string {
	return fmt.Sprintf(`TASK: High-precision intent parsing for an autonomous web agent.
USER COMMAND: %q

CONTEXT:
- Prioritize the specific site or provider mentioned by name.
- Use %q ONLY when the user uses banking vocabulary (bill, transfer, balance) WITHOUT naming a site.
- Map verbs: 'pay' -> PAY_BILL, 'buy' -> BUY, 'update' -> UPDATE_PROFILE, 'login' -> LOGIN, 'search' -> SEARCH, 'open'/'go to' -> NAVIGATE, otherwise QUERY.

Respond ONLY with a single JSON object:
{
  "action": "PAY_BILL | BUY | UPDATE_PROFILE | LOGIN | NAVIGATE | SEARCH | QUERY",
  "provider": "extracted provider name",
  "amount": number or null,
  "search_query": "query string for the site search bar, if any",
  "fields_to_update": {"field": "value"},
  "reasoning": "brief justification"
}`, command, p.defaultBank)
}

var intentBlockRegex = regexp.MustCompile(`(?s)\{.*\}`)

func (p *Parser) decode(raw string) (schemas.TaskDescriptor, error) {
	candidate := intentBlockRegex.FindString(raw)
	if candidate == "" {
		return schemas.TaskDescriptor{}, fmt.Errorf("no JSON object in intent response")
	}

	var ri rawIntent
	if err := json.UnmarshalFromString(candidate, &ri); err != nil {
		return schemas.TaskDescriptor{}, fmt.Errorf("failed to unmarshal intent: %w", err)
	}

	kind := schemas.TaskKind(strings.ToUpper(strings.TrimSpace(ri.Action)))
	switch kind {
	case schemas.TaskPayBill, schemas.TaskBuy, schemas.TaskUpdateProfile,
		schemas.TaskLogin, schemas.TaskNavigate, schemas.TaskSearch, schemas.TaskQuery:
	default:
		return schemas.TaskDescriptor{}, fmt.Errorf("unknown action kind %q", ri.Action)
	}

	desc := schemas.TaskDescriptor{
		Kind:           kind,
		Provider:       strings.TrimSpace(ri.Provider),
		SearchQuery:    ri.SearchQuery,
		FieldsToUpdate: ri.Fields,
		Rationale:      ri.Reasoning,
	}
	if ri.Amount != nil {
		desc.Amount = *ri.Amount
	}
	if desc.Provider == "" && usesBankingVocabulary(strings.ToLower(desc.Goal())) {
		desc.Provider = p.defaultBank
	}
	return desc, nil
}

// fallbackParse is the deterministic keyword classifier used when the model
// is unavailable.
func (p *Parser) fallbackParse(command string) schemas.TaskDescriptor {
	lower := strings.ToLower(command)

	desc := schemas.TaskDescriptor{
		Kind:      schemas.TaskQuery,
		Rationale: "keyword fallback",
	}
	switch {
	case strings.Contains(lower, "pay"):
		desc.Kind = schemas.TaskPayBill
	case strings.Contains(lower, "buy"), strings.Contains(lower, "order"):
		desc.Kind = schemas.TaskBuy
	case strings.Contains(lower, "update"), strings.Contains(lower, "change"):
		desc.Kind = schemas.TaskUpdateProfile
	case strings.Contains(lower, "login"), strings.Contains(lower, "log in"), strings.Contains(lower, "sign in"):
		desc.Kind = schemas.TaskLogin
	case strings.Contains(lower, "search"), strings.Contains(lower, "find"):
		desc.Kind = schemas.TaskSearch
	case strings.Contains(lower, "open"), strings.Contains(lower, "go to"):
		desc.Kind = schemas.TaskNavigate
	}

	if amount, ok := extractAmount(lower); ok {
		desc.Amount = amount
	}
	if usesBankingVocabulary(lower) {
		desc.Provider = p.defaultBank
	}
	if desc.Kind == schemas.TaskSearch {
		desc.SearchQuery = strings.TrimSpace(command)
	}
	return desc
}

func usesBankingVocabulary(s string) bool {
	for _, kw := range []string{"bill", "transfer", "balance", "bank", "recharge"} {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

var amountRegex = regexp.MustCompile(`(?:rs\.?|\$|inr|usd)?\s*(\d+(?:\.\d+)?)`)

func extractAmount(s string) (float64, bool) {
	m := amountRegex.FindStringSubmatch(s)
	if len(m) < 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
