// File: internal/decision/decider_test.go
package decision

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arvyn-ai/arvyn/api/schemas"
)

// stubGenerator returns a canned response.
type stubGenerator struct {
	out string
	err error

	lastPrompt string
	lastImage  string
}

func (s *stubGenerator) Generate(ctx context.Context, prompt string, imageB64 string) (string, error) {
	s.lastPrompt = prompt
	s.lastImage = imageB64
	return s.out, s.err
}

func TestParseProposal(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    schemas.ProposalKind
		wantErr bool
	}{
		{
			name: "plain json",
			raw:  `{"action_type": "CLICK", "element_name": "Pay Now", "coordinates": [100, 100, 200, 200]}`,
			want: schemas.ProposalClick,
		},
		{
			name: "fenced json",
			raw:  "```json\n{\"action_type\": \"TYPE\", \"element_name\": \"Amount\", \"input_text\": \"120\"}\n```",
			want: schemas.ProposalType,
		},
		{
			name: "prose around the object",
			raw:  "Here is my decision:\n{\"action_type\": \"FINISHED\", \"voice_prompt\": \"Done.\"}\nLet me know.",
			want: schemas.ProposalFinished,
		},
		{
			name:    "missing action type",
			raw:     `{"element_name": "Pay Now"}`,
			wantErr: true,
		},
		{
			name:    "malformed region",
			raw:     `{"action_type": "CLICK", "element_name": "Pay", "coordinates": [900, 900, 100, 100]}`,
			wantErr: true,
		},
		{
			name:    "not json at all",
			raw:     "I am not sure what to do.",
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := parseProposal(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, p.Kind)
		})
	}
}

func TestDecidePassesScreenshotAndSurfacesErrors(t *testing.T) {
	gen := &stubGenerator{out: `{"action_type": "ASK_USER", "voice_prompt": "Which plan?"}`}
	d := New(zap.NewNop(), gen, 1920, 1080)

	p, err := d.Decide(context.Background(), schemas.DecisionInput{
		ScreenshotB64: "c2hvdA==",
		Goal:          "PAY_BILL at Rio Finance Bank",
	})
	require.NoError(t, err)
	assert.Equal(t, schemas.ProposalAskUser, p.Kind)
	assert.Equal(t, "c2hvdA==", gen.lastImage)
	assert.Contains(t, gen.lastPrompt, "PAY_BILL at Rio Finance Bank")
	assert.Contains(t, gen.lastPrompt, "1920x1080")

	gen.err = errors.New("quota exhausted")
	_, err = d.Decide(context.Background(), schemas.DecisionInput{})
	assert.Error(t, err)
}

func TestBuildPromptTruncatesHistory(t *testing.T) {
	gen := &stubGenerator{out: `{"action_type": "FINISHED"}`}
	d := New(zap.NewNop(), gen, 1920, 1080)

	history := make([]schemas.HistoryStep, 40)
	for i := range history {
		history[i] = schemas.HistoryStep{Action: schemas.ProposalClick, Target: "step"}
	}
	_, err := d.Decide(context.Background(), schemas.DecisionInput{History: history})
	require.NoError(t, err)

	assert.Equal(t, historyTail, strings.Count(gen.lastPrompt, "- Step "))
}
