// File: internal/agent/machine_test.go
package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arvyn-ai/arvyn/api/schemas"
	"github.com/arvyn-ai/arvyn/internal/config"
	"github.com/arvyn-ai/arvyn/internal/statusbus"
)

func newTestMachine(t *testing.T, cfg config.AgentConfig, decider *MockDecider, driver *MockDriver, store *MockProfileStore, task schemas.TaskDescriptor) *Machine {
	t.Helper()
	logger := zap.NewNop()
	ledger := NewLedger(logger, cfg.DisabledSentinel)
	detector := NewDetector(logger, cfg.CompletionPhrases, cfg.MinStepsForCompletion)
	resolver := NewResolver(cfg, logger, driver, store, ledger, detector, 1000, 1000)
	pause := NewPauseController(logger)
	bus := statusbus.New(logger, 100)
	t.Cleanup(bus.Shutdown)

	return NewMachine(cfg, logger, bus, decider, driver, resolver, pause, ledger, store, task)
}

func machineConfig() config.AgentConfig {
	cfg := testAgentConfig()
	cfg.ProviderURLs = map[string]string{"rio finance bank": "https://rio.example"}
	return cfg
}

func billTask() schemas.TaskDescriptor {
	return schemas.TaskDescriptor{Kind: schemas.TaskPayBill, Provider: "Rio Finance Bank", Amount: 120}
}

func TestMachineRunsToFinish(t *testing.T) {
	driver := new(MockDriver)
	driver.On("Navigate", mock.Anything, "https://rio.example").Return(nil)
	driver.On("ScreenshotBase64", mock.Anything).Return("c2hvdA==", nil)
	driver.On("Click", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	driver.On("PageText", mock.Anything).Return("", nil)

	region := schemas.Region{100, 100, 200, 200}
	decider := new(MockDecider)
	decider.On("Decide", mock.Anything, mock.Anything).
		Return(schemas.Proposal{Kind: schemas.ProposalClick, Target: "Pay Now", Region: &region}, nil).Once()
	decider.On("Decide", mock.Anything, mock.Anything).
		Return(schemas.Proposal{Kind: schemas.ProposalFinished, VoicePrompt: "Bill paid."}, nil).Once()

	m := newTestMachine(t, machineConfig(), decider, driver, emptyProfile(), billTask())

	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, schemas.SessionFinished, outcome.Status)
	assert.Equal(t, "Bill paid.", outcome.Reason)
	assert.Equal(t, 2, outcome.Steps)
	assert.Equal(t, PhaseTerminated, m.Phase())
}

func TestMachineNavigationFailureAborts(t *testing.T) {
	driver := new(MockDriver)
	driver.On("Navigate", mock.Anything, mock.Anything).Return(errors.New("dns failure"))

	m := newTestMachine(t, machineConfig(), new(MockDecider), driver, emptyProfile(), billTask())

	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, schemas.SessionAborted, outcome.Status)
	assert.Contains(t, outcome.Reason, "could not reach")
}

func TestMachineSecurityPauseApproveFlow(t *testing.T) {
	driver := new(MockDriver)
	driver.On("Navigate", mock.Anything, mock.Anything).Return(nil)
	driver.On("ScreenshotBase64", mock.Anything).Return("c2hvdA==", nil)
	driver.On("Click", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	driver.On("Type", mock.Anything, "4321").Return(nil)
	driver.On("PageText", mock.Anything).Return("", nil)

	store := new(MockProfileStore)
	store.On("CredentialsFor", mock.Anything, "Rio Finance Bank").Return(map[string]string{"pin": "4321"}, nil)
	store.On("PreferencesFor", mock.Anything, mock.Anything).Return(map[string]string{}, nil)

	region := schemas.Region{600, 400, 650, 600}
	pinEntry := schemas.Proposal{Kind: schemas.ProposalType, Target: "Transaction PIN", Region: &region}
	decider := new(MockDecider)
	decider.On("Decide", mock.Anything, mock.Anything).Return(pinEntry, nil).Twice()
	decider.On("Decide", mock.Anything, mock.Anything).
		Return(schemas.Proposal{Kind: schemas.ProposalFinished}, nil).Once()

	m := newTestMachine(t, machineConfig(), decider, driver, store, billTask())

	// First run suspends on the sensitive field, before anything is typed.
	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, outcome)
	assert.True(t, m.Suspended())
	assert.Contains(t, m.PendingQuestion(), "transaction pin")
	driver.AssertNotCalled(t, "Type", mock.Anything, mock.Anything)

	// Approval releases exactly one sensitive action.
	require.NoError(t, m.Resume(schemas.ApprovalApproved, ""))
	outcome, err = m.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, schemas.SessionFinished, outcome.Status)

	driver.AssertCalled(t, "Type", mock.Anything, "4321")
	assert.Equal(t, schemas.ApprovalUnset, m.state.Approval)
	assert.False(t, m.state.SecurityPause)
}

func TestMachineStaleApprovalDoesNotUnlockSensitiveFields(t *testing.T) {
	driver := new(MockDriver)
	driver.On("Navigate", mock.Anything, mock.Anything).Return(nil)
	driver.On("ScreenshotBase64", mock.Anything).Return("c2hvdA==", nil)
	driver.On("Click", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	driver.On("PageText", mock.Anything).Return("", nil)

	region := schemas.Region{600, 400, 650, 600}
	decider := new(MockDecider)
	decider.On("Decide", mock.Anything, mock.Anything).
		Return(schemas.Proposal{Kind: schemas.ProposalAskUser, VoicePrompt: "Which plan do you want?"}, nil).Once()
	decider.On("Decide", mock.Anything, mock.Anything).
		Return(schemas.Proposal{Kind: schemas.ProposalType, Target: "Transaction PIN", Region: &region}, nil).Once()

	m := newTestMachine(t, machineConfig(), decider, driver, emptyProfile(), billTask())

	// The first suspension is an ordinary question, not a security pause.
	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Nil(t, outcome)
	assert.Contains(t, m.PendingQuestion(), "Which plan")

	// Approving that question must not pre-authorize sensitive typing: the
	// PIN field still raises its own pause, with nothing typed.
	require.NoError(t, m.Resume(schemas.ApprovalApproved, ""))
	outcome, err = m.Run(context.Background())
	require.NoError(t, err)
	require.Nil(t, outcome)
	require.True(t, m.Suspended())
	assert.Contains(t, m.PendingQuestion(), "transaction pin")
	driver.AssertNotCalled(t, "Type", mock.Anything, mock.Anything)
	assert.Equal(t, schemas.ApprovalUnset, m.state.Approval)
}

func TestMachineSecurityPauseHoldsThroughGuidance(t *testing.T) {
	driver := new(MockDriver)
	driver.On("Navigate", mock.Anything, mock.Anything).Return(nil)
	driver.On("ScreenshotBase64", mock.Anything).Return("c2hvdA==", nil)
	driver.On("Click", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	driver.On("Type", mock.Anything, "4321").Return(nil)
	driver.On("PageText", mock.Anything).Return("", nil)

	store := new(MockProfileStore)
	store.On("CredentialsFor", mock.Anything, "Rio Finance Bank").Return(map[string]string{"pin": "4321"}, nil)
	store.On("PreferencesFor", mock.Anything, mock.Anything).Return(map[string]string{}, nil)

	region := schemas.Region{600, 400, 650, 600}
	pinEntry := schemas.Proposal{Kind: schemas.ProposalType, Target: "Transaction PIN", Region: &region}
	decider := new(MockDecider)
	decider.On("Decide", mock.Anything, mock.Anything).Return(pinEntry, nil).Twice()
	decider.On("Decide", mock.Anything, mock.Anything).
		Return(schemas.Proposal{Kind: schemas.ProposalFinished}, nil).Once()

	m := newTestMachine(t, machineConfig(), decider, driver, store, billTask())

	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Nil(t, outcome)
	require.True(t, m.Suspended())

	// Free-text guidance neither approves nor rejects; the machine must
	// re-ask the same question without deciding or typing anything.
	require.NoError(t, m.Resume(schemas.ApprovalUnset, "use my usual pin"))
	outcome, err = m.Run(context.Background())
	require.NoError(t, err)
	require.Nil(t, outcome)
	require.True(t, m.Suspended())
	assert.Contains(t, m.PendingQuestion(), "transaction pin")
	decider.AssertNumberOfCalls(t, "Decide", 1)
	driver.AssertNotCalled(t, "Type", mock.Anything, mock.Anything)

	// Only an explicit approval releases the held field.
	require.NoError(t, m.Resume(schemas.ApprovalApproved, ""))
	outcome, err = m.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, schemas.SessionFinished, outcome.Status)
	driver.AssertCalled(t, "Type", mock.Anything, "4321")
	assert.False(t, m.state.SecurityPause)
	assert.Equal(t, schemas.ApprovalUnset, m.state.Approval)
}

func TestMachineResumeMessageRespectsHistoryCap(t *testing.T) {
	cfg := machineConfig()
	cfg.MaxHistory = 2
	m := newTestMachine(t, cfg, new(MockDecider), new(MockDriver), emptyProfile(), billTask())

	m.state.History = []schemas.HistoryStep{
		{Action: schemas.ProposalClick, Target: "Pay Now"},
		{Action: schemas.ProposalClick, Target: "Confirm"},
	}
	m.state.PendingQuestion = "What now?"
	m.phase = PhaseAskUser

	require.NoError(t, m.Resume(schemas.ApprovalUnset, "try the other button"))
	assert.Len(t, m.state.History, 2)
}

func TestMachineRejectionAborts(t *testing.T) {
	driver := new(MockDriver)
	driver.On("Navigate", mock.Anything, mock.Anything).Return(nil)
	driver.On("ScreenshotBase64", mock.Anything).Return("c2hvdA==", nil)

	region := schemas.Region{600, 400, 650, 600}
	decider := new(MockDecider)
	decider.On("Decide", mock.Anything, mock.Anything).
		Return(schemas.Proposal{Kind: schemas.ProposalType, Target: "CVV", Region: &region}, nil)

	m := newTestMachine(t, machineConfig(), decider, driver, emptyProfile(), billTask())

	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Nil(t, outcome)
	require.True(t, m.Suspended())

	require.NoError(t, m.Resume(schemas.ApprovalRejected, ""))
	outcome, err = m.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, schemas.SessionAborted, outcome.Status)
	assert.Equal(t, "rejected by user", outcome.Reason)
	driver.AssertNotCalled(t, "Type", mock.Anything, mock.Anything)
}

func TestMachineStuckAfterConsecutiveAsks(t *testing.T) {
	driver := new(MockDriver)
	driver.On("Navigate", mock.Anything, mock.Anything).Return(nil)
	driver.On("ScreenshotBase64", mock.Anything).Return("c2hvdA==", nil)

	decider := new(MockDecider)
	decider.On("Decide", mock.Anything, mock.Anything).
		Return(schemas.Proposal{Kind: schemas.ProposalAskUser, VoicePrompt: "What now?"}, nil)

	cfg := machineConfig()
	m := newTestMachine(t, cfg, decider, driver, emptyProfile(), billTask())

	for i := 0; i < cfg.MaxConsecutiveAsks; i++ {
		outcome, err := m.Run(context.Background())
		require.NoError(t, err)
		require.Nil(t, outcome, "ask %d should suspend", i+1)
		require.NoError(t, m.Resume(schemas.ApprovalUnset, "keep going"))
	}

	// One ask past the cap trips the circuit breaker.
	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, schemas.SessionAborted, outcome.Status)
	assert.Contains(t, outcome.Reason, "stuck")
}

func TestMachineHistoryCapStopsRunaway(t *testing.T) {
	driver := new(MockDriver)
	driver.On("Navigate", mock.Anything, mock.Anything).Return(nil)
	driver.On("ScreenshotBase64", mock.Anything).Return("c2hvdA==", nil)
	driver.On("Click", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	driver.On("FindAndClickByText", mock.Anything, mock.Anything).Return(true, nil)
	driver.On("PageText", mock.Anything).Return("", nil)

	region := schemas.Region{100, 100, 200, 200}
	decider := new(MockDecider)
	decider.On("Decide", mock.Anything, mock.Anything).
		Return(schemas.Proposal{Kind: schemas.ProposalClick, Target: "Next", Region: &region}, nil)

	cfg := machineConfig()
	cfg.MaxHistory = 3
	m := newTestMachine(t, cfg, decider, driver, emptyProfile(), billTask())

	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, schemas.SessionAborted, outcome.Status)
	assert.Contains(t, outcome.Reason, "safety stop")
	assert.Equal(t, 3, outcome.Steps)
}

func TestMachineMalformedDecisionsEventuallyAsk(t *testing.T) {
	driver := new(MockDriver)
	driver.On("Navigate", mock.Anything, mock.Anything).Return(nil)
	driver.On("ScreenshotBase64", mock.Anything).Return("c2hvdA==", nil)

	decider := new(MockDecider)
	decider.On("Decide", mock.Anything, mock.Anything).
		Return(schemas.Proposal{}, errors.New("malformed decision payload"))

	m := newTestMachine(t, machineConfig(), decider, driver, emptyProfile(), billTask())

	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, outcome)
	assert.True(t, m.Suspended())
	assert.Contains(t, m.PendingQuestion(), "failing to read")
}

func TestMachineTargetURL(t *testing.T) {
	tests := []struct {
		name string
		task schemas.TaskDescriptor
		want string
	}{
		{
			name: "mapped provider",
			task: schemas.TaskDescriptor{Kind: schemas.TaskPayBill, Provider: "Rio Finance Bank"},
			want: "https://rio.example",
		},
		{
			name: "bare domain",
			task: schemas.TaskDescriptor{Kind: schemas.TaskBuy, Provider: "amazon.in"},
			want: "https://amazon.in",
		},
		{
			name: "full url",
			task: schemas.TaskDescriptor{Kind: schemas.TaskNavigate, Provider: "https://news.ycombinator.com"},
			want: "https://news.ycombinator.com",
		},
		{
			name: "unmapped provider searches",
			task: schemas.TaskDescriptor{Kind: schemas.TaskPayBill, Provider: "Acme Power"},
			want: "https://www.google.com/search?q=Acme+Power",
		},
		{
			name: "search query",
			task: schemas.TaskDescriptor{Kind: schemas.TaskSearch, SearchQuery: "best rice cooker"},
			want: "https://www.google.com/search?q=best+rice+cooker",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMachine(t, machineConfig(), new(MockDecider), new(MockDriver), emptyProfile(), tc.task)
			assert.Equal(t, tc.want, m.targetURL())
		})
	}
}
