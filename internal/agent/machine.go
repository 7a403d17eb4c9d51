// File: internal/agent/machine.go
// Description: The task execution state machine. One instance drives one
// task from navigation through perceive/decide/act cycles to a terminal
// outcome, suspending for the human whenever the pause protocol or the
// escalation ladder demands it.
package agent

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/arvyn-ai/arvyn/api/schemas"
	"github.com/arvyn-ai/arvyn/internal/config"
	"github.com/arvyn-ai/arvyn/internal/statusbus"
)

// maxNavigationRetries bounds how often the initial navigation is retried
// before the task is declared stuck.
const maxNavigationRetries = 3

// maxMalformedStreak is how many consecutive undecodable decisions are
// absorbed as neutral retries before the machine asks the human instead.
const maxMalformedStreak = 3

// Machine is the execution state machine for a single task.
type Machine struct {
	cfg      config.AgentConfig
	logger   *zap.Logger
	bus      *statusbus.Bus
	decider  schemas.Decider
	driver   schemas.Driver
	resolver *Resolver
	pause    *PauseController
	ledger   *Ledger
	profile  schemas.ProfileStore

	task    schemas.TaskDescriptor
	session *schemas.Session

	// mu guards Approval and PendingQuestion, the only state the resume
	// entrypoint touches from outside the run loop.
	mu    sync.Mutex
	state *ExecutionState
	phase Phase

	navFailures     int
	malformedStreak int
	outcome         *schemas.Outcome
}

// NewMachine builds a machine for one task. Run starts the session.
func NewMachine(
	cfg config.AgentConfig,
	logger *zap.Logger,
	bus *statusbus.Bus,
	decider schemas.Decider,
	driver schemas.Driver,
	resolver *Resolver,
	pause *PauseController,
	ledger *Ledger,
	profile schemas.ProfileStore,
	task schemas.TaskDescriptor,
) *Machine {
	return &Machine{
		cfg:      cfg,
		logger:   logger.Named("machine"),
		bus:      bus,
		decider:  decider,
		driver:   driver,
		resolver: resolver,
		pause:    pause,
		ledger:   ledger,
		profile:  profile,
		task:     task,
		state:    &ExecutionState{},
		phase:    PhaseResolveTarget,
	}
}

// Phase returns the machine's current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// PendingQuestion returns the question awaiting the human, if suspended.
func (m *Machine) PendingQuestion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.PendingQuestion
}

// Suspended reports whether the machine is waiting on the human.
func (m *Machine) Suspended() bool {
	return m.Phase() == PhaseAskUser
}

// Resume records the human's verdict and re-arms the run loop. An optional
// message is appended to the history so the decision source sees the
// guidance on the next cycle.
func (m *Machine) Resume(approval schemas.Approval, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseAskUser {
		return fmt.Errorf("no pending question: machine is in phase %s", m.phase)
	}
	m.state.Approval = approval
	m.state.PendingQuestion = ""
	if message != "" && len(m.state.History) < m.cfg.MaxHistory {
		m.state.History = append(m.state.History, schemas.HistoryStep{
			Action:    schemas.ProposalAskUser,
			Target:    "user",
			Rationale: "User replied: " + message,
		})
	}
	m.phase = PhaseExecute
	m.logger.Info("Resumed by user.", zap.String("approval", approval.String()))
	return nil
}

// Run drives the machine until it terminates or suspends. A nil outcome
// with a nil error means the machine is suspended awaiting Resume; call Run
// again afterwards. The terminal outcome is returned exactly once.
func (m *Machine) Run(ctx context.Context) (*schemas.Outcome, error) {
	if m.session == nil {
		m.session = m.ledger.StartSession(m.task.Kind, m.sessionParams())
		m.postEvent(ctx, statusbus.KindStateChange, "Task started: "+m.task.Goal(), nil)
	}

	for {
		if err := ctx.Err(); err != nil {
			m.terminate(ctx, schemas.SessionCancelled, "context cancelled")
			return m.outcome, err
		}

		switch m.Phase() {
		case PhaseResolveTarget:
			m.resolveTarget(ctx)
		case PhaseExecute:
			m.runCycle(ctx)
		case PhaseAskUser:
			return nil, nil
		case PhaseTerminated:
			return m.outcome, nil
		}
	}
}

// resolveTarget performs the initial navigation to the provider.
func (m *Machine) resolveTarget(ctx context.Context) {
	target := m.targetURL()

	if err := m.driver.Navigate(ctx, target); err != nil {
		m.navFailures++
		m.logger.Warn("Navigation failed.",
			zap.String("url", target), zap.Int("failures", m.navFailures), zap.Error(err))
		if m.navFailures >= maxNavigationRetries {
			m.terminate(ctx, schemas.SessionAborted,
				fmt.Sprintf("could not reach %s after %d attempts", target, m.navFailures))
			return
		}
		sleepCtx(ctx, m.cfg.Settle)
		return
	}

	m.postEvent(ctx, statusbus.KindStateChange, "Reached "+target, map[string]string{"url": target})
	m.setPhase(PhaseExecute)
}

// targetURL resolves where the task begins: the explicit provider mapping
// first, then a literal URL in the command, then a web search for the
// provider.
func (m *Machine) targetURL() string {
	provider := strings.TrimSpace(m.task.Provider)
	if mapped, ok := m.cfg.ProviderURLs[strings.ToLower(provider)]; ok {
		return mapped
	}
	if provider != "" && strings.Contains(provider, ".") {
		if strings.HasPrefix(provider, "http://") || strings.HasPrefix(provider, "https://") {
			return provider
		}
		return "https://" + provider
	}

	query := provider
	if m.task.SearchQuery != "" {
		query = strings.TrimSpace(provider + " " + m.task.SearchQuery)
	}
	if query == "" {
		query = m.task.Goal()
	}
	return fmt.Sprintf(m.cfg.SearchFallbackTemplate, url.QueryEscape(query))
}

// runCycle is one perceive/decide/act iteration. Transition priority, in
// order: user rejection, unresolved security pause, history runaway guard,
// decision outcome (finish, ask, act), ask-loop circuit breaker.
func (m *Machine) runCycle(ctx context.Context) {
	m.mu.Lock()
	approval := m.state.Approval
	steps := len(m.state.History)
	securityPause := m.state.SecurityPause
	pauseQuestion := m.state.PauseQuestion
	m.mu.Unlock()

	if approval == schemas.ApprovalRejected {
		m.terminate(ctx, schemas.SessionAborted, "rejected by user")
		return
	}
	// While a security pause is unresolved, the only move is to re-ask.
	// Free-text guidance does not release the held field.
	if securityPause && approval != schemas.ApprovalApproved {
		m.suspend(ctx, pauseQuestion)
		return
	}
	if steps >= m.cfg.MaxHistory {
		m.terminate(ctx, schemas.SessionAborted,
			fmt.Sprintf("safety stop: %d steps without completion", steps))
		return
	}

	shot, err := m.driver.ScreenshotBase64(ctx)
	if err != nil {
		m.logger.Warn("Screenshot capture failed; retrying cycle.", zap.Error(err))
		sleepCtx(ctx, m.cfg.Settle)
		return
	}
	m.state.LastScreenshot = shot

	proposal, err := m.decider.Decide(ctx, schemas.DecisionInput{
		ScreenshotB64: shot,
		Goal:          m.task.Goal(),
		History:       m.state.History,
		UserContext:   m.userContext(ctx),
	})
	if err != nil {
		m.malformedStreak++
		m.logger.Warn("Decision failed; substituting neutral retry.",
			zap.Int("streak", m.malformedStreak), zap.Error(err))
		if m.malformedStreak >= maxMalformedStreak {
			m.malformedStreak = 0
			m.suspend(ctx, "I keep failing to read the page. Can you tell me what to do next?")
			return
		}
		sleepCtx(ctx, m.cfg.Settle)
		return
	}
	m.malformedStreak = 0
	m.state.LastProposal = &proposal

	switch proposal.Kind {
	case schemas.ProposalFinished:
		m.appendHistory(proposal, "declared finished")
		m.terminate(ctx, schemas.SessionFinished, summaryOrDefault(proposal, "objective complete"))

	case schemas.ProposalAskUser:
		m.state.ConsecutiveAsks++
		if m.state.ConsecutiveAsks > m.cfg.MaxConsecutiveAsks {
			m.terminate(ctx, schemas.SessionAborted,
				fmt.Sprintf("stuck: %d consecutive requests for help", m.state.ConsecutiveAsks))
			return
		}
		m.appendHistory(proposal, "asked the user")
		m.suspend(ctx, summaryOrDefault(proposal, "I need your input to continue."))

	default:
		m.state.ConsecutiveAsks = 0
		m.executeProposal(ctx, proposal)
	}
}

// executeProposal pushes one CLICK/TYPE through the pause protocol and the
// resolver, then applies the post-step transitions.
func (m *Machine) executeProposal(ctx context.Context, proposal schemas.Proposal) {
	verdict := m.pause.Evaluate(m.state, proposal)
	if verdict.Override != nil {
		proposal = *verdict.Override
		m.postEvent(ctx, statusbus.KindEscalation,
			"Substituted corrective submit for duplicate sensitive entry", nil)
	}
	if verdict.Pause {
		m.mu.Lock()
		m.state.SecurityPause = true
		m.state.SensitiveTarget = proposal.Target
		m.state.PauseQuestion = verdict.Question
		// A leftover approval never spans two pauses.
		m.state.Approval = schemas.ApprovalUnset
		m.mu.Unlock()
		m.suspend(ctx, verdict.Question)
		return
	}
	releasedByApproval := m.state.SecurityPause && m.state.Approval == schemas.ApprovalApproved

	result, err := m.resolver.Execute(ctx, m.task.Provider, proposal, len(m.state.History))
	if err != nil {
		m.logger.Warn("Resolver error; retrying cycle.", zap.Error(err))
		sleepCtx(ctx, m.cfg.Settle)
		return
	}

	// An approval authorizes at most the single action that follows it,
	// whether or not that action was the one held by a pause.
	m.mu.Lock()
	if m.state.Approval == schemas.ApprovalApproved {
		m.state.Approval = schemas.ApprovalUnset
	}
	if releasedByApproval {
		m.state.SecurityPause = false
		m.state.SensitiveTarget = ""
		m.state.PauseQuestion = ""
	}
	m.mu.Unlock()

	if result.AskUser {
		m.postEvent(ctx, statusbus.KindEscalation, result.Question,
			map[string]string{"target": proposal.Target})
		m.suspend(ctx, result.Question)
		return
	}

	rationale := proposal.Thought
	if result.FailureNote != "" {
		rationale = "FAILED: " + result.FailureNote
	}
	m.appendHistory(proposal, rationale)
	if result.Executed {
		m.state.LastExecuted = &schemas.HistoryStep{
			Action:    proposal.Kind,
			Target:    proposal.Target,
			Rationale: rationale,
		}
	}
	m.ledger.Touch()
	m.postEvent(ctx, statusbus.KindStep,
		fmt.Sprintf("%s %q", proposal.Kind, proposal.Target),
		map[string]string{"rationale": rationale})

	if result.Finished {
		m.terminate(ctx, schemas.SessionFinished, "page confirmed completion")
	}
}

// userContext assembles the non-secret profile data shown to the decision
// source. Credentials never travel here; the resolver substitutes them at
// typing time.
func (m *Machine) userContext(ctx context.Context) map[string]string {
	prefs, err := m.profile.PreferencesFor(ctx, m.task.Provider)
	if err != nil {
		m.logger.Debug("Preference lookup failed.", zap.Error(err))
		prefs = map[string]string{}
	}
	if m.task.Amount > 0 {
		prefs["amount"] = fmt.Sprintf("%.2f", m.task.Amount)
	}
	for k, v := range m.task.FieldsToUpdate {
		prefs["update "+k] = v
	}
	return prefs
}

func (m *Machine) sessionParams() map[string]string {
	params := map[string]string{"provider": m.task.Provider}
	if m.task.Amount > 0 {
		params["amount"] = fmt.Sprintf("%.2f", m.task.Amount)
	}
	if m.task.SearchQuery != "" {
		params["search_query"] = m.task.SearchQuery
	}
	return params
}

func (m *Machine) appendHistory(p schemas.Proposal, rationale string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.History = append(m.state.History, schemas.HistoryStep{
		Action:    p.Kind,
		Target:    p.Target,
		Rationale: rationale,
	})
}

// suspend parks the machine in AskUser and surfaces the question.
func (m *Machine) suspend(ctx context.Context, question string) {
	m.mu.Lock()
	m.state.PendingQuestion = question
	m.phase = PhaseAskUser
	m.mu.Unlock()

	m.logger.Info("Suspended for user input.", zap.String("question", question))
	m.postEvent(ctx, statusbus.KindPause, question, nil)
}

// terminate closes the session and records the terminal outcome.
func (m *Machine) terminate(ctx context.Context, status schemas.SessionStatus, reason string) {
	m.mu.Lock()
	if m.phase == PhaseTerminated {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseTerminated
	steps := len(m.state.History)
	m.mu.Unlock()

	m.ledger.EndSession(status)
	m.outcome = &schemas.Outcome{
		SessionID: m.session.ID,
		Status:    status,
		Reason:    reason,
		Steps:     steps,
	}
	m.logger.Info("Task terminated.",
		zap.String("status", string(status)), zap.String("reason", reason), zap.Int("steps", steps))
	m.postEvent(ctx, statusbus.KindTerminated, reason, map[string]string{"status": string(status)})
}

func (m *Machine) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

func (m *Machine) postEvent(ctx context.Context, kind statusbus.EventKind, message string, details map[string]string) {
	sessionID := ""
	if m.session != nil {
		sessionID = m.session.ID
	}
	if err := m.bus.Post(ctx, statusbus.Event{
		Kind:      kind,
		SessionID: sessionID,
		Message:   message,
		Details:   details,
	}); err != nil {
		m.logger.Debug("Status event dropped.", zap.Error(err))
	}
}

func summaryOrDefault(p schemas.Proposal, fallback string) string {
	if p.VoicePrompt != "" {
		return p.VoicePrompt
	}
	if p.Thought != "" {
		return p.Thought
	}
	return fallback
}
