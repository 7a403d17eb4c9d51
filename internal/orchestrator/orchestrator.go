// File: internal/orchestrator/orchestrator.go
// Description: Manages the high-level lifecycle of a task. It is injected
// with fully configured components via interfaces, making it decoupled and
// testable: the command comes in, the intent is parsed, a state machine is
// built and pumped, and approvals are relayed between machine and human.
package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/arvyn-ai/arvyn/api/schemas"
	"github.com/arvyn-ai/arvyn/internal/agent"
	"github.com/arvyn-ai/arvyn/internal/config"
	"github.com/arvyn-ai/arvyn/internal/statusbus"
)

// ApprovalSource collects the human's verdict at a suspension point. The
// returned message, if any, is fed back into the task history as guidance.
type ApprovalSource interface {
	Ask(ctx context.Context, question string) (schemas.Approval, string, error)
}

// Orchestrator manages the high-level lifecycle of a task.
type Orchestrator struct {
	cfg       *config.Config
	logger    *zap.Logger
	bus       *statusbus.Bus
	parser    schemas.IntentParser
	decider   schemas.Decider
	driver    schemas.Driver
	profile   schemas.ProfileStore
	approvals ApprovalSource
	ledger    *agent.Ledger
}

// New creates an Orchestrator with its dependencies provided as interfaces.
func New(
	cfg *config.Config,
	logger *zap.Logger,
	bus *statusbus.Bus,
	parser schemas.IntentParser,
	decider schemas.Decider,
	driver schemas.Driver,
	profile schemas.ProfileStore,
	approvals ApprovalSource,
) (*Orchestrator, error) {
	if cfg == nil || logger == nil || bus == nil || parser == nil ||
		decider == nil || driver == nil || profile == nil || approvals == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
		bus:       bus,
		parser:    parser,
		decider:   decider,
		driver:    driver,
		profile:   profile,
		approvals: approvals,
		ledger:    agent.NewLedger(logger, cfg.Agent.DisabledSentinel),
	}, nil
}

// ExecuteCommand runs one natural-language command to its terminal outcome,
// pumping the state machine across suspensions until it terminates.
func (o *Orchestrator) ExecuteCommand(ctx context.Context, command string) (*schemas.Outcome, error) {
	task, err := o.parser.Parse(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("could not understand command: %w", err)
	}
	o.logger.Info("Command parsed.",
		zap.String("kind", string(task.Kind)),
		zap.String("provider", task.Provider),
		zap.String("rationale", task.Rationale))

	// Provider-less profile edits touch only the local store; no browser.
	if task.Kind == schemas.TaskUpdateProfile && task.Provider == "" && len(task.FieldsToUpdate) > 0 {
		return o.updateLocalProfile(ctx, task)
	}

	machine := o.buildMachine(task)

	for {
		outcome, err := machine.Run(ctx)
		if err != nil {
			return outcome, err
		}
		if outcome != nil {
			return outcome, nil
		}

		// Suspended: relay the question, then resume with the verdict.
		question := machine.PendingQuestion()
		approval, message, err := o.approvals.Ask(ctx, question)
		if err != nil {
			return nil, fmt.Errorf("approval collection failed: %w", err)
		}
		if err := machine.Resume(approval, message); err != nil {
			return nil, err
		}
	}
}

// Sessions exposes the session records seen so far.
func (o *Orchestrator) Sessions() []schemas.Session {
	return o.ledger.Sessions()
}

func (o *Orchestrator) buildMachine(task schemas.TaskDescriptor) *agent.Machine {
	detector := agent.NewDetector(o.logger, o.cfg.Agent.CompletionPhrases, o.cfg.Agent.MinStepsForCompletion)
	resolver := agent.NewResolver(
		o.cfg.Agent, o.logger, o.driver, o.profile, o.ledger, detector,
		o.cfg.Browser.ViewportWidth, o.cfg.Browser.ViewportHeight)
	pause := agent.NewPauseController(o.logger)

	return agent.NewMachine(
		o.cfg.Agent, o.logger, o.bus,
		o.decider, o.driver, resolver, pause, o.ledger, o.profile, task)
}

// updateLocalProfile applies profile edits straight to the store and
// synthesizes a finished outcome.
func (o *Orchestrator) updateLocalProfile(ctx context.Context, task schemas.TaskDescriptor) (*schemas.Outcome, error) {
	session := o.ledger.StartSession(task.Kind, map[string]string{"scope": "local"})
	for key, value := range task.FieldsToUpdate {
		if err := o.profile.UpdateField(ctx, "", key, value); err != nil {
			o.ledger.EndSession(schemas.SessionAborted)
			return nil, fmt.Errorf("profile update for %q failed: %w", key, err)
		}
		o.logger.Info("Profile field updated.", zap.String("field", key))
	}
	o.ledger.EndSession(schemas.SessionFinished)
	return &schemas.Outcome{
		SessionID: session.ID,
		Status:    schemas.SessionFinished,
		Reason:    fmt.Sprintf("updated %d profile field(s)", len(task.FieldsToUpdate)),
		Steps:     len(task.FieldsToUpdate),
	}, nil
}
