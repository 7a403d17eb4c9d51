// File: cmd/run.go
// Description: The `run` command: wires every component together and drives
// one natural-language task to its outcome, relaying questions and status
// updates through the terminal.
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arvyn-ai/arvyn/api/schemas"
	"github.com/arvyn-ai/arvyn/internal/browser"
	"github.com/arvyn-ai/arvyn/internal/decision"
	"github.com/arvyn-ai/arvyn/internal/intent"
	"github.com/arvyn-ai/arvyn/internal/llm"
	"github.com/arvyn-ai/arvyn/internal/observability"
	"github.com/arvyn-ai/arvyn/internal/orchestrator"
	"github.com/arvyn-ai/arvyn/internal/profile"
	"github.com/arvyn-ai/arvyn/internal/statusbus"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run \"command\"",
		Short: "Executes one natural-language task against the web",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless")); err != nil {
				return err
			}
			return viper.BindPFlag("profile.db_path", cmd.Flags().Lookup("profile-db"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := loadedCfg

			command := strings.Join(args, " ")

			gen, err := llm.NewGeminiClient(ctx, cfg.LLM, logger)
			if err != nil {
				return err
			}

			store, err := profile.NewStore(cfg.Profile.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			driver, err := browser.NewDriver(ctx, cfg.Browser, logger)
			if err != nil {
				return err
			}
			defer driver.Close()

			bus := statusbus.New(logger, 100)
			parser := intent.New(logger, gen, cfg.Agent.DefaultBank)
			decider := decision.New(logger, gen, cfg.Browser.ViewportWidth, cfg.Browser.ViewportHeight)
			approvals := &terminalApprovals{in: bufio.NewReader(os.Stdin), out: cmd.OutOrStdout()}

			orch, err := orchestrator.New(cfg, logger, bus, parser, decider, driver, store, approvals)
			if err != nil {
				return err
			}

			events, unsubscribe := bus.Subscribe()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				for ev := range events {
					fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", ev.Kind, ev.Message)
					bus.Acknowledge(ev)
				}
				return nil
			})

			outcome, runErr := orch.ExecuteCommand(gctx, command)

			bus.Shutdown()
			unsubscribe()
			if err := g.Wait(); err != nil {
				logger.Warn("Status consumer exited with error", zap.Error(err))
			}

			if runErr != nil {
				return runErr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nTask %s: %s (%d steps)\n",
				outcome.Status, outcome.Reason, outcome.Steps)
			return nil
		},
	}

	runCmd.Flags().Bool("headless", true, "run the browser without a visible window")
	runCmd.Flags().String("profile-db", "", "path to the profile/credential database")
	return runCmd
}

// terminalApprovals collects approvals over stdin.
type terminalApprovals struct {
	in  *bufio.Reader
	out io.Writer
}

var _ orchestrator.ApprovalSource = (*terminalApprovals)(nil)

// Ask prints the question and blocks for a reply. "approve"/"yes" approves,
// "reject"/"no"/"stop" rejects; anything else is passed back as guidance.
func (t *terminalApprovals) Ask(ctx context.Context, question string) (schemas.Approval, string, error) {
	fmt.Fprintf(t.out, "\nARVYN NEEDS YOU: %s\n> ", question)

	type reply struct {
		line string
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		line, err := t.in.ReadString('\n')
		ch <- reply{line, err}
	}()

	select {
	case <-ctx.Done():
		return schemas.ApprovalRejected, "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return schemas.ApprovalRejected, "", r.err
		}
		answer := strings.ToLower(strings.TrimSpace(r.line))
		switch answer {
		case "approve", "approved", "yes", "y", "ok":
			return schemas.ApprovalApproved, "", nil
		case "reject", "rejected", "no", "n", "stop", "cancel":
			return schemas.ApprovalRejected, "", nil
		default:
			return schemas.ApprovalUnset, strings.TrimSpace(r.line), nil
		}
	}
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}
