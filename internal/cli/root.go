// Package cli implements the auto-claude command-line driver: a single root
// command whose grouped flags select one operation per invocation.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Exit codes per the driver contract.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitInterrupt = 130
)

func newRootCmd() *cobra.Command {
	flags := &driverFlags{}
	cmd := &cobra.Command{
		Use:   "auto-claude",
		Short: "Autonomous coding-agent coordination core",
		Long: `auto-claude coordinates spec generation, isolated worktree builds,
pull-request creation, and review orchestration for an external coding agent.

One operation per invocation, selected by flag:
  auto-claude --list                          List specs
  auto-claude --spec 042 --merge-preview      Preview a merge as JSON
  auto-claude --spec 042 --create-pr          Push the branch and open a PR
  auto-claude --review-status                 Show PR review orchestrations
  auto-claude --batch-create issues.json      Group issues into batches`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDriver(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}
	flags.register(cmd)
	return cmd
}

// Execute runs the driver and maps the outcome onto the exit-code contract:
// 0 success, 1 failure, 130 interrupt.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "interrupted")
		return ExitInterrupt
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return ExitFailure
}
