package cmd

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/engine"
)

var (
	runSkipValidation  bool
	runSkipHumanReview bool
	runTraceID         string
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Start a content-generation run",
	Long: `Starts a workflow run for the given learning request and drives it
until it finishes or suspends for human review. A suspended run is
continued later with 'atlasforge resume'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runSkipValidation, "skip-validation", false,
		"skip the structure validation loop")
	runCmd.Flags().BoolVar(&runSkipHumanReview, "skip-human-review", false,
		"skip the human review gate")
	runCmd.Flags().StringVar(&runTraceID, "trace-id", "",
		"trace id to correlate logs and events (default: generated)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	eng, err := app.buildEngine()
	if err != nil {
		return err
	}

	cfg := app.cfg.RunConfig()
	cfg.SkipValidation = runSkipValidation
	cfg.SkipHumanReview = runSkipHumanReview

	traceID := runTraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	request := strings.Join(args, " ")
	state := core.NewWorkflowState(core.RunID(uuid.NewString()), traceID, request, cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Run %s started\n", state.RunID)
	result, err := eng.Execute(ctx, state)
	if err != nil {
		return err
	}
	printOutcome(cmd, result)
	return nil
}

func printOutcome(cmd *cobra.Command, result *engine.Result) {
	out := cmd.OutOrStdout()
	switch result.Outcome {
	case engine.OutcomeSuspended:
		fmt.Fprintf(out, "Run %s is awaiting human review.\n", result.State.RunID)
		if result.State.RetriesExhausted {
			fmt.Fprintln(out, "Note: structure validation retries were exhausted; the roadmap still has issues.")
		}
		fmt.Fprintf(out, "Approve with:  atlasforge resume %s --approve\n", result.State.RunID)
		fmt.Fprintf(out, "Reject with:   atlasforge resume %s --reject --feedback \"...\"\n", result.State.RunID)
	default:
		fmt.Fprintf(out, "Run %s finished at stage %s\n", result.State.RunID, result.State.CurrentStage)
		if len(result.State.FailedConcepts) > 0 {
			fmt.Fprintf(out, "Failed concepts (%d):\n", len(result.State.FailedConcepts))
			for cid := range result.State.FailedConcepts {
				fmt.Fprintf(out, "  - %s\n", cid)
			}
		}
	}
}
