package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atlasforge-ai/atlasforge/internal/core"
)

var (
	resumeApprove  bool
	resumeReject   bool
	resumeFeedback string
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a run suspended for human review",
	Long: `Injects a review decision into a suspended run and continues it.
Approval proceeds to content generation; rejection sends the roadmap
back for another edit pass with your feedback.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeApprove, "approve", false, "approve the roadmap")
	resumeCmd.Flags().BoolVar(&resumeReject, "reject", false, "reject the roadmap")
	resumeCmd.Flags().StringVar(&resumeFeedback, "feedback", "", "feedback for the editor on rejection")
	resumeCmd.MarkFlagsMutuallyExclusive("approve", "reject")
	resumeCmd.MarkFlagsOneRequired("approve", "reject")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	if resumeReject && resumeFeedback == "" {
		return fmt.Errorf("--reject requires --feedback so the editor knows what to change")
	}

	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	eng, err := app.buildEngine()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	decision := core.ReviewDecision{Approved: resumeApprove, Feedback: resumeFeedback}
	result, err := eng.Resume(ctx, core.RunID(args[0]), decision)
	if err != nil {
		return err
	}
	printOutcome(cmd, result)
	return nil
}
