package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var workerStaleAfter time.Duration

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the content-generation worker pool",
	Long: `Consumes dispatched content jobs from the broker and runs them with
bounded concurrency. Multiple worker processes can share one queue.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().DurationVar(&workerStaleAfter, "report-stale-after", 5*time.Minute,
		"report running jobs whose heartbeat is older than this on startup")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.broker.Ping(ctx); err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}

	// Stale jobs are reported, never restarted: a duplicate run could
	// double-generate content.
	stale, err := app.store.FindStaleJobs(ctx, workerStaleAfter)
	if err != nil {
		app.logger.Warn("stale job scan failed", "error", err)
	}
	for _, j := range stale {
		app.logger.Warn("stale job detected",
			"job_id", j.JobID,
			"run_id", j.RunID,
			"heartbeat_at", j.HeartbeatAt,
		)
	}

	worker, err := app.buildWorker()
	if err != nil {
		return err
	}

	err = worker.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
