package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"

	"github.com/atlasforge-ai/atlasforge/internal/core"
)

var (
	statusAll bool
	statusOut string
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show run status",
	Long: `Shows the status of one run, or of all runs with --all.
With --out, writes a full JSON report (run, checkpoint chain, content
refs) atomically to the given path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "list all runs")
	statusCmd.Flags().StringVar(&statusOut, "out", "", "write a JSON report to this path")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if statusAll || len(args) == 0 {
		runs, err := app.store.ListRuns(ctx)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(out, "No runs found.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTATUS\tSTAGE\tUPDATED\tREQUEST")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.RunID, r.Status, r.CurrentStage, r.UpdatedAt.Format(time.RFC3339), r.Request)
		}
		return w.Flush()
	}

	runID := core.RunID(args[0])
	rec, err := app.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("run %s not found", runID)
	}

	checkpoints, err := app.store.ListCheckpoints(ctx, runID)
	if err != nil {
		return err
	}
	refs, err := app.store.ContentRefs(ctx, runID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Run:     %s\n", rec.RunID)
	fmt.Fprintf(out, "Status:  %s\n", rec.Status)
	fmt.Fprintf(out, "Stage:   %s\n", rec.CurrentStage)
	fmt.Fprintf(out, "Updated: %s\n", rec.UpdatedAt.Format(time.RFC3339))
	if rec.Error != "" {
		fmt.Fprintf(out, "Error:   %s\n", rec.Error)
	}
	fmt.Fprintf(out, "Checkpoints: %d\n", len(checkpoints))
	fmt.Fprintf(out, "Content refs: %d concepts\n", len(refs))

	if statusOut == "" {
		return nil
	}

	report := map[string]interface{}{
		"run":          rec,
		"checkpoints":  checkpoints,
		"content_refs": refs,
		"exported_at":  time.Now(),
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	// Atomic write: readers never see a half-written report.
	if err := renameio.WriteFile(statusOut, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	fmt.Fprintf(out, "Report written to %s\n", statusOut)
	return nil
}
