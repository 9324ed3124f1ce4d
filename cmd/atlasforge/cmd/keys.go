package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atlasforge-ai/atlasforge/internal/core"
)

var keysQuota int

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the shared credential pool",
}

var keysAddCmd = &cobra.Command{
	Use:   "add <api-key>",
	Short: "Add or refresh a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		lease := core.KeyLease{APIKey: args[0], RemainingQuota: keysQuota}
		if err := app.store.UpsertKey(cmd.Context(), lease); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Key %s stored with quota %d\n",
			app.logger.Sanitize(args[0]), keysQuota)
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials and remaining quota",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		keys, err := app.store.ListKeys(cmd.Context(), 0)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No credentials stored.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tQUOTA\tASSIGNED")
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%d\t%s\n", app.logger.Sanitize(k.APIKey), k.RemainingQuota, k.AssignedTo)
		}
		return w.Flush()
	},
}

func init() {
	keysAddCmd.Flags().IntVar(&keysQuota, "quota", 100, "remaining request quota for the key")
	keysCmd.AddCommand(keysAddCmd)
	keysCmd.AddCommand(keysListCmd)
	rootCmd.AddCommand(keysCmd)
}
