package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check environment and connectivity",
	Long: `Verifies the pieces a deployment needs: host resources, the state
store, the Redis broker, and the agent endpoint.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	failures := 0

	check := func(name string, err error) {
		if err != nil {
			failures++
			fmt.Fprintf(out, "  ✗ %-22s %v\n", name, err)
			return
		}
		fmt.Fprintf(out, "  ✓ %-22s ok\n", name)
	}

	fmt.Fprintln(out, "Host:")
	if info, err := host.Info(); err == nil {
		fmt.Fprintf(out, "  %s %s (%s), up %s\n",
			info.Platform, info.PlatformVersion, info.KernelArch,
			(time.Duration(info.Uptime) * time.Second).Round(time.Minute))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Fprintf(out, "  memory: %.1f GiB total, %.0f%% used\n",
			float64(vm.Total)/(1<<30), vm.UsedPercent)
	}

	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if usage, err := disk.Usage(filepath.Dir(app.cfg.Store.Path)); err == nil {
		fmt.Fprintf(out, "  store disk: %.1f GiB free\n", float64(usage.Free)/(1<<30))
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	fmt.Fprintln(out, "Checks:")
	check("state store", pingStore(ctx, app))
	check("redis broker", app.broker.Ping(ctx))

	ag, err := app.agent()
	if err != nil {
		check("agent", err)
	} else {
		check("agent ("+ag.Name()+")", ag.Ping(ctx))
	}

	keys, err := app.store.ListKeys(ctx, 0)
	if err != nil {
		check("credential pool", err)
	} else {
		fmt.Fprintf(out, "  ✓ %-22s %d key(s)\n", "credential pool", len(keys))
	}

	if failures > 0 {
		return fmt.Errorf("%d check(s) failed", failures)
	}
	fmt.Fprintln(out, "All checks passed.")
	return nil
}

func pingStore(ctx context.Context, app *app) error {
	_, err := app.store.ListRuns(ctx)
	return err
}
