package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"chatloop/internal/audit"
	"chatloop/internal/config"
	"chatloop/internal/provider"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check the health of every enabled gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			factory := provider.NewFactory(cfg, logger)
			report := factory.HealthReport(ctx)
			if len(report) == 0 {
				return fmt.Errorf("no providers enabled")
			}

			unhealthy := 0
			for _, name := range slices.Sorted(maps.Keys(report)) {
				marker := ""
				if name == cfg.General.DefaultProvider {
					marker = " (default)"
				}
				if err := report[name]; err != nil {
					unhealthy++
					fmt.Printf("  %s %s%s: %v\n", color.RedString("✗"), name, marker, err)
					continue
				}
				fmt.Printf("  %s %s%s model=%s\n", color.GreenString("✓"), name, marker, factory.DefaultModel(name))
			}
			if report[cfg.General.DefaultProvider] != nil {
				return fmt.Errorf("default gateway %q is unhealthy", cfg.General.DefaultProvider)
			}
			if unhealthy > 0 {
				logger.Warn("some gateways are unhealthy", "count", unhealthy)
			}
			return nil
		},
	}
}

func runsCmd() *cobra.Command {
	var (
		limit int
		runID string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent loop runs from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Audit.Enabled {
				return fmt.Errorf("audit log is disabled (set audit.enabled to true)")
			}
			store, err := audit.Open(config.ExpandPath(cfg.Audit.DBPath), logger)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := context.Background()

			if runID != "" {
				calls, err := store.RunTools(ctx, runID)
				if err != nil {
					return err
				}
				if len(calls) == 0 {
					fmt.Println(color.YellowString("No tool calls recorded for %s", runID))
					return nil
				}
				for _, c := range calls {
					fmt.Printf("  round %-3d %-16s %s %6dms %s\n", c.Round, c.Tool, statusColor(c.Status), c.Latency.Milliseconds(), c.Error)
				}
				return nil
			}

			runs, err := store.RecentRuns(ctx, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println(color.YellowString("No runs recorded"))
				return nil
			}
			for _, r := range runs {
				fmt.Printf("%s %s %-9s %-8s %-20s rounds=%d tools=%d %s %s\n",
					color.HiBlackString(r.StartedAt.Local().Format("2006-01-02 15:04:05")),
					r.ID, statusColor(r.Status), r.Channel, r.Model, r.Rounds, r.ToolCalls,
					r.Duration.Round(time.Millisecond), r.Error)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().StringVar(&runID, "run", "", "show the tool calls of one run")
	return cmd
}

func statusColor(status string) string {
	switch status {
	case audit.StatusSucceeded:
		return color.GreenString(status)
	case audit.StatusFailed:
		return color.RedString(status)
	default:
		return color.YellowString(status)
	}
}
