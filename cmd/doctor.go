package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Zedster07/brainwave2/internal/config"
	"github.com/Zedster07/brainwave2/internal/store"
)

func doctorCmd() *cobra.Command {
	var showRuns int

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate the configuration and inspect recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("config check failed: %w", err)
			}
			fmt.Printf("config: ok (%s)\n", path)
			fmt.Printf("  agent type:        %s\n", cfg.Agent.AgentType)
			fmt.Printf("  approval mode:     %s\n", cfg.Approval.Mode)
			fmt.Printf("  delegation depth:  %d\n", cfg.Agent.MaxDelegationDepth)
			fmt.Printf("  proactive ratio:   %.2f\n", cfg.Budget.ProactiveRatio)
			fmt.Printf("  diff threshold:    %.2f\n", cfg.Diff.SimilarityThreshold)

			if showRuns > 0 {
				if cfg.Store.Path == "" {
					return fmt.Errorf("--runs requires store.path in the config")
				}
				st, err := store.Open(cmd.Context(), cfg.Store.Path)
				if err != nil {
					return err
				}
				defer st.Close()

				runs, err := st.RecentRuns(cmd.Context(), showRuns)
				if err != nil {
					return err
				}
				fmt.Printf("\nrecent runs (%d):\n", len(runs))
				for _, r := range runs {
					fmt.Printf("  %s  %-8s  %3d steps  %6d/%-6d tokens  %s\n",
						r.StartedAt.Format("2006-01-02 15:04:05"), r.Outcome,
						r.Steps, r.TokensIn, r.TokensOut, firstLine(r.Task))
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&showRuns, "runs", 0, "show the N most recent persisted runs")
	return cmd
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}
