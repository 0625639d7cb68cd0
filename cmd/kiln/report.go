package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/kiln/internal/batch"
	"github.com/untoldecay/kiln/internal/costs"
	"github.com/untoldecay/kiln/internal/store"
	"github.com/untoldecay/kiln/internal/task"
	"github.com/untoldecay/kiln/internal/workspace"
)

var (
	reportProject string
	reportRun     string
	reportRate    float64
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render the run report for the store's tasks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		ctx := context.Background()
		tasks, err := store.NewCollection[task.Task](st, "task").All(ctx)
		if err != nil {
			return err
		}
		worktrees, err := store.NewCollection[workspace.Workspace](st, "workspace").Count(ctx)
		if err != nil {
			return err
		}

		project := reportProject
		if project == "" {
			project = cfg.GetString("project")
		}
		cost := costs.Cost{}
		if reportRate > 0 {
			oracle := costs.NewTokenOracle(st, reportRate)
			if cost, err = oracle.Cost(ctx, project, reportRun); err != nil {
				return err
			}
		}

		fmt.Fprint(cmd.OutOrStdout(), batch.RenderReport(tasks, int(worktrees), cost))
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportProject, "project", "", "project to roll costs up for (default from config)")
	reportCmd.Flags().StringVar(&reportRun, "run", "", "run id to roll costs up for")
	reportCmd.Flags().Float64Var(&reportRate, "rate-per-k-token", 0, "flat $/1K-token rate for cost lines; 0 renders $0.00")
	rootCmd.AddCommand(reportCmd)
}
