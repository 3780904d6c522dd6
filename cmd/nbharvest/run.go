package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/isdmx/nbharvest/harvest"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the queue and merge results into the dataset",
	Long: `Execute every pending notebook of the queue file in order, each inside the
cached environment matching its dependency manifests. The run stops before a
notebook whose full timeout no longer fits in the remaining budget. Notebooks
that already succeeded are skipped unless --rerun is given.`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := viper.BindPFlag("runner.per_unit_timeout_sec", cmd.Flags().Lookup("per-notebook-seconds")); err != nil {
			return err
		}
		return viper.BindPFlag("scheduler.total_budget_sec", cmd.Flags().Lookup("max-total-seconds"))
	},
	RunE: runRun,
}

func init() {
	runCmd.Flags().Int("per-notebook-seconds", 480, "per-notebook timeout in seconds")
	runCmd.Flags().Int("max-total-seconds", 3600, "global execution budget in seconds")
	runCmd.Flags().Bool("rerun", false, "run notebooks that already succeeded")
}

func runRun(cmd *cobra.Command, _ []string) error {
	rerun, err := cmd.Flags().GetBool("rerun")
	if err != nil {
		return err
	}

	return withService(cmd.Context(), func(svc *harvest.Service) error {
		summary, runErr := svc.RunQueue(cmd.Context(), harvest.RunOptions{Rerun: rerun})
		if summary.RunID != "" {
			if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
		}
		return runErr
	})
}
