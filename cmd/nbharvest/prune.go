package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/isdmx/nbharvest/harvest"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Evict cached environments unused for a number of days",
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return viper.BindPFlag("cache.eviction_age_days", cmd.Flags().Lookup("days"))
	},
	RunE: runPrune,
}

func init() {
	pruneCmd.Flags().Int("days", 14, "evict environments last used more than this many days ago")
	pruneCmd.Flags().Bool("dry-run", false, "list environments that would be evicted without removing them")
}

func runPrune(cmd *cobra.Command, _ []string) error {
	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		return err
	}

	return withService(cmd.Context(), func(svc *harvest.Service) error {
		summary, err := svc.Prune(0, dryRun)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), summary)
	})
}
