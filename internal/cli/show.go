package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"dexarb/internal/app"
)

var (
	showLimit   int
	showMetrics bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent pool events or metrics snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:   showLimit,
			Metrics: showMetrics,
		}

		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showMetrics, "metrics", false, "Show pipeline metrics snapshots instead of events")
}
