package cli

import (
	"github.com/spf13/cobra"

	"dexarb/internal/app"
)

var (
	buildInput   string
	buildBuilder string
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build calldata for an arbitrage opportunity read as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.BuildOptions{
			InputPath: buildInput,
			Builder:   buildBuilder,
		}
		return getApp().Build(cmd.InOrStdin(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	buildCmd.Flags().StringVar(&buildInput, "input", "-", "Opportunity JSON file (\"-\" for stdin)")
	buildCmd.Flags().StringVar(&buildBuilder, "builder", "", "Builder name (selected automatically when empty)")
}
