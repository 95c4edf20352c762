package cli

import (
	"github.com/spf13/cobra"

	"tradeguard/internal/app"
)

var statusStrategy string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show open positions, pauses, and today's results",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context(), app.StatusOptions{
			StrategyID: statusStrategy,
		})
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusStrategy, "strategy", "", "Strategy id for pause and daily summaries")
}
