package cli

import (
	"github.com/spf13/cobra"
)

var (
	resumeAccount  string
	resumeStrategy string
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear an active trade pause before it expires",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Resume(cmd.Context(), resumeAccount, resumeStrategy)
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumeAccount, "account", "", "Account id whose pause to clear")
	resumeCmd.Flags().StringVar(&resumeStrategy, "strategy", "", "Strategy id the pause belongs to")
	_ = resumeCmd.MarkFlagRequired("account")
	_ = resumeCmd.MarkFlagRequired("strategy")
}
