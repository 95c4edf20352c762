package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"tradeguard/internal/app"
)

var (
	showAccount string
	showLimit   int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display an account's recent trades",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			AccountID: showAccount,
			Limit:     showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showAccount, "account", "", "Account id to display")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of trades to display")
	_ = showCmd.MarkFlagRequired("account")
}
