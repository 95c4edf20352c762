package cli

import (
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"tradeguard/internal/app"
)

var (
	guardAccount   string
	guardSymbol    string
	guardStop      string
	guardTarget    string
	guardReason    string
	guardLevel     string
	guardLevelPct  string
	guardBreakEven bool
)

// parseLevelPct is optional unless a level name was given.
func parseLevelPct() (decimal.Decimal, error) {
	if guardLevelPct == "" {
		return decimal.Decimal{}, nil
	}
	return parsePrice("--level-threshold", guardLevelPct)
}

var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Manage an open position's protective orders",
}

var guardCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the position at market",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Guard(cmd.Context(), app.GuardOptions{
			Action:    app.GuardClose,
			AccountID: guardAccount,
			Symbol:    guardSymbol,
			Reason:    guardReason,
		})
	},
}

var guardAdjustStopCmd = &cobra.Command{
	Use:   "adjust-stop",
	Short: "Move the stop-loss (tighter only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stop, err := parsePrice("--stop", guardStop)
		if err != nil {
			return err
		}
		levelPct, err := parseLevelPct()
		if err != nil {
			return err
		}
		return getApp().Guard(cmd.Context(), app.GuardOptions{
			Action:            app.GuardAdjustStop,
			AccountID:         guardAccount,
			Symbol:            guardSymbol,
			Stop:              stop,
			Level:             guardLevel,
			LevelThresholdPct: levelPct,
		})
	},
}

var guardAdjustTargetCmd = &cobra.Command{
	Use:   "adjust-target",
	Short: "Move the take-profit",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := parsePrice("--target", guardTarget)
		if err != nil {
			return err
		}
		return getApp().Guard(cmd.Context(), app.GuardOptions{
			Action:    app.GuardAdjustTarget,
			AccountID: guardAccount,
			Symbol:    guardSymbol,
			Target:    target,
		})
	},
}

var guardAdjustBothCmd = &cobra.Command{
	Use:   "adjust-both",
	Short: "Move stop-loss and take-profit together",
	RunE: func(cmd *cobra.Command, args []string) error {
		stop, err := parsePrice("--stop", guardStop)
		if err != nil {
			return err
		}
		target, err := parsePrice("--target", guardTarget)
		if err != nil {
			return err
		}
		levelPct, err := parseLevelPct()
		if err != nil {
			return err
		}
		return getApp().Guard(cmd.Context(), app.GuardOptions{
			Action:            app.GuardAdjustBoth,
			AccountID:         guardAccount,
			Symbol:            guardSymbol,
			Stop:              stop,
			Target:            target,
			Level:             guardLevel,
			LevelThresholdPct: levelPct,
		})
	},
}

var guardHalfCloseCmd = &cobra.Command{
	Use:   "half-close",
	Short: "Close half the position, optionally moving the stop to break-even",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Guard(cmd.Context(), app.GuardOptions{
			Action:          app.GuardHalfClose,
			AccountID:       guardAccount,
			Symbol:          guardSymbol,
			MoveToBreakEven: guardBreakEven,
		})
	},
}

func init() {
	guardCmd.PersistentFlags().StringVar(&guardAccount, "account", "", "Account id owning the position")
	guardCmd.PersistentFlags().StringVar(&guardSymbol, "symbol", "", "Futures symbol, e.g. BTCUSDT")

	guardCloseCmd.Flags().StringVar(&guardReason, "reason", "manual", "Exit reason recorded in trade history")
	guardAdjustStopCmd.Flags().StringVar(&guardStop, "stop", "", "New stop-loss price")
	guardAdjustTargetCmd.Flags().StringVar(&guardTarget, "target", "", "New take-profit price")
	guardAdjustBothCmd.Flags().StringVar(&guardStop, "stop", "", "New stop-loss price")
	guardAdjustBothCmd.Flags().StringVar(&guardTarget, "target", "", "New take-profit price")
	for _, cmd := range []*cobra.Command{guardAdjustStopCmd, guardAdjustBothCmd} {
		cmd.Flags().StringVar(&guardLevel, "level", "", "Trailing level name to record with the stop move")
		cmd.Flags().StringVar(&guardLevelPct, "level-threshold", "", "Profit threshold (percent) that triggered the level")
	}
	guardHalfCloseCmd.Flags().BoolVar(&guardBreakEven, "break-even", true, "Move the stop to break-even after the half close")

	for _, cmd := range []*cobra.Command{guardCloseCmd, guardAdjustStopCmd, guardAdjustTargetCmd, guardAdjustBothCmd, guardHalfCloseCmd} {
		guardCmd.AddCommand(cmd)
	}
}
