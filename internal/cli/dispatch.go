package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"tradeguard/internal/app"
	"tradeguard/internal/model"
)

var (
	dispatchSymbol    string
	dispatchDirection string
	dispatchEntry     string
	dispatchStop      string
	dispatchTarget    string
	dispatchTier      int
	dispatchStrategy  string
	dispatchRR        string
	dispatchAccounts  []string
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Dispatch one signal to all eligible accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		direction, err := model.ParseDirection(dispatchDirection)
		if err != nil {
			return err
		}

		entry, err := parsePrice("--entry", dispatchEntry)
		if err != nil {
			return err
		}
		stop, err := parsePrice("--stop", dispatchStop)
		if err != nil {
			return err
		}
		target, err := parsePrice("--target", dispatchTarget)
		if err != nil {
			return err
		}

		signal := model.Signal{
			Symbol:      dispatchSymbol,
			Direction:   direction,
			EntryPrice:  entry,
			StopPrice:   stop,
			TargetPrice: target,
			Tier:        dispatchTier,
			StrategyID:  dispatchStrategy,
		}
		if dispatchRR != "" {
			rr, err := parsePrice("--risk-reward", dispatchRR)
			if err != nil {
				return err
			}
			signal.RiskReward = rr
		}

		opts := app.DispatchOptions{
			Signal:   signal,
			Accounts: dispatchAccounts,
		}
		return getApp().Dispatch(cmd.Context(), opts)
	},
}

func parsePrice(flag, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Decimal{}, fmt.Errorf("%s is required", flag)
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	return parsed, nil
}

func init() {
	dispatchCmd.Flags().StringVar(&dispatchSymbol, "symbol", "", "Futures symbol, e.g. BTCUSDT")
	dispatchCmd.Flags().StringVar(&dispatchDirection, "direction", "", "Trade direction: LONG or SHORT")
	dispatchCmd.Flags().StringVar(&dispatchEntry, "entry", "", "Entry price")
	dispatchCmd.Flags().StringVar(&dispatchStop, "stop", "", "Stop-loss price")
	dispatchCmd.Flags().StringVar(&dispatchTarget, "target", "", "Take-profit price")
	dispatchCmd.Flags().IntVar(&dispatchTier, "tier", 5, "Signal tier (1 best, 10 worst)")
	dispatchCmd.Flags().StringVar(&dispatchStrategy, "strategy", "", "Strategy id the signal belongs to")
	dispatchCmd.Flags().StringVar(&dispatchRR, "risk-reward", "", "Risk/reward ratio of the signal")
	dispatchCmd.Flags().StringSliceVar(&dispatchAccounts, "accounts", nil, "Restrict dispatch to these account ids")

	_ = dispatchCmd.MarkFlagRequired("symbol")
	_ = dispatchCmd.MarkFlagRequired("direction")
	_ = dispatchCmd.MarkFlagRequired("strategy")
}
