package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"tradeguard/internal/statestore"
)

// Status prints open positions, active trade pauses, and today's realized
// results for every configured account.
func (a *App) Status(ctx context.Context, opts StatusOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	states, closeStates := a.openStateStore()
	defer closeStates()

	now := time.Now().UTC()

	positions, err := states.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Open positions")
	if len(positions) == 0 {
		fmt.Fprintln(writer, "  none")
	} else {
		fmt.Fprintln(writer, "Account\tSymbol\tSide\tEntry\tQty\tStop\tTarget\tOpened (UTC)")
		for _, pos := range positions {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				pos.AccountID, pos.Symbol, pos.Direction,
				pos.EntryPrice, pos.Quantity, pos.CurrentStop, pos.CurrentTarget,
				pos.EntryTime.UTC().Format(time.RFC3339))
		}
	}
	writer.Flush()

	if opts.StrategyID != "" {
		a.printPauses(ctx, states, opts.StrategyID, now)
	}

	if store != nil && opts.StrategyID != "" {
		dayStart := now.Truncate(24 * time.Hour)
		writer = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "\nToday's realized results")
		fmt.Fprintln(writer, "Account\tTrades\tWins\tLosses\tPnL (USDT)")
		for _, id := range a.accountIDs() {
			summary, err := store.DailySummary(ctx, id, opts.StrategyID, dayStart)
			if err != nil {
				a.Logger.Warn().Err(err).Str("account_id", id).Msg("daily summary unavailable")
				continue
			}
			fmt.Fprintf(writer, "%s\t%d\t%d\t%d\t%s\n",
				id, summary.TotalTrades, summary.WinningTrades, summary.LosingTrades,
				summary.PnLUSDT.StringFixed(2))
		}
		writer.Flush()
	}
	return nil
}

func (a *App) printPauses(ctx context.Context, states *statestore.Store, strategyID string, now time.Time) {
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "\nActive pauses")
	anyActive := false
	for _, id := range a.accountIDs() {
		pause, found, err := states.GetPause(ctx, id, strategyID)
		if err != nil {
			a.Logger.Warn().Err(err).Str("account_id", id).Msg("pause state unavailable")
			continue
		}
		if !found || !pause.Active(now) {
			continue
		}
		anyActive = true
		fmt.Fprintf(writer, "%s\t%s\tresumes %s\n",
			id, pause.Reason, pause.ResumeAt.UTC().Format(time.RFC3339))
	}
	if !anyActive {
		fmt.Fprintln(writer, "  none")
	}
	writer.Flush()
}
