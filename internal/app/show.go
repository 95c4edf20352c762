package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints the account's recent trades, open and closed.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.AccountID == "" {
		return errors.New("--account is required")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show trades")
	}
	if closeStore != nil {
		defer closeStore()
	}

	trades, err := store.ListRecentTrades(ctx, opts.AccountID, opts.Limit)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		fmt.Fprintln(os.Stdout, "no trades found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Entry (UTC)\tSymbol\tSide\tEntry\tQty\tExit\tReason\tPnL (USDT)")

	for _, trade := range trades {
		exitPrice, exitReason, pnl := "-", "open", "-"
		if trade.Closed() {
			exitPrice = trade.ExitPrice.String()
			exitReason = sanitizeInline(*trade.ExitReason)
			pnl = trade.PnLUSDT.StringFixed(2)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			trade.EntryTime.UTC().Format(time.RFC3339),
			trade.Symbol,
			trade.Direction,
			trade.EntryPrice,
			trade.Quantity,
			exitPrice,
			exitReason,
			pnl,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
