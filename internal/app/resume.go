package app

import (
	"context"
	"errors"
)

// Resume clears an active trade pause ahead of its expiry. Manual
// override for an operator who has reviewed the losses behind it.
func (a *App) Resume(ctx context.Context, accountID, strategyID string) error {
	if accountID == "" || strategyID == "" {
		return errors.New("account and strategy are required")
	}

	states, closeStates := a.openStateStore()
	defer closeStates()

	pause, found, err := states.GetPause(ctx, accountID, strategyID)
	if err != nil {
		return err
	}
	if !found {
		a.Logger.Info().
			Str("account_id", accountID).
			Str("strategy_id", strategyID).
			Msg("no pause to clear")
		return nil
	}

	if err := states.ClearPause(ctx, accountID, strategyID); err != nil {
		return err
	}

	a.Logger.Info().
		Str("account_id", accountID).
		Str("strategy_id", strategyID).
		Str("reason", pause.Reason).
		Time("was_resuming_at", pause.ResumeAt).
		Msg("trade pause cleared")
	return nil
}
