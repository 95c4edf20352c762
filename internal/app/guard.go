package app

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"tradeguard/internal/guardian"
	"tradeguard/internal/model"
)

// GuardAction names one position-lifecycle operation.
type GuardAction string

const (
	GuardClose        GuardAction = "close"
	GuardAdjustStop   GuardAction = "adjust-stop"
	GuardAdjustTarget GuardAction = "adjust-target"
	GuardAdjustBoth   GuardAction = "adjust-both"
	GuardHalfClose    GuardAction = "half-close"
)

// GuardOptions parameterise one guardian operation.
type GuardOptions struct {
	Action    GuardAction
	AccountID string
	Symbol    string
	Stop      decimal.Decimal
	Target    decimal.Decimal
	Reason    string
	// Level and LevelThresholdPct tag stop adjustments with the trailing
	// tier that produced them.
	Level             string
	LevelThresholdPct decimal.Decimal
	// MoveToBreakEven applies to half-close only.
	MoveToBreakEven bool
}

func (o GuardOptions) level() *guardian.Level {
	if o.Level == "" {
		return nil
	}
	return &guardian.Level{Name: o.Level, ThresholdPct: o.LevelThresholdPct}
}

// Guard executes a single guardian operation against one position.
func (a *App) Guard(ctx context.Context, opts GuardOptions) error {
	if opts.AccountID == "" || opts.Symbol == "" {
		return fmt.Errorf("account and symbol are required")
	}
	if opts.Reason == "" {
		opts.Reason = "manual"
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	states, closeStates := a.openStateStore()
	defer closeStates()

	guard := a.newGuardian(store, states, a.newClients())
	key := model.PositionKey{AccountID: opts.AccountID, Symbol: opts.Symbol}

	if a.Config.Guardian.ActionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Config.Guardian.ActionTimeout)
		defer cancel()
	}

	var res guardian.Result
	switch opts.Action {
	case GuardClose:
		res, err = guard.Close(ctx, key, opts.Reason)
	case GuardAdjustStop:
		res, err = guard.AdjustStop(ctx, key, opts.Stop, opts.level())
	case GuardAdjustTarget:
		res, err = guard.AdjustTarget(ctx, key, opts.Target)
	case GuardAdjustBoth:
		res, err = guard.AdjustBoth(ctx, key, opts.Stop, opts.Target, opts.level())
	case GuardHalfClose:
		res, err = guard.HalfClose(ctx, key, opts.MoveToBreakEven)
	default:
		return fmt.Errorf("unknown guard action %q", opts.Action)
	}
	if err != nil {
		return err
	}

	log := a.Logger.Info()
	if res.Degraded || res.Partial {
		log = a.Logger.Warn()
	}
	log.
		Str("action", string(opts.Action)).
		Str("account_id", opts.AccountID).
		Str("symbol", opts.Symbol).
		Str("reason", res.Reason).
		Bool("degraded", res.Degraded).
		Bool("partial", res.Partial).
		Msg("guard action complete")
	return nil
}
