package guardian

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradeguard/internal/exchange"
	"tradeguard/internal/model"
	"tradeguard/internal/statestore"
)

// Level labels the trailing tier a stop adjustment promotes the position
// into, so later reads can tell which profit threshold produced the
// current stop. A nil Level leaves the recorded tier untouched.
type Level struct {
	Name         string
	ThresholdPct decimal.Decimal
}

// AdjustStop moves the protective stop, tighter only. A long's stop may
// only rise, a short's only fall; an equal price is an idempotent no-op.
// The stop must stay on the non-triggering side of the current mark, or
// the exchange would fire it on arrival.
func (g *Guardian) AdjustStop(ctx context.Context, key model.PositionKey, newStop decimal.Decimal, level *Level) (Result, error) {
	pos, client, err := g.load(ctx, key)
	if err != nil {
		return Result{}, err
	}

	newStop, err = g.roundPrice(ctx, pos.Symbol, newStop)
	if err != nil {
		return Result{}, err
	}
	if newStop.Equal(pos.CurrentStop) {
		return Result{Success: true, Reason: "stop_unchanged"}, nil
	}
	if err := g.validateStop(ctx, pos, newStop); err != nil {
		g.recordAudit(ctx, pos, "adjust_stop", map[string]string{"new_stop": newStop.String()}, "rejected", false, err)
		return Result{}, err
	}

	slOrderID, err := g.replaceStop(ctx, client, pos, newStop)
	if err != nil {
		g.recordAudit(ctx, pos, "adjust_stop", map[string]string{"new_stop": newStop.String()}, "error", false, err)
		return Result{}, err
	}

	res := Result{Success: true, Reason: "stop_adjusted"}
	prevStop := pos.CurrentStop
	if err := g.writePositionUpdate(ctx, pos, g.stopStillTighter(pos.Direction, newStop), func(p *model.Position) {
		p.PreviousStop = prevStop
		p.CurrentStop = newStop
		p.SLOrderID = slOrderID
		applyLevel(p, level)
	}); err != nil {
		g.logger.Error().Err(err).
			Str("symbol", pos.Symbol).
			Msg("stop adjusted on exchange but state write failed")
		res.Degraded = true
	}
	params := map[string]string{
		"previous_stop": prevStop.String(),
		"new_stop":      newStop.String(),
	}
	if level != nil {
		params["level"] = level.Name
	}
	g.recordAudit(ctx, pos, "adjust_stop", params, outcomeLabel(res), true, nil)
	return res, nil
}

// AdjustTarget moves the take-profit. Targets may move either way, but
// must stay on the unreached side of the mark.
func (g *Guardian) AdjustTarget(ctx context.Context, key model.PositionKey, newTarget decimal.Decimal) (Result, error) {
	pos, client, err := g.load(ctx, key)
	if err != nil {
		return Result{}, err
	}

	newTarget, err = g.roundPrice(ctx, pos.Symbol, newTarget)
	if err != nil {
		return Result{}, err
	}
	if newTarget.Equal(pos.CurrentTarget) {
		return Result{Success: true, Reason: "target_unchanged"}, nil
	}
	if err := g.validateTarget(ctx, pos, newTarget); err != nil {
		g.recordAudit(ctx, pos, "adjust_target", map[string]string{"new_target": newTarget.String()}, "rejected", false, err)
		return Result{}, err
	}

	tpOrderID, err := g.replaceTarget(ctx, client, pos, newTarget)
	if err != nil {
		g.recordAudit(ctx, pos, "adjust_target", map[string]string{"new_target": newTarget.String()}, "error", false, err)
		return Result{}, err
	}

	res := Result{Success: true, Reason: "target_adjusted"}
	if err := g.writePositionUpdate(ctx, pos, nil, func(p *model.Position) {
		p.CurrentTarget = newTarget
		p.TPOrderID = tpOrderID
	}); err != nil {
		g.logger.Error().Err(err).
			Str("symbol", pos.Symbol).
			Msg("target adjusted on exchange but state write failed")
		res.Degraded = true
	}
	g.recordAudit(ctx, pos, "adjust_target", map[string]string{
		"new_target": newTarget.String(),
	}, outcomeLabel(res), true, nil)
	return res, nil
}

// AdjustBoth moves stop and target together. Both prices are validated
// before either order is touched, so an invalid target cannot leave the
// position with a moved stop and an untouched target. A target failure
// after the stop leg succeeded returns a partial result rather than
// unwinding the stop.
func (g *Guardian) AdjustBoth(ctx context.Context, key model.PositionKey, newStop, newTarget decimal.Decimal, level *Level) (Result, error) {
	pos, client, err := g.load(ctx, key)
	if err != nil {
		return Result{}, err
	}

	newStop, err = g.roundPrice(ctx, pos.Symbol, newStop)
	if err != nil {
		return Result{}, err
	}
	newTarget, err = g.roundPrice(ctx, pos.Symbol, newTarget)
	if err != nil {
		return Result{}, err
	}

	stopChanged := !newStop.Equal(pos.CurrentStop)
	targetChanged := !newTarget.Equal(pos.CurrentTarget)
	if !stopChanged && !targetChanged {
		return Result{Success: true, Reason: "unchanged"}, nil
	}
	if stopChanged {
		if err := g.validateStop(ctx, pos, newStop); err != nil {
			return Result{}, err
		}
	}
	if targetChanged {
		if err := g.validateTarget(ctx, pos, newTarget); err != nil {
			return Result{}, err
		}
	}

	prevStop := pos.CurrentStop
	slOrderID, tpOrderID := pos.SLOrderID, pos.TPOrderID
	if stopChanged {
		slOrderID, err = g.replaceStop(ctx, client, pos, newStop)
		if err != nil {
			g.recordAudit(ctx, pos, "adjust_both", map[string]string{"new_stop": newStop.String()}, "error", false, err)
			return Result{}, err
		}
	}

	res := Result{Success: true, Reason: "adjusted"}
	var targetErr error
	if targetChanged {
		tpOrderID, targetErr = g.replaceTarget(ctx, client, pos, newTarget)
		if targetErr != nil {
			res.Partial = true
			res.Reason = "stop_adjusted_target_failed"
			newTarget = pos.CurrentTarget
			tpOrderID = pos.TPOrderID
		}
	}

	var revalidate func(model.Position) error
	if stopChanged {
		revalidate = g.stopStillTighter(pos.Direction, newStop)
	}
	if err := g.writePositionUpdate(ctx, pos, revalidate, func(p *model.Position) {
		if stopChanged {
			p.PreviousStop = prevStop
			p.CurrentStop = newStop
			p.SLOrderID = slOrderID
			applyLevel(p, level)
		}
		p.CurrentTarget = newTarget
		p.TPOrderID = tpOrderID
	}); err != nil {
		g.logger.Error().Err(err).
			Str("symbol", pos.Symbol).
			Msg("orders adjusted on exchange but state write failed")
		res.Degraded = true
	}
	g.recordAudit(ctx, pos, "adjust_both", map[string]string{
		"new_stop":   newStop.String(),
		"new_target": newTarget.String(),
	}, outcomeLabel(res), !res.Partial, targetErr)
	return res, nil
}

// HalfClose flattens half the position with a reduce-only market order and
// optionally moves the stop to break-even, nudged one tick into profit to
// cover fees. The half close succeeding with a failed break-even move is a
// partial result.
func (g *Guardian) HalfClose(ctx context.Context, key model.PositionKey, moveToBreakEven bool) (Result, error) {
	pos, client, err := g.load(ctx, key)
	if err != nil {
		return Result{}, err
	}
	log := g.logger.With().Str("account_id", pos.AccountID).Str("symbol", pos.Symbol).Logger()

	filters, _, err := g.market.Filters(ctx, pos.Symbol)
	if err != nil {
		return Result{}, fmt.Errorf("symbol filters: %w", err)
	}
	if !filters.Valid() {
		return Result{}, exchange.ErrInvalidFilters
	}

	half := exchange.RoundToStep(pos.Quantity.Div(decimal.NewFromInt(2)), filters.StepSize)
	if half.LessThan(filters.MinQty) || !half.IsPositive() {
		return Result{}, fmt.Errorf("%w: half of %s", exchange.ErrQuantityTooSmall, pos.Quantity)
	}

	if _, err := client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       closeSide(pos.Direction),
		Type:       exchange.OrderTypeMarket,
		Quantity:   half,
		ReduceOnly: true,
	}); err != nil {
		g.recordAudit(ctx, pos, "half_close", map[string]string{"quantity": half.String()}, "error", false, err)
		return Result{}, fmt.Errorf("half close order: %w", err)
	}

	remaining := pos.Quantity.Sub(half)
	res := Result{Success: true, Reason: "half_closed"}

	newStop := pos.CurrentStop
	slOrderID := pos.SLOrderID
	var beErr error
	if moveToBreakEven {
		breakEven := breakEvenStop(pos, filters.TickSize)
		if breakEven.Equal(pos.CurrentStop) {
			// Already at break-even.
		} else if beErr = g.validateStop(ctx, pos, breakEven); beErr == nil {
			slOrderID, beErr = g.replaceStop(ctx, client, pos, breakEven)
			if beErr == nil {
				newStop = breakEven
			}
		}
		if beErr != nil {
			log.Error().Err(beErr).Msg("half close filled but break-even move failed")
			res.Partial = true
			res.Reason = "half_closed_break_even_failed"
			slOrderID = pos.SLOrderID
		}
	}

	prevStop := pos.CurrentStop
	var revalidate func(model.Position) error
	if !newStop.Equal(prevStop) {
		revalidate = g.stopStillTighter(pos.Direction, newStop)
	}
	if err := g.writePositionUpdate(ctx, pos, revalidate, func(p *model.Position) {
		p.Quantity = remaining
		if !newStop.Equal(prevStop) {
			p.PreviousStop = prevStop
			p.CurrentStop = newStop
			p.SLOrderID = slOrderID
		}
	}); err != nil {
		log.Error().Err(err).Msg("half close done on exchange but state write failed")
		res.Degraded = true
	}
	g.recordAudit(ctx, pos, "half_close", map[string]string{
		"closed_quantity":    half.String(),
		"remaining_quantity": remaining.String(),
		"new_stop":           newStop.String(),
	}, outcomeLabel(res), !res.Partial, beErr)
	return res, nil
}

// breakEvenStop is the entry price nudged one tick into profit.
func breakEvenStop(pos model.Position, tick decimal.Decimal) decimal.Decimal {
	if pos.IsLong() {
		return pos.EntryPrice.Add(tick)
	}
	return pos.EntryPrice.Sub(tick)
}

// validateStop enforces the tighten-only rule and the mark-side rule.
func (g *Guardian) validateStop(ctx context.Context, pos model.Position, newStop decimal.Decimal) error {
	if pos.IsLong() {
		if newStop.LessThan(pos.CurrentStop) {
			return fmt.Errorf("%w: %s below current %s", ErrStopNotTighter, newStop, pos.CurrentStop)
		}
	} else if newStop.GreaterThan(pos.CurrentStop) {
		return fmt.Errorf("%w: %s above current %s", ErrStopNotTighter, newStop, pos.CurrentStop)
	}

	mark, _, err := g.market.MarkPrice(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("mark price: %w", err)
	}
	if pos.IsLong() {
		if newStop.GreaterThanOrEqual(mark) {
			return fmt.Errorf("%w: stop %s, mark %s", ErrStopBeyondMark, newStop, mark)
		}
	} else if newStop.LessThanOrEqual(mark) {
		return fmt.Errorf("%w: stop %s, mark %s", ErrStopBeyondMark, newStop, mark)
	}
	return nil
}

// validateTarget keeps the take-profit on the unreached side of the mark.
func (g *Guardian) validateTarget(ctx context.Context, pos model.Position, newTarget decimal.Decimal) error {
	mark, _, err := g.market.MarkPrice(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("mark price: %w", err)
	}
	if pos.IsLong() {
		if newTarget.LessThanOrEqual(mark) {
			return fmt.Errorf("%w: target %s, mark %s", ErrTargetBeyondMark, newTarget, mark)
		}
	} else if newTarget.GreaterThanOrEqual(mark) {
		return fmt.Errorf("%w: target %s, mark %s", ErrTargetBeyondMark, newTarget, mark)
	}
	return nil
}

func (g *Guardian) roundPrice(ctx context.Context, symbol string, price decimal.Decimal) (decimal.Decimal, error) {
	filters, _, err := g.market.Filters(ctx, symbol)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("symbol filters: %w", err)
	}
	return exchange.RoundToTick(price, filters.TickSize), nil
}

// replaceStop cancels the live stop order and places the replacement. The
// gap between cancel and place is accepted; the take-profit still guards
// the position during it.
func (g *Guardian) replaceStop(ctx context.Context, client exchange.Client, pos model.Position, newStop decimal.Decimal) (string, error) {
	if pos.SLOrderID != "" {
		if err := client.CancelOrder(ctx, pos.Symbol, pos.SLOrderID); err != nil {
			return "", fmt.Errorf("cancel stop order %s: %w", pos.SLOrderID, err)
		}
	}
	order, err := exchange.PlaceStopLoss(ctx, client, pos.Symbol, pos.Direction, newStop)
	if err != nil {
		return "", fmt.Errorf("place stop order: %w", err)
	}
	return order.OrderID, nil
}

func (g *Guardian) replaceTarget(ctx context.Context, client exchange.Client, pos model.Position, newTarget decimal.Decimal) (string, error) {
	if pos.TPOrderID != "" {
		if err := client.CancelOrder(ctx, pos.Symbol, pos.TPOrderID); err != nil {
			return "", fmt.Errorf("cancel target order %s: %w", pos.TPOrderID, err)
		}
	}
	order, err := exchange.PlaceTakeProfit(ctx, client, pos.Symbol, pos.Direction, newTarget)
	if err != nil {
		return "", fmt.Errorf("place target order: %w", err)
	}
	return order.OrderID, nil
}

// applyLevel records the trailing tier on the position, demoting the
// current tier to PreviousLevel.
func applyLevel(p *model.Position, level *Level) {
	if level == nil {
		return
	}
	p.PreviousLevel = p.LevelApplied
	p.LevelApplied = level.Name
	threshold := level.ThresholdPct
	p.LevelThresholdPct = &threshold
}

// stopStillTighter re-checks the tighten-only rule against a freshly
// loaded record. A concurrent writer may have moved the stop past the
// price this adjustment wants; re-applying would loosen it.
func (g *Guardian) stopStillTighter(direction model.Direction, newStop decimal.Decimal) func(model.Position) error {
	return func(latest model.Position) error {
		if direction == model.Long {
			if newStop.LessThan(latest.CurrentStop) {
				return fmt.Errorf("%w: %s below concurrent stop %s", ErrStopNotTighter, newStop, latest.CurrentStop)
			}
			return nil
		}
		if newStop.GreaterThan(latest.CurrentStop) {
			return fmt.Errorf("%w: %s above concurrent stop %s", ErrStopNotTighter, newStop, latest.CurrentStop)
		}
		return nil
	}
}

// writePositionUpdate applies the mutation under optimistic concurrency,
// re-reading and re-applying once on a lost race, and retrying once on a
// transient store error. Before re-applying, revalidate (when set) runs
// against the fresh record; a mutation the race made invalid is dropped
// rather than overwriting the winner's state. The exchange action has
// already happened when this runs, so a final failure is reported as
// degradation, never rolled back.
func (g *Guardian) writePositionUpdate(ctx context.Context, base model.Position, revalidate func(model.Position) error, mutate func(*model.Position)) error {
	pos := base
	expected := pos.LastAdjustmentTS
	mutate(&pos)
	pos.LastAdjustmentTS = g.now().UnixNano()

	err := g.positions.SavePositionGuarded(ctx, pos, expected)
	if err == nil {
		return nil
	}

	if errors.Is(err, statestore.ErrPositionConflict) {
		fresh, found, loadErr := g.positions.GetPosition(ctx, base.Key())
		if loadErr != nil {
			return errors.Join(err, loadErr)
		}
		if !found {
			return fmt.Errorf("position vanished during update: %w", ErrPositionNotFound)
		}
		if revalidate != nil {
			if invErr := revalidate(fresh); invErr != nil {
				return fmt.Errorf("lost update race: %w", invErr)
			}
		}
		expected = fresh.LastAdjustmentTS
		mutate(&fresh)
		fresh.LastAdjustmentTS = g.now().UnixNano()
		return g.positions.SavePositionGuarded(ctx, fresh, expected)
	}

	return g.retryOnce(ctx, func() error {
		return g.positions.SavePositionGuarded(ctx, pos, expected)
	})
}
