package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradeguard/internal/model"
)

var (
	// ErrPositionExists rejects an entry when the symbol already carries one.
	ErrPositionExists = errors.New("exchange: position already open for symbol")
	// ErrInvalidFilters rejects order math on unusable exchange filters.
	ErrInvalidFilters = errors.New("exchange: invalid symbol filters")
	// ErrQuantityTooSmall rejects entries whose sized quantity rounds below
	// the exchange minimum.
	ErrQuantityTooSmall = errors.New("exchange: quantity below exchange minimum")
	// ErrInsufficientBalance rejects entries the account cannot fund.
	ErrInsufficientBalance = errors.New("exchange: insufficient balance")
	// ErrRiskRewardTooLow rejects entries whose target pays less than the
	// profile's minimum multiple of the stop distance.
	ErrRiskRewardTooLow = errors.New("exchange: risk/reward below profile minimum")
)

func checkRiskReward(signal model.Signal, minRR decimal.Decimal) error {
	if !minRR.IsPositive() {
		return nil
	}
	risk := signal.EntryPrice.Sub(signal.StopPrice).Abs()
	reward := signal.TargetPrice.Sub(signal.EntryPrice).Abs()
	if !risk.IsPositive() {
		return fmt.Errorf("%w: stop equals entry", ErrRiskRewardTooLow)
	}
	if rr := reward.Div(risk); rr.LessThan(minRR) {
		return fmt.Errorf("%w: %s < %s", ErrRiskRewardTooLow, rr.Round(4), minRR)
	}
	return nil
}

// RoundToTick floors a price to an exact multiple of the tick size.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

// RoundToStep floors a quantity to an exact multiple of the step size.
func RoundToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

func entrySide(direction model.Direction) string {
	if direction == model.Long {
		return SideBuy
	}
	return SideSell
}

func exitSide(direction model.Direction) string {
	if direction == model.Long {
		return SideSell
	}
	return SideBuy
}

// ProtectedEntry is the outcome of a sized, filled entry order together
// with the levels its protective orders must use.
type ProtectedEntry struct {
	EntryOrder Order
	Entry      decimal.Decimal
	Stop       decimal.Decimal
	Target     decimal.Decimal
	Quantity   decimal.Decimal
}

// PlaceEntry validates exchange filters, sizes the position from the
// account's risk capital, sets leverage, and submits the entry market
// order. Protective orders are placed separately so the caller can retry
// them without re-entering.
func PlaceEntry(ctx context.Context, client Client, signal model.Signal, profile model.RiskProfile) (ProtectedEntry, error) {
	// Recompute risk/reward from the prices rather than trusting the
	// signal's declared ratio.
	if err := checkRiskReward(signal, profile.MinRR); err != nil {
		return ProtectedEntry{}, err
	}

	filters, err := client.SymbolFilters(ctx, signal.Symbol)
	if err != nil {
		return ProtectedEntry{}, err
	}
	if !filters.Valid() {
		return ProtectedEntry{}, fmt.Errorf("%w: %s", ErrInvalidFilters, signal.Symbol)
	}

	// One position per symbol per account.
	position, err := client.PositionRisk(ctx, signal.Symbol)
	if err != nil {
		return ProtectedEntry{}, err
	}
	if !position.Flat() {
		return ProtectedEntry{}, fmt.Errorf("%w: %s", ErrPositionExists, signal.Symbol)
	}

	entry := RoundToTick(signal.EntryPrice, filters.TickSize)
	stop := RoundToTick(signal.StopPrice, filters.TickSize)
	target := RoundToTick(signal.TargetPrice, filters.TickSize)

	for _, price := range []decimal.Decimal{entry, stop, target} {
		if filters.MinPrice.IsPositive() && price.LessThan(filters.MinPrice) {
			return ProtectedEntry{}, fmt.Errorf("price %s below exchange minimum %s", price, filters.MinPrice)
		}
		if filters.MaxPrice.IsPositive() && price.GreaterThan(filters.MaxPrice) {
			return ProtectedEntry{}, fmt.Errorf("price %s above exchange maximum %s", price, filters.MaxPrice)
		}
	}

	balance, err := client.Balance(ctx)
	if err != nil {
		return ProtectedEntry{}, err
	}
	if !balance.IsPositive() {
		return ProtectedEntry{}, ErrInsufficientBalance
	}

	qty, err := sizeQuantity(balance, profile.RiskPct, entry, stop, filters)
	if err != nil {
		return ProtectedEntry{}, err
	}

	if err := client.SetLeverage(ctx, signal.Symbol, profile.MaxLeverage); err != nil {
		return ProtectedEntry{}, err
	}

	order, err := client.PlaceOrder(ctx, OrderRequest{
		Symbol:   signal.Symbol,
		Side:     entrySide(signal.Direction),
		Type:     OrderTypeMarket,
		Quantity: qty,
	})
	if err != nil {
		return ProtectedEntry{}, err
	}

	return ProtectedEntry{
		EntryOrder: order,
		Entry:      entry,
		Stop:       stop,
		Target:     target,
		Quantity:   qty,
	}, nil
}

// sizeQuantity converts the profile's risk percentage of balance into a
// step-rounded contract quantity using the entry-stop distance.
func sizeQuantity(balance decimal.Decimal, riskPct float64, entry, stop decimal.Decimal, filters SymbolFilters) (decimal.Decimal, error) {
	distance := entry.Sub(stop).Abs()
	if !distance.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("entry and stop collapse to the same tick")
	}

	capital := balance.Mul(decimal.NewFromFloat(riskPct)).Div(decimal.NewFromInt(100))
	qty := RoundToStep(capital.Div(distance), filters.StepSize)

	if filters.MinQty.IsPositive() && qty.LessThan(filters.MinQty) {
		return decimal.Decimal{}, fmt.Errorf("%w: sized %s, min %s", ErrQuantityTooSmall, qty, filters.MinQty)
	}
	if !qty.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: quantity rounded to zero", ErrQuantityTooSmall)
	}
	if filters.MinNotional.IsPositive() && qty.Mul(entry).LessThan(filters.MinNotional) {
		return decimal.Decimal{}, fmt.Errorf("notional %s below exchange minimum %s", qty.Mul(entry), filters.MinNotional)
	}
	return qty, nil
}

// PlaceStopLoss creates a close-position stop order at the given price.
func PlaceStopLoss(ctx context.Context, client Client, symbol string, direction model.Direction, stop decimal.Decimal) (Order, error) {
	return client.PlaceOrder(ctx, OrderRequest{
		Symbol:        symbol,
		Side:          exitSide(direction),
		Type:          OrderTypeStopMarket,
		StopPrice:     stop,
		ClosePosition: true,
	})
}

// PlaceTakeProfit creates a close-position take-profit order at the given price.
func PlaceTakeProfit(ctx context.Context, client Client, symbol string, direction model.Direction, target decimal.Decimal) (Order, error) {
	return client.PlaceOrder(ctx, OrderRequest{
		Symbol:        symbol,
		Side:          exitSide(direction),
		Type:          OrderTypeTakeProfitMarket,
		StopPrice:     target,
		ClosePosition: true,
	})
}

// CancelProtectiveOrders removes resting stop and take-profit orders for
// the symbol, returning the first cancellation error after attempting all.
func CancelProtectiveOrders(ctx context.Context, client Client, symbol string) error {
	orders, err := client.OpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	var firstErr error
	for _, order := range orders {
		if order.Type != OrderTypeStopMarket && order.Type != OrderTypeTakeProfitMarket {
			continue
		}
		if err := client.CancelOrder(ctx, symbol, order.OrderID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
