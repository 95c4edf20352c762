// Package guardian owns the lifecycle of open positions: closing them,
// moving their protective orders, and reconciling local state against the
// exchange. The exchange is authoritative for fill state; every operation
// acts on the exchange first and treats the local write as best-effort.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradeguard/internal/audit"
	"tradeguard/internal/exchange"
	"tradeguard/internal/marketdata"
	"tradeguard/internal/model"
	"tradeguard/internal/storage"
)

var (
	// ErrPositionNotFound means no guardian record exists for the key.
	ErrPositionNotFound = errors.New("guardian: position not found")
	// ErrNoClient means the position's account has no configured client.
	ErrNoClient = errors.New("guardian: no exchange client for account")
	// ErrStopNotTighter rejects a stop move that would widen risk.
	ErrStopNotTighter = errors.New("guardian: new stop does not tighten the position")
	// ErrStopBeyondMark rejects a stop on the triggering side of the
	// current mark price.
	ErrStopBeyondMark = errors.New("guardian: stop price is beyond the mark price")
	// ErrTargetBeyondMark rejects a target the mark has already passed.
	ErrTargetBeyondMark = errors.New("guardian: target price is beyond the mark price")
)

// PositionStore is the fast-store surface the guardian needs.
type PositionStore interface {
	GetPosition(ctx context.Context, key model.PositionKey) (model.Position, bool, error)
	SavePosition(ctx context.Context, pos model.Position) error
	SavePositionGuarded(ctx context.Context, pos model.Position, expectedTS int64) error
	DeletePosition(ctx context.Context, key model.PositionKey) error
	ListPositions(ctx context.Context) ([]model.Position, error)
}

// ExitWriter finalizes the matching trade-history row when a position
// leaves the book.
type ExitWriter interface {
	CompleteTradeExit(ctx context.Context, accountID, strategyID, symbol string, exit storage.TradeExit) error
}

// MarketData supplies decision inputs; execution calls go straight to the
// exchange client.
type MarketData interface {
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, marketdata.Source, error)
	Filters(ctx context.Context, symbol string) (exchange.SymbolFilters, marketdata.Source, error)
}

// Options tune guardian behaviour.
type Options struct {
	// StateRetryDelay is the pause before the single state-write retry.
	StateRetryDelay time.Duration
}

// Result reports the outcome of one guardian operation.
type Result struct {
	// Success means the exchange-side action completed.
	Success bool
	// Degraded means the exchange action completed but local state could
	// not be written; the next sweep reconciles it.
	Degraded bool
	// Partial means a compound operation completed its first leg only.
	Partial bool
	Reason  string
}

// Guardian executes position-lifecycle operations.
type Guardian struct {
	positions PositionStore
	history   ExitWriter
	market    MarketData
	clients   map[string]exchange.Client
	audit     audit.Sink
	opts      Options
	logger    zerolog.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

// New wires the guardian.
func New(positions PositionStore, history ExitWriter, market MarketData, clients map[string]exchange.Client, sink audit.Sink, opts Options, logger zerolog.Logger) *Guardian {
	if opts.StateRetryDelay <= 0 {
		opts.StateRetryDelay = 500 * time.Millisecond
	}
	return &Guardian{
		positions: positions,
		history:   history,
		market:    market,
		clients:   clients,
		audit:     sink,
		opts:      opts,
		logger:    logger.With().Str("component", "guardian").Logger(),
	}
}

func (g *Guardian) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

func (g *Guardian) load(ctx context.Context, key model.PositionKey) (model.Position, exchange.Client, error) {
	pos, found, err := g.positions.GetPosition(ctx, key)
	if err != nil {
		return model.Position{}, nil, fmt.Errorf("load position: %w", err)
	}
	if !found {
		return model.Position{}, nil, ErrPositionNotFound
	}
	client, ok := g.clients[pos.AccountID]
	if !ok {
		return model.Position{}, nil, fmt.Errorf("%w: %s", ErrNoClient, pos.AccountID)
	}
	return pos, client, nil
}

// Close flattens the position with a reduce-only market order, cancels its
// protective orders, and finalizes the trade-history row. The exchange
// close succeeding is what makes the operation a success; state-write
// failures only degrade it.
func (g *Guardian) Close(ctx context.Context, key model.PositionKey, reason string) (Result, error) {
	pos, client, err := g.load(ctx, key)
	if err != nil {
		return Result{}, err
	}
	log := g.logger.With().Str("account_id", pos.AccountID).Str("symbol", pos.Symbol).Logger()

	if err := exchange.CancelProtectiveOrders(ctx, client, pos.Symbol); err != nil {
		// Stale protective orders on a flat position are harmless
		// close-position orders; proceed and let the sweep retry.
		log.Warn().Err(err).Msg("protective order cancel failed before close")
	}

	order, err := client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       closeSide(pos.Direction),
		Type:       exchange.OrderTypeMarket,
		Quantity:   pos.Quantity,
		ReduceOnly: true,
	})
	if err != nil {
		g.recordAudit(ctx, pos, "close_position", map[string]string{"reason": reason}, "error", false, err)
		return Result{}, fmt.Errorf("close order: %w", err)
	}

	exitPrice := order.AvgFillPrice
	if exitPrice.IsZero() {
		if mark, _, markErr := g.market.MarkPrice(ctx, pos.Symbol); markErr == nil {
			exitPrice = mark
		} else {
			exitPrice = pos.EntryPrice
		}
	}

	res := Result{Success: true, Reason: reason}
	if err := g.finalizeExit(ctx, pos, exitPrice, reason); err != nil {
		log.Error().Err(err).Msg("exit finalization failed after exchange close")
		res.Degraded = true
	}
	g.recordAudit(ctx, pos, "close_position", map[string]string{
		"reason":     reason,
		"exit_price": exitPrice.String(),
		"order_id":   order.OrderID,
	}, outcomeLabel(res), true, nil)
	return res, nil
}

// finalizeExit writes the history row and removes the fast-store record,
// retrying each write once.
func (g *Guardian) finalizeExit(ctx context.Context, pos model.Position, exitPrice decimal.Decimal, reason string) error {
	exit := storage.TradeExit{
		ExitTime:   g.now(),
		ExitPrice:  exitPrice,
		ExitReason: reason,
		PnLPct:     pnlPct(pos.Direction, pos.EntryPrice, exitPrice),
		PnLUSDT:    pnlUSDT(pos.Direction, pos.EntryPrice, exitPrice, pos.Quantity),
	}

	var errs []error
	if err := g.retryOnce(ctx, func() error {
		return g.history.CompleteTradeExit(ctx, pos.AccountID, pos.StrategyID, pos.Symbol, exit)
	}); err != nil && !errors.Is(err, storage.ErrNoOpenTrade) {
		errs = append(errs, fmt.Errorf("complete trade exit: %w", err))
	}
	if err := g.retryOnce(ctx, func() error {
		return g.positions.DeletePosition(ctx, pos.Key())
	}); err != nil {
		errs = append(errs, fmt.Errorf("delete position record: %w", err))
	}
	return errors.Join(errs...)
}

func (g *Guardian) retryOnce(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	case <-time.After(g.opts.StateRetryDelay):
	}
	return fn()
}

// Sweep reconciles every stored position against the exchange. A position
// the exchange reports flat was closed externally (stop fill, target fill,
// manual close): its history row is finalized and the record removed.
func (g *Guardian) Sweep(ctx context.Context) error {
	positions, err := g.positions.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}

	var errs []error
	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := g.sweepOne(ctx, pos); err != nil {
			g.logger.Error().Err(err).
				Str("account_id", pos.AccountID).
				Str("symbol", pos.Symbol).
				Msg("sweep reconciliation failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *Guardian) sweepOne(ctx context.Context, pos model.Position) error {
	client, ok := g.clients[pos.AccountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoClient, pos.AccountID)
	}

	info, err := client.PositionRisk(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("position risk %s/%s: %w", pos.AccountID, pos.Symbol, err)
	}
	if !info.Flat() {
		return nil
	}

	// Closed outside the guardian. Leftover protective orders are
	// close-position orders, harmless but worth clearing.
	if err := exchange.CancelProtectiveOrders(ctx, client, pos.Symbol); err != nil {
		g.logger.Warn().Err(err).
			Str("symbol", pos.Symbol).
			Msg("leftover protective order cancel failed")
	}

	exitPrice := pos.EntryPrice
	if mark, _, err := g.market.MarkPrice(ctx, pos.Symbol); err == nil {
		exitPrice = mark
	}
	err = g.finalizeExit(ctx, pos, exitPrice, "external_flat")
	g.recordAudit(ctx, pos, "sweep_reconcile", map[string]string{
		"exit_price": exitPrice.String(),
	}, "external_flat", err == nil, err)
	return err
}

func (g *Guardian) recordAudit(ctx context.Context, pos model.Position, operation string, params map[string]string, result string, success bool, err error) {
	g.audit.Record(ctx, audit.Entry{
		AccountID: pos.AccountID,
		Symbol:    pos.Symbol,
		Operation: operation,
		Params:    params,
		Result:    result,
		Success:   success,
		Err:       err,
	})
}

func outcomeLabel(res Result) string {
	switch {
	case res.Degraded:
		return "degraded"
	case res.Partial:
		return "partial"
	case res.Success:
		return "success"
	default:
		return "failed"
	}
}

func closeSide(direction model.Direction) string {
	if direction == model.Long {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func pnlPct(direction model.Direction, entry, exit decimal.Decimal) decimal.Decimal {
	if !entry.IsPositive() {
		return decimal.Zero
	}
	pct := exit.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100))
	if direction == model.Short {
		pct = pct.Neg()
	}
	return pct
}

func pnlUSDT(direction model.Direction, entry, exit, qty decimal.Decimal) decimal.Decimal {
	pnl := exit.Sub(entry).Mul(qty)
	if direction == model.Short {
		pnl = pnl.Neg()
	}
	return pnl
}
