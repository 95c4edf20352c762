// Package executor fans a validated signal out to every configured account,
// gates each one through the risk pipeline, and places orders for the
// accounts that pass. Accounts are fully isolated: one account's failure
// never unwinds another's fill.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradeguard/internal/audit"
	"tradeguard/internal/exchange"
	"tradeguard/internal/model"
	"tradeguard/internal/risk"
	"tradeguard/internal/storage"
)

// Outcome classifies one account's dispatch result.
type Outcome string

const (
	// OutcomeExecuted means entry and both protective orders are live.
	OutcomeExecuted Outcome = "executed"
	// OutcomeRejected means a risk gate declined the signal.
	OutcomeRejected Outcome = "rejected"
	// OutcomeFailed means the entry order could not be placed.
	OutcomeFailed Outcome = "failed"
	// OutcomeUnprotected means the entry filled but a protective order
	// could not be placed after retries. Requires operator attention.
	OutcomeUnprotected Outcome = "unprotected"
)

// AccountResult is the per-account outcome of one dispatch.
type AccountResult struct {
	AccountID string
	Outcome   Outcome
	Decision  risk.Decision
	Entry     exchange.ProtectedEntry
	Err       error
}

// AggregatedResult summarizes a dispatch across all accounts.
type AggregatedResult struct {
	Total       int
	Executed    int
	Rejected    int
	Failed      int
	Unprotected int
	Results     []AccountResult
}

// PositionWriter persists the guardian's shadow of a freshly opened
// position.
type PositionWriter interface {
	SavePosition(ctx context.Context, pos model.Position) error
}

// EntryWriter appends the trade-history row for a filled entry.
type EntryWriter interface {
	InsertTradeEntry(ctx context.Context, rec storage.TradeRecord) (int64, error)
}

// Account bundles everything the coordinator needs for one account.
type Account struct {
	ID      string
	Client  exchange.Client
	Profile model.RiskProfile
}

// Options bound the dispatch fan-out.
type Options struct {
	DispatchTimeout   time.Duration
	ProtectiveRetries int
	RetryBackoff      time.Duration
}

// Coordinator runs the per-account execution flow.
type Coordinator struct {
	pipeline  *risk.Pipeline
	history   EntryWriter
	positions PositionWriter
	audit     audit.Sink
	opts      Options
	logger    zerolog.Logger
}

// NewCoordinator wires the dispatch dependencies.
func NewCoordinator(pipeline *risk.Pipeline, history EntryWriter, positions PositionWriter, sink audit.Sink, opts Options, logger zerolog.Logger) *Coordinator {
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 30 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	return &Coordinator{
		pipeline:  pipeline,
		history:   history,
		positions: positions,
		audit:     sink,
		opts:      opts,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// Dispatch evaluates and executes the signal for every account
// concurrently and returns the aggregated outcome. Each account is
// attempted at most once; the caller decides whether to re-dispatch.
func (c *Coordinator) Dispatch(ctx context.Context, signal model.Signal, accounts []Account) AggregatedResult {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DispatchTimeout)
	defer cancel()

	results := make([]AccountResult, len(accounts))
	var wg sync.WaitGroup
	for i, acct := range accounts {
		wg.Add(1)
		go func(i int, acct Account) {
			defer wg.Done()
			results[i] = c.dispatchOne(ctx, signal, acct)
		}(i, acct)
	}
	wg.Wait()

	agg := AggregatedResult{Total: len(accounts), Results: results}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeExecuted:
			agg.Executed++
		case OutcomeRejected:
			agg.Rejected++
		case OutcomeFailed:
			agg.Failed++
		case OutcomeUnprotected:
			agg.Unprotected++
		}
	}
	c.logger.Info().
		Str("symbol", signal.Symbol).
		Str("direction", string(signal.Direction)).
		Int("total", agg.Total).
		Int("executed", agg.Executed).
		Int("rejected", agg.Rejected).
		Int("failed", agg.Failed).
		Int("unprotected", agg.Unprotected).
		Msg("dispatch complete")
	return agg
}

func (c *Coordinator) dispatchOne(ctx context.Context, signal model.Signal, acct Account) AccountResult {
	log := c.logger.With().Str("account_id", acct.ID).Str("symbol", signal.Symbol).Logger()

	decision := c.pipeline.Evaluate(ctx, signal, acct.Profile, acct.Client)
	c.audit.Record(ctx, audit.Entry{
		AccountID: acct.ID,
		Symbol:    signal.Symbol,
		Operation: "risk_evaluation",
		Params:    signal,
		Result:    string(decision.Reason),
		Success:   decision.Allowed,
	})
	if !decision.Allowed {
		log.Info().
			Str("gate", decision.Gate).
			Str("reason", string(decision.Reason)).
			Msg("signal rejected")
		return AccountResult{AccountID: acct.ID, Outcome: OutcomeRejected, Decision: decision}
	}

	entry, err := exchange.PlaceEntry(ctx, acct.Client, signal, acct.Profile)
	if err != nil {
		log.Error().Err(err).Msg("entry placement failed")
		c.audit.Record(ctx, audit.Entry{
			AccountID: acct.ID,
			Symbol:    signal.Symbol,
			Operation: "place_entry",
			Params:    signal,
			Result:    "error",
			Success:   false,
			Err:       err,
		})
		return AccountResult{AccountID: acct.ID, Outcome: OutcomeFailed, Decision: decision, Err: err}
	}

	outcome := OutcomeExecuted
	slOrder, tpOrder, protectErr := c.placeProtective(ctx, acct, signal, entry)
	if protectErr != nil {
		// The entry is live on the exchange. Never unwind it here:
		// record the gap loudly and leave the close decision to an
		// operator or the guardian sweep.
		outcome = OutcomeUnprotected
		log.Error().Err(protectErr).
			Str("order_id", entry.EntryOrder.OrderID).
			Msg("position is open without protective orders")
	}

	pos := model.Position{
		AccountID:     acct.ID,
		StrategyID:    signal.StrategyID,
		Symbol:        signal.Symbol,
		Direction:     signal.Direction,
		EntryPrice:    entry.Entry,
		Quantity:      entry.Quantity,
		CurrentStop:   entry.Stop,
		CurrentTarget: entry.Target,
		OrderID:       entry.EntryOrder.OrderID,
		SLOrderID:     slOrder.OrderID,
		TPOrderID:     tpOrder.OrderID,
		EntryTime:     time.Now().UTC(),
	}
	if err := c.positions.SavePosition(ctx, pos); err != nil {
		log.Error().Err(err).Msg("position state write failed; exchange orders remain live")
	}

	rec := storage.TradeRecord{
		AccountID:  acct.ID,
		StrategyID: signal.StrategyID,
		Symbol:     signal.Symbol,
		Direction:  signal.Direction,
		EntryTime:  pos.EntryTime,
		EntryPrice: entry.Entry,
		Quantity:   entry.Quantity,
		OrderID:    entry.EntryOrder.OrderID,
		SLOrderID:  slOrder.OrderID,
		TPOrderID:  tpOrder.OrderID,
	}
	if _, err := c.history.InsertTradeEntry(ctx, rec); err != nil {
		log.Error().Err(err).Msg("trade history write failed; exchange orders remain live")
	}

	c.audit.Record(ctx, audit.Entry{
		AccountID: acct.ID,
		Symbol:    signal.Symbol,
		Operation: "execute_entry",
		Params: map[string]string{
			"order_id": entry.EntryOrder.OrderID,
			"entry":    entry.Entry.String(),
			"stop":     entry.Stop.String(),
			"target":   entry.Target.String(),
			"quantity": entry.Quantity.String(),
		},
		Result:  string(outcome),
		Success: outcome == OutcomeExecuted,
		Err:     protectErr,
	})
	return AccountResult{AccountID: acct.ID, Outcome: outcome, Decision: decision, Entry: entry, Err: protectErr}
}

// placeProtective places the stop-loss and take-profit with bounded
// retries. Both orders are close-position orders so a duplicate from a
// retried-but-actually-accepted request cannot enlarge exposure.
func (c *Coordinator) placeProtective(ctx context.Context, acct Account, signal model.Signal, entry exchange.ProtectedEntry) (exchange.Order, exchange.Order, error) {
	var slOrder, tpOrder exchange.Order

	err := c.withRetry(ctx, func() error {
		var err error
		slOrder, err = exchange.PlaceStopLoss(ctx, acct.Client, signal.Symbol, signal.Direction, entry.Stop)
		return err
	})
	if err != nil {
		return slOrder, tpOrder, err
	}

	err = c.withRetry(ctx, func() error {
		var err error
		tpOrder, err = exchange.PlaceTakeProfit(ctx, acct.Client, signal.Symbol, signal.Direction, entry.Target)
		return err
	})
	return slOrder, tpOrder, err
}

func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.opts.ProtectiveRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(c.opts.RetryBackoff):
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
