// Package risk runs the ordered gate pipeline that decides whether a
// signal may be acted on for one account. Gates run cheapest-first and the
// first rejection short-circuits the rest. Every gate fails closed on an
// internal error except the schedule gate, which deliberately fails open
// so a schedule-parsing bug cannot halt trading.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradeguard/internal/model"
)

// History is the trade-history surface the gates read.
type History interface {
	SumDailyPnL(ctx context.Context, accountID, strategyID string, since time.Time) (decimal.Decimal, error)
	RecentLosses(ctx context.Context, accountID, strategyID string, since time.Time) (int, *time.Time, error)
	LastEntryForSymbol(ctx context.Context, accountID, strategyID, symbol string, direction model.Direction) (*time.Time, error)
}

// PauseStore is the fast-store surface for pause states and the daily
// balance baseline cache.
type PauseStore interface {
	GetPause(ctx context.Context, accountID, strategyID string) (model.TradePauseState, bool, error)
	SetPause(ctx context.Context, pause model.TradePauseState) error
	GetBaseline(ctx context.Context, accountID, strategyID, day string) (decimal.Decimal, bool, error)
	SetBaseline(ctx context.Context, accountID, strategyID, day string, balance decimal.Decimal, expireAt time.Time) error
}

// BalanceReader reads the account's live balance. Implemented by the
// per-account exchange client.
type BalanceReader interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
}

// Pipeline evaluates signals against per-account risk profiles.
type Pipeline struct {
	history History
	pauses  PauseStore
	logger  zerolog.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

// NewPipeline constructs the gate pipeline.
func NewPipeline(history History, pauses PauseStore, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		history: history,
		pauses:  pauses,
		logger:  logger.With().Str("component", "risk").Logger(),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate runs every gate in order and returns the first rejection, or an
// approval once all gates pass.
func (p *Pipeline) Evaluate(ctx context.Context, signal model.Signal, profile model.RiskProfile, balances BalanceReader) Decision {
	now := p.Now().UTC()

	if d := p.tierGate(signal, profile); !d.Allowed {
		return d
	}
	if d := p.scheduleGate(now, profile); !d.Allowed {
		return d
	}
	if d := p.circuitBreakerGate(ctx, now, profile); !d.Allowed {
		return d
	}
	if d := p.antiRepetitionGate(ctx, now, signal, profile); !d.Allowed {
		return d
	}
	if d := p.blacklistGate(signal, profile); !d.Allowed {
		return d
	}
	if d := p.dailyLossGate(ctx, now, profile, balances); !d.Allowed {
		return d
	}
	return allow()
}

func (p *Pipeline) tierGate(signal model.Signal, profile model.RiskProfile) Decision {
	if !profile.TierFilterEnabled {
		return allow()
	}
	if signal.Tier > profile.TierCeiling {
		return reject("tier", ReasonTierRejected, map[string]string{
			"tier":    fmt.Sprintf("%d", signal.Tier),
			"ceiling": fmt.Sprintf("%d", profile.TierCeiling),
		})
	}
	return allow()
}

// scheduleGate allows a trade iff the current UTC instant falls inside one
// of the weekday's configured windows. Malformed windows fail open.
func (p *Pipeline) scheduleGate(now time.Time, profile model.RiskProfile) Decision {
	if !profile.ScheduleEnabled {
		return allow()
	}

	weekday := now.Weekday().String()
	ranges, ok := profile.Schedule[weekday]
	if !ok || len(ranges) == 0 {
		return reject("schedule", ReasonOutsideSchedule, map[string]string{
			"weekday": weekday,
		})
	}

	var parseErr error
	for _, r := range ranges {
		inside, err := r.Contains(now)
		if err != nil {
			parseErr = err
			continue
		}
		if inside {
			return allow()
		}
	}
	if parseErr != nil {
		p.logger.Error().Err(parseErr).
			Str("weekday", weekday).
			Msg("schedule evaluation failed, failing open")
		return allow()
	}
	return reject("schedule", ReasonOutsideSchedule, map[string]string{
		"weekday": weekday,
		"time":    now.Format("15:04"),
	})
}

// circuitBreakerGate trips on a cluster of losses inside the counting
// window and stays tripped until the cooldown after the cluster's last
// loss, even once those losses age out of the window itself.
func (p *Pipeline) circuitBreakerGate(ctx context.Context, now time.Time, profile model.RiskProfile) Decision {
	cb := profile.CircuitBreaker
	if !cb.Enabled {
		return allow()
	}

	window := time.Duration(cb.WindowMinutes) * time.Minute
	cooldown := time.Duration(cb.CooldownMinutes) * time.Minute
	lookback := window
	if cooldown > lookback {
		lookback = cooldown
	}

	_, lastLoss, err := p.history.RecentLosses(ctx, profile.AccountID, profile.StrategyID, now.Add(-lookback))
	if err != nil {
		return p.failClosed("circuit_breaker", err)
	}
	if lastLoss == nil || !now.Before(lastLoss.Add(cooldown)) {
		return allow()
	}

	// The tripping cluster must fit inside the window ending at its last
	// loss; scattered losses across a longer span do not count.
	clusterLosses, _, err := p.history.RecentLosses(ctx, profile.AccountID, profile.StrategyID, lastLoss.Add(-window))
	if err != nil {
		return p.failClosed("circuit_breaker", err)
	}
	if clusterLosses < cb.MaxLosses {
		return allow()
	}

	cooldownEnd := lastLoss.Add(cooldown)
	return reject("circuit_breaker", ReasonCircuitBreaker, map[string]string{
		"losses":       fmt.Sprintf("%d", clusterLosses),
		"cooldown_end": cooldownEnd.Format(time.RFC3339),
	})
}

func (p *Pipeline) antiRepetitionGate(ctx context.Context, now time.Time, signal model.Signal, profile model.RiskProfile) Decision {
	if profile.AntiRepetitionWindowMinutes <= 0 {
		return allow()
	}

	last, err := p.history.LastEntryForSymbol(ctx, profile.AccountID, profile.StrategyID, signal.Symbol, signal.Direction)
	if err != nil {
		return p.failClosed("anti_repetition", err)
	}
	if last == nil {
		return allow()
	}

	window := time.Duration(profile.AntiRepetitionWindowMinutes) * time.Minute
	if now.Sub(*last) < window {
		return reject("anti_repetition", ReasonRecentDuplicate, map[string]string{
			"last_entry": last.Format(time.RFC3339),
		})
	}
	return allow()
}

func (p *Pipeline) blacklistGate(signal model.Signal, profile model.RiskProfile) Decision {
	if profile.SymbolBlocked(signal.Symbol) {
		return reject("blacklist", ReasonSymbolBlocked, map[string]string{
			"symbol": signal.Symbol,
		})
	}
	return allow()
}

// dailyLossGate measures realized daily loss against the account balance
// rather than summing per-trade percentage moves, which are not additive
// in risk terms when position sizes differ. The start-of-day balance is
// derived once per UTC day (current balance minus realized daily PnL) and
// cached until midnight; external deposits or withdrawals during the day
// are an accepted approximation.
func (p *Pipeline) dailyLossGate(ctx context.Context, now time.Time, profile model.RiskProfile, balances BalanceReader) Decision {
	pause, found, err := p.pauses.GetPause(ctx, profile.AccountID, profile.StrategyID)
	if err != nil {
		return p.failClosed("daily_loss", err)
	}
	if found && pause.Active(now) {
		return reject("daily_loss", ReasonDailyLossPause, map[string]string{
			"resume_at": pause.ResumeAt.Format(time.RFC3339),
		})
	}

	if !profile.DailyLoss.Enabled {
		return allow()
	}

	dayStart := now.Truncate(24 * time.Hour)
	dailyPnL, err := p.history.SumDailyPnL(ctx, profile.AccountID, profile.StrategyID, dayStart)
	if err != nil {
		return p.failClosed("daily_loss", err)
	}

	baseline, err := p.dayBaseline(ctx, now, profile, balances, dailyPnL)
	if err != nil {
		return p.failClosed("daily_loss", err)
	}
	if !baseline.IsPositive() {
		return p.failClosed("daily_loss", fmt.Errorf("derived start-of-day balance %s is not positive", baseline))
	}

	lossPct := dailyPnL.Div(baseline).Mul(decimal.NewFromInt(100))
	maxLoss := decimal.NewFromFloat(profile.DailyLoss.MaxLossPct)
	if lossPct.LessThanOrEqual(maxLoss.Neg()) {
		resumeAt := now.Add(time.Duration(profile.DailyLoss.PauseDurationHours) * time.Hour)
		newPause := model.TradePauseState{
			AccountID:  profile.AccountID,
			StrategyID: profile.StrategyID,
			Paused:     true,
			Reason:     "daily_loss_limit",
			ResumeAt:   resumeAt,
		}
		if err := p.pauses.SetPause(ctx, newPause); err != nil {
			p.logger.Error().Err(err).
				Str("account_id", profile.AccountID).
				Msg("failed to persist daily-loss pause, rejecting anyway")
		}
		return reject("daily_loss", ReasonDailyLossPause, map[string]string{
			"daily_loss_pct": lossPct.StringFixed(2),
			"max_loss_pct":   maxLoss.StringFixed(2),
			"resume_at":      resumeAt.Format(time.RFC3339),
		})
	}
	return allow()
}

// dayBaseline returns the cached start-of-day balance, deriving and caching
// it on the first evaluation of the UTC day.
func (p *Pipeline) dayBaseline(ctx context.Context, now time.Time, profile model.RiskProfile, balances BalanceReader, dailyPnL decimal.Decimal) (decimal.Decimal, error) {
	day := now.Format("2006-01-02")

	baseline, found, err := p.pauses.GetBaseline(ctx, profile.AccountID, profile.StrategyID, day)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if found {
		return baseline, nil
	}

	balance, err := balances.Balance(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	baseline = balance.Sub(dailyPnL)

	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	if err := p.pauses.SetBaseline(ctx, profile.AccountID, profile.StrategyID, day, baseline, midnight); err != nil {
		p.logger.Warn().Err(err).
			Str("account_id", profile.AccountID).
			Msg("failed to cache start-of-day balance")
	}
	return baseline, nil
}

func (p *Pipeline) failClosed(gate string, err error) Decision {
	p.logger.Error().Err(err).Str("gate", gate).Msg("gate check failed, rejecting")
	return reject(gate, ReasonInternalError, map[string]string{
		"error": err.Error(),
	})
}
