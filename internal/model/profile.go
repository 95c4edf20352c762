package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Default rule values applied when a profile field is absent.
const (
	DefaultRiskPct     = 1.0
	DefaultMaxLeverage = 20
	DefaultMinRR       = 1.0
)

// TimeRange is a closed [Start, End] interval in 24h UTC "HH:MM" notation.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Contains reports whether the clock time of t (UTC) falls inside the range,
// inclusive on both ends.
func (r TimeRange) Contains(t time.Time) (bool, error) {
	start, err := parseClock(r.Start)
	if err != nil {
		return false, fmt.Errorf("parse range start %q: %w", r.Start, err)
	}
	end, err := parseClock(r.End)
	if err != nil {
		return false, fmt.Errorf("parse range end %q: %w", r.End, err)
	}
	minute := t.UTC().Hour()*60 + t.UTC().Minute()
	return start <= minute && minute <= end, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock value out of range: %s", s)
	}
	return h*60 + m, nil
}

// Schedule maps weekday names ("Monday"...) to allowed trading windows.
// A weekday absent from the map allows no trading that day.
type Schedule map[string][]TimeRange

// CircuitBreakerConfig pauses entries after clustered losses.
type CircuitBreakerConfig struct {
	Enabled         bool `json:"enabled"`
	MaxLosses       int  `json:"max_losses"`
	WindowMinutes   int  `json:"window_minutes"`
	CooldownMinutes int  `json:"cooldown_minutes"`
}

// DailyLossConfig pauses entries once realized daily loss, measured against
// account balance, exceeds MaxLossPct.
type DailyLossConfig struct {
	Enabled            bool    `json:"enabled"`
	MaxLossPct         float64 `json:"max_loss_pct"`
	PauseDurationHours int     `json:"pause_duration_hours"`
}

// RiskProfile is the per (account, strategy) rule set evaluated against each
// signal. Loaded from the relational store; read-only per evaluation.
type RiskProfile struct {
	AccountID  string `json:"account_id"`
	StrategyID string `json:"strategy_id"`

	Enabled bool `json:"enabled"`

	TierCeiling       int  `json:"tier_ceiling"`
	TierFilterEnabled bool `json:"tier_filter_enabled"`

	Schedule        Schedule `json:"schedule"`
	ScheduleEnabled bool     `json:"schedule_enabled"`

	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`

	AntiRepetitionWindowMinutes int `json:"anti_repetition_window_minutes"`

	BlacklistedSymbols []string `json:"blacklisted_symbols"`

	DailyLoss DailyLossConfig `json:"daily_loss"`

	RiskPct     float64         `json:"risk_pct"`
	MaxLeverage int             `json:"max_leverage"`
	MinRR       decimal.Decimal `json:"min_rr"`
}

// ApplyDefaults fills absent rule values. A zero tier ceiling means the tier
// filter was never configured, so it stays disabled and accepts all tiers.
func (p *RiskProfile) ApplyDefaults() {
	if p.TierCeiling == 0 {
		p.TierCeiling = 10
		p.TierFilterEnabled = false
	}
	if p.RiskPct <= 0 {
		p.RiskPct = DefaultRiskPct
	}
	if p.MaxLeverage <= 0 {
		p.MaxLeverage = DefaultMaxLeverage
	}
	if p.MinRR.IsZero() {
		p.MinRR = decimal.NewFromFloat(DefaultMinRR)
	}
}

// Validate rejects profiles whose configured values are out of range.
func (p RiskProfile) Validate() error {
	if p.AccountID == "" || p.StrategyID == "" {
		return fmt.Errorf("risk profile requires account_id and strategy_id")
	}
	if p.TierCeiling < 1 || p.TierCeiling > 10 {
		return fmt.Errorf("tier_ceiling %d outside [1,10]", p.TierCeiling)
	}
	if p.CircuitBreaker.Enabled {
		if p.CircuitBreaker.MaxLosses <= 0 {
			return fmt.Errorf("circuit_breaker.max_losses must be positive")
		}
		if p.CircuitBreaker.WindowMinutes <= 0 || p.CircuitBreaker.CooldownMinutes <= 0 {
			return fmt.Errorf("circuit_breaker window and cooldown must be positive")
		}
	}
	if p.DailyLoss.Enabled {
		if p.DailyLoss.MaxLossPct <= 0 {
			return fmt.Errorf("daily_loss.max_loss_pct must be positive")
		}
		if p.DailyLoss.PauseDurationHours <= 0 {
			return fmt.Errorf("daily_loss.pause_duration_hours must be positive")
		}
	}
	return nil
}

// SymbolBlocked reports whether the symbol is on the profile blacklist.
func (p RiskProfile) SymbolBlocked(symbol string) bool {
	for _, blocked := range p.BlacklistedSymbols {
		if blocked == symbol {
			return true
		}
	}
	return false
}
