package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the local shadow of an open exchange position and its
// protective orders. It is owned exclusively by the guardian; the exchange
// remains the source of truth for fill state.
type Position struct {
	AccountID     string          `json:"account_id"`
	StrategyID    string          `json:"strategy_id"`
	Symbol        string          `json:"symbol"`
	Direction     Direction       `json:"direction"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	Quantity      decimal.Decimal `json:"quantity"`
	CurrentStop   decimal.Decimal `json:"current_stop"`
	CurrentTarget decimal.Decimal `json:"current_target"`

	OrderID   string `json:"order_id"`
	SLOrderID string `json:"sl_order_id"`
	TPOrderID string `json:"tp_order_id"`

	// Trailing progress metadata. LevelApplied is empty until the first
	// adjustment promotes the position past its entry level.
	LevelApplied      string           `json:"level_applied,omitempty"`
	LevelThresholdPct *decimal.Decimal `json:"level_threshold_pct,omitempty"`
	PreviousLevel     string           `json:"previous_level,omitempty"`
	PreviousStop      decimal.Decimal  `json:"previous_stop"`

	EntryTime        time.Time `json:"entry_time"`
	LastAdjustmentTS int64     `json:"last_adjustment_ts"`
}

// Key returns the (account, symbol) identity of the position.
func (p Position) Key() PositionKey {
	return PositionKey{AccountID: p.AccountID, Symbol: p.Symbol}
}

// IsLong reports whether the position direction is LONG.
func (p Position) IsLong() bool {
	return p.Direction == Long
}

// PositionKey identifies a guardian-owned position record.
type PositionKey struct {
	AccountID string
	Symbol    string
}

// TradePauseState marks an account/strategy as paused for new entries.
// Absence of the record means "not paused".
type TradePauseState struct {
	AccountID  string    `json:"account_id"`
	StrategyID string    `json:"strategy_id"`
	Paused     bool      `json:"paused"`
	Reason     string    `json:"reason"`
	ResumeAt   time.Time `json:"resume_at"`
}

// Active reports whether the pause still applies at the given instant.
func (p TradePauseState) Active(now time.Time) bool {
	return p.Paused && now.Before(p.ResumeAt)
}
