package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/model"
)

// TradeRecord is one row of append-only trade history. Exit fields stay nil
// until the position is flattened; once ExitReason is set the row is final.
type TradeRecord struct {
	ID         int64
	AccountID  string
	StrategyID string
	Symbol     string
	Direction  model.Direction
	EntryTime  time.Time
	EntryPrice decimal.Decimal
	Quantity   decimal.Decimal

	ExitTime   *time.Time
	ExitPrice  *decimal.Decimal
	ExitReason *string
	PnLPct     *decimal.Decimal
	PnLUSDT    *decimal.Decimal

	OrderID   string
	SLOrderID string
	TPOrderID string

	CreatedAt time.Time
}

// Closed reports whether the trade has a recorded exit.
func (r TradeRecord) Closed() bool {
	return r.ExitReason != nil
}

// TradeExit carries the fields written when a trade closes.
type TradeExit struct {
	ExitTime   time.Time
	ExitPrice  decimal.Decimal
	ExitReason string
	PnLPct     decimal.Decimal
	PnLUSDT    decimal.Decimal
}

// AuditRecord is one append-only row describing a pipeline decision or a
// guardian action outcome.
type AuditRecord struct {
	ID        string
	Timestamp time.Time
	AccountID string
	Symbol    string
	Operation string
	Params    json.RawMessage
	Result    string
	Success   bool
	Error     *string
}

// DailySummary aggregates today's closed trades for one account/strategy.
type DailySummary struct {
	TotalTrades   int64
	WinningTrades int64
	LosingTrades  int64
	PnLUSDT       decimal.Decimal
}
