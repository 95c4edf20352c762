package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Direction is the side of a trade.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// ParseDirection normalises a direction string.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return Long, nil
	case "SHORT", "SELL":
		return Short, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// Signal is an externally produced trade signal. Immutable once received.
type Signal struct {
	Symbol       string          `json:"symbol"`
	Direction    Direction       `json:"direction"`
	EntryPrice   decimal.Decimal `json:"entry"`
	StopPrice    decimal.Decimal `json:"stop"`
	TargetPrice  decimal.Decimal `json:"target"`
	RiskReward   decimal.Decimal `json:"risk_reward"`
	Probability  decimal.Decimal `json:"probability"`
	Tier         int             `json:"tier"`
	QualityScore decimal.Decimal `json:"signal_quality_score"`
	StrategyID   string          `json:"strategy_id"`
}

// Validate checks structural sanity before the signal enters the pipeline.
func (s Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("signal: symbol is required")
	}
	if s.Direction != Long && s.Direction != Short {
		return fmt.Errorf("signal: direction must be LONG or SHORT")
	}
	if !s.EntryPrice.IsPositive() || !s.StopPrice.IsPositive() || !s.TargetPrice.IsPositive() {
		return fmt.Errorf("signal: entry, stop and target must be positive")
	}
	switch s.Direction {
	case Long:
		if s.StopPrice.GreaterThanOrEqual(s.EntryPrice) {
			return fmt.Errorf("signal: LONG requires stop < entry")
		}
		if s.TargetPrice.LessThanOrEqual(s.EntryPrice) {
			return fmt.Errorf("signal: LONG requires target > entry")
		}
	case Short:
		if s.StopPrice.LessThanOrEqual(s.EntryPrice) {
			return fmt.Errorf("signal: SHORT requires stop > entry")
		}
		if s.TargetPrice.GreaterThanOrEqual(s.EntryPrice) {
			return fmt.Errorf("signal: SHORT requires target < entry")
		}
	}
	if s.Tier < 1 || s.Tier > 10 {
		return fmt.Errorf("signal: tier must be within [1,10]")
	}
	return nil
}
