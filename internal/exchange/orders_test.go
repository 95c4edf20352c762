package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"tradeguard/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRoundToTick(t *testing.T) {
	cases := []struct {
		price, tick, want string
	}{
		{"50123.456", "0.1", "50123.4"},
		{"50123.456", "0.5", "50123"},
		{"50123.456", "1", "50123"},
		{"0.0723", "0.0001", "0.0723"},
		{"50123.456", "0", "50123.456"},
	}
	for _, tc := range cases {
		got := RoundToTick(d(tc.price), d(tc.tick))
		if !got.Equal(d(tc.want)) {
			t.Fatalf("RoundToTick(%s, %s) = %s, 期望 %s", tc.price, tc.tick, got, tc.want)
		}
	}
}

func TestRoundToStep(t *testing.T) {
	cases := []struct {
		qty, step, want string
	}{
		{"0.1057", "0.001", "0.105"},
		{"0.1057", "0.01", "0.1"},
		{"5.9", "1", "5"},
		{"0.0004", "0.001", "0"},
	}
	for _, tc := range cases {
		got := RoundToStep(d(tc.qty), d(tc.step))
		if !got.Equal(d(tc.want)) {
			t.Fatalf("RoundToStep(%s, %s) = %s, 期望 %s", tc.qty, tc.step, got, tc.want)
		}
	}
}

func TestSizeQuantity(t *testing.T) {
	filters := SymbolFilters{
		TickSize: d("0.1"),
		StepSize: d("0.001"),
		MinQty:   d("0.001"),
	}

	// 10000 的 1% = 100, 距离 1000 → 0.1
	qty, err := sizeQuantity(d("10000"), 1.0, d("50000"), d("49000"), filters)
	if err != nil {
		t.Fatalf("正常仓位计算不应报错: %v", err)
	}
	if !qty.Equal(d("0.1")) {
		t.Fatalf("数量应为 0.1, 实际 %s", qty)
	}
}

func TestSizeQuantityRoundsToStep(t *testing.T) {
	filters := SymbolFilters{
		TickSize: d("0.1"),
		StepSize: d("0.01"),
		MinQty:   d("0.01"),
	}

	// 100 / 934 = 0.10706... → 0.10
	qty, err := sizeQuantity(d("10000"), 1.0, d("50000"), d("49066"), filters)
	if err != nil {
		t.Fatalf("正常仓位计算不应报错: %v", err)
	}
	if !qty.Equal(d("0.1")) {
		t.Fatalf("数量应向下取整到 0.1, 实际 %s", qty)
	}
}

func TestSizeQuantityBelowMinimum(t *testing.T) {
	filters := SymbolFilters{
		TickSize: d("0.1"),
		StepSize: d("0.001"),
		MinQty:   d("0.001"),
	}

	// 10 的 1% = 0.1, 距离 1000 → 0.0001 → 取整为 0
	_, err := sizeQuantity(d("10"), 1.0, d("50000"), d("49000"), filters)
	if !errors.Is(err, ErrQuantityTooSmall) {
		t.Fatalf("低于最小数量应报错, 实际 %v", err)
	}
}

func TestSizeQuantityBelowNotional(t *testing.T) {
	filters := SymbolFilters{
		TickSize:    d("0.1"),
		StepSize:    d("0.001"),
		MinQty:      d("0.001"),
		MinNotional: d("100"),
	}

	// 数量 0.001 合法但名义价值 0.001*50000=50 < 100
	_, err := sizeQuantity(d("500"), 1.0, d("50000"), d("45000"), filters)
	if err == nil {
		t.Fatal("低于最小名义价值应报错")
	}
}

func TestSizeQuantityZeroDistance(t *testing.T) {
	filters := SymbolFilters{TickSize: d("0.1"), StepSize: d("0.001")}
	if _, err := sizeQuantity(d("10000"), 1.0, d("50000"), d("50000"), filters); err == nil {
		t.Fatal("入场价与止损价重合应报错")
	}
}

func TestOrderSides(t *testing.T) {
	if entrySide(model.Long) != SideBuy || entrySide(model.Short) != SideSell {
		t.Fatal("入场方向映射错误")
	}
	if exitSide(model.Long) != SideSell || exitSide(model.Short) != SideBuy {
		t.Fatal("离场方向映射错误")
	}
}

func TestPlaceEntryRejectsLowRiskReward(t *testing.T) {
	profile := model.RiskProfile{MinRR: d("2")}
	signal := model.Signal{
		Symbol:      "BTCUSDT",
		Direction:   model.Long,
		EntryPrice:  d("50000"),
		StopPrice:   d("49000"),
		TargetPrice: d("51000"), // 盈亏比 1, 低于 2
	}

	// 校验在任何交易所调用之前完成, client 可以为 nil
	_, err := PlaceEntry(context.Background(), nil, signal, profile)
	if !errors.Is(err, ErrRiskRewardTooLow) {
		t.Fatalf("盈亏比不足应被拒绝, 实际 %v", err)
	}
}

func TestCheckRiskReward(t *testing.T) {
	signal := model.Signal{
		EntryPrice:  d("50000"),
		StopPrice:   d("49000"),
		TargetPrice: d("52000"), // 盈亏比正好 2
	}
	if err := checkRiskReward(signal, d("2")); err != nil {
		t.Fatalf("达到最低盈亏比应放行: %v", err)
	}
	if err := checkRiskReward(signal, decimal.Decimal{}); err != nil {
		t.Fatalf("未配置最低盈亏比时应放行: %v", err)
	}

	short := model.Signal{
		EntryPrice:  d("3000"),
		StopPrice:   d("3100"),
		TargetPrice: d("2850"), // 空头盈亏比 1.5
	}
	if err := checkRiskReward(short, d("2")); !errors.Is(err, ErrRiskRewardTooLow) {
		t.Fatalf("空头盈亏比不足应被拒绝, 实际 %v", err)
	}

	flat := model.Signal{EntryPrice: d("50000"), StopPrice: d("50000"), TargetPrice: d("52000")}
	if err := checkRiskReward(flat, d("1")); !errors.Is(err, ErrRiskRewardTooLow) {
		t.Fatalf("止损与入场重合应被拒绝, 实际 %v", err)
	}
}
