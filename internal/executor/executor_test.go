package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradeguard/internal/audit"
	"tradeguard/internal/exchange"
	"tradeguard/internal/model"
	"tradeguard/internal/risk"
	"tradeguard/internal/storage"
)

type stubHistory struct{}

func (stubHistory) SumDailyPnL(context.Context, string, string, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (stubHistory) RecentLosses(context.Context, string, string, time.Time) (int, *time.Time, error) {
	return 0, nil, nil
}

func (stubHistory) LastEntryForSymbol(context.Context, string, string, string, model.Direction) (*time.Time, error) {
	return nil, nil
}

type stubPauses struct{}

func (stubPauses) GetPause(context.Context, string, string) (model.TradePauseState, bool, error) {
	return model.TradePauseState{}, false, nil
}

func (stubPauses) SetPause(context.Context, model.TradePauseState) error { return nil }

func (stubPauses) GetBaseline(context.Context, string, string, string) (decimal.Decimal, bool, error) {
	return decimal.Decimal{}, false, nil
}

func (stubPauses) SetBaseline(context.Context, string, string, string, decimal.Decimal, time.Time) error {
	return nil
}

type execClient struct {
	balance decimal.Decimal
	placed  []exchange.OrderRequest

	failAll        bool
	failProtective bool
	orderSeq       int
}

func (c *execClient) MarkPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("not used")
}

func (c *execClient) OrderBook(context.Context, string, int) (exchange.OrderBook, error) {
	return exchange.OrderBook{}, errors.New("not used")
}

func (c *execClient) Klines(context.Context, string, string, int) ([]exchange.Kline, error) {
	return nil, errors.New("not used")
}

func (c *execClient) SymbolFilters(context.Context, string) (exchange.SymbolFilters, error) {
	return exchange.SymbolFilters{
		Symbol:   "BTCUSDT",
		TickSize: decimal.RequireFromString("0.1"),
		StepSize: decimal.RequireFromString("0.001"),
		MinQty:   decimal.RequireFromString("0.001"),
	}, nil
}

func (c *execClient) LeverageBrackets(context.Context, string) ([]exchange.LeverageBracket, error) {
	return nil, nil
}

func (c *execClient) Balance(context.Context) (decimal.Decimal, error) {
	return c.balance, nil
}

func (c *execClient) PositionRisk(context.Context, string) (exchange.PositionInfo, error) {
	return exchange.PositionInfo{Symbol: "BTCUSDT"}, nil
}

func (c *execClient) OpenOrders(context.Context, string) ([]exchange.Order, error) {
	return nil, nil
}

func (c *execClient) SetLeverage(context.Context, string, int) error { return nil }

func (c *execClient) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	if c.failAll {
		return exchange.Order{}, errors.New("exchange unavailable")
	}
	if c.failProtective && req.Type != exchange.OrderTypeMarket {
		return exchange.Order{}, errors.New("protective order rejected")
	}
	c.placed = append(c.placed, req)
	c.orderSeq++
	return exchange.Order{OrderID: "ord", Symbol: req.Symbol, Type: req.Type}, nil
}

func (c *execClient) CancelOrder(context.Context, string, string) error { return nil }

type recordingPositions struct {
	saved []model.Position
}

func (r *recordingPositions) SavePosition(_ context.Context, pos model.Position) error {
	r.saved = append(r.saved, pos)
	return nil
}

type recordingEntries struct {
	records []storage.TradeRecord
}

func (r *recordingEntries) InsertTradeEntry(_ context.Context, rec storage.TradeRecord) (int64, error) {
	r.records = append(r.records, rec)
	return int64(len(r.records)), nil
}

func execSignal(tier int) model.Signal {
	return model.Signal{
		Symbol:      "BTCUSDT",
		Direction:   model.Long,
		EntryPrice:  decimal.NewFromInt(50000),
		StopPrice:   decimal.NewFromInt(49000),
		TargetPrice: decimal.NewFromInt(52000),
		Tier:        tier,
		StrategyID:  "momentum",
	}
}

func execProfile(accountID string, ceiling int) model.RiskProfile {
	p := model.RiskProfile{
		AccountID:         accountID,
		StrategyID:        "momentum",
		Enabled:           true,
		TierFilterEnabled: true,
		TierCeiling:       ceiling,
	}
	p.ApplyDefaults()
	return p
}

func newTestCoordinator(history EntryWriter, positions PositionWriter, opts Options) *Coordinator {
	pipeline := risk.NewPipeline(stubHistory{}, stubPauses{}, zerolog.Nop())
	return NewCoordinator(pipeline, history, positions, audit.NopSink{}, opts, zerolog.Nop())
}

func TestDispatchAggregatesPerAccountOutcomes(t *testing.T) {
	tight := &execClient{balance: decimal.NewFromInt(10000)}
	loose := &execClient{balance: decimal.NewFromInt(10000)}

	entries := &recordingEntries{}
	positions := &recordingPositions{}
	coord := newTestCoordinator(entries, positions, Options{})

	agg := coord.Dispatch(context.Background(), execSignal(8), []Account{
		{ID: "acct-tight", Client: tight, Profile: execProfile("acct-tight", 7)},
		{ID: "acct-loose", Client: loose, Profile: execProfile("acct-loose", 9)},
	})

	if agg.Total != 2 || agg.Executed != 1 || agg.Rejected != 1 || agg.Failed != 0 {
		t.Fatalf("tier 8 对上限 7/9 应产生 1 拒绝 1 执行: %+v", agg)
	}

	if len(tight.placed) != 0 {
		t.Fatal("被拒绝的账户不应触碰交易所")
	}
	// 入场 + 止损 + 止盈
	if len(loose.placed) != 3 {
		t.Fatalf("通过的账户应有 3 笔订单, 实际 %d", len(loose.placed))
	}
	if loose.placed[0].Type != exchange.OrderTypeMarket ||
		loose.placed[1].Type != exchange.OrderTypeStopMarket ||
		loose.placed[2].Type != exchange.OrderTypeTakeProfitMarket {
		t.Fatalf("下单顺序应为入场/止损/止盈: %+v", loose.placed)
	}

	// 10000 的 1% = 100 USDT 风险, 距离 1000 → 0.1
	if !loose.placed[0].Quantity.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("仓位数量应为 0.1, 实际 %s", loose.placed[0].Quantity)
	}

	if len(positions.saved) != 1 || positions.saved[0].AccountID != "acct-loose" {
		t.Fatalf("仅执行成功的账户应写入持仓: %+v", positions.saved)
	}
	if len(entries.records) != 1 || entries.records[0].AccountID != "acct-loose" {
		t.Fatalf("仅执行成功的账户应写入历史: %+v", entries.records)
	}
}

func TestDispatchIsolatesAccountFailures(t *testing.T) {
	broken := &execClient{balance: decimal.NewFromInt(10000), failAll: true}
	healthy := &execClient{balance: decimal.NewFromInt(10000)}

	coord := newTestCoordinator(&recordingEntries{}, &recordingPositions{}, Options{})
	agg := coord.Dispatch(context.Background(), execSignal(5), []Account{
		{ID: "acct-a", Client: broken, Profile: execProfile("acct-a", 9)},
		{ID: "acct-b", Client: healthy, Profile: execProfile("acct-b", 9)},
	})

	if agg.Failed != 1 || agg.Executed != 1 {
		t.Fatalf("一个账户故障不应影响另一个: %+v", agg)
	}
	if len(healthy.placed) != 3 {
		t.Fatalf("健康账户应完整执行, 实际 %d 笔订单", len(healthy.placed))
	}
}

func TestDispatchMarksUnprotectedEntries(t *testing.T) {
	client := &execClient{balance: decimal.NewFromInt(10000), failProtective: true}

	positions := &recordingPositions{}
	coord := newTestCoordinator(&recordingEntries{}, positions, Options{
		ProtectiveRetries: 1,
		RetryBackoff:      time.Millisecond,
	})
	agg := coord.Dispatch(context.Background(), execSignal(5), []Account{
		{ID: "acct-a", Client: client, Profile: execProfile("acct-a", 9)},
	})

	if agg.Unprotected != 1 || agg.Executed != 0 {
		t.Fatalf("保护单失败应标记 unprotected: %+v", agg)
	}
	// 入场已成交, 状态仍需落盘供人工处理
	if len(positions.saved) != 1 {
		t.Fatalf("未保护的持仓也应写入状态, 实际 %d", len(positions.saved))
	}
}

func TestDispatchEmptyAccounts(t *testing.T) {
	coord := newTestCoordinator(&recordingEntries{}, &recordingPositions{}, Options{})
	agg := coord.Dispatch(context.Background(), execSignal(5), nil)
	if agg.Total != 0 || len(agg.Results) != 0 {
		t.Fatalf("空账户列表应产生空结果: %+v", agg)
	}
}
