package guardian

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"tradeguard/internal/exchange"
)

func TestAdjustStopRejectsLooserStop(t *testing.T) {
	pos := longPosition()
	positions := newFakePositions(pos)
	client := &fakeClient{}
	market := &fakeMarket{mark: decimal.NewFromInt(51000), filters: testFilters()}

	g := newTestGuardian(positions, &fakeExits{}, market, client)
	_, err := g.AdjustStop(context.Background(), pos.Key(), decimal.NewFromInt(48000), nil)
	if !errors.Is(err, ErrStopNotTighter) {
		t.Fatalf("多头下移止损应被拒绝, 实际 %v", err)
	}
	if len(client.placed) != 0 || len(client.cancelled) != 0 {
		t.Fatal("被拒绝的调整不应触碰交易所")
	}
	if !positions.positions[pos.Key()].CurrentStop.Equal(pos.CurrentStop) {
		t.Fatal("被拒绝的调整不应改动本地状态")
	}
}

func TestAdjustStopEqualPriceIsNoOp(t *testing.T) {
	pos := longPosition()
	positions := newFakePositions(pos)
	client := &fakeClient{}
	market := &fakeMarket{mark: decimal.NewFromInt(51000), filters: testFilters()}

	g := newTestGuardian(positions, &fakeExits{}, market, client)
	res, err := g.AdjustStop(context.Background(), pos.Key(), decimal.NewFromInt(49000), nil)
	if err != nil {
		t.Fatalf("等价调整应幂等成功: %v", err)
	}
	if !res.Success || res.Reason != "stop_unchanged" {
		t.Fatalf("期望 stop_unchanged, 实际 %+v", res)
	}
	if len(client.placed) != 0 || len(client.cancelled) != 0 {
		t.Fatal("幂等调整不应触碰交易所")
	}
}

func TestAdjustStopRejectsBeyondMark(t *testing.T) {
	pos := longPosition()
	pos.CurrentStop = decimal.NewFromInt(44000)
	positions := newFakePositions(pos)
	client := &fakeClient{}
	// 标记价 45000, 多头止损 46000 会立刻触发
	market := &fakeMarket{mark: decimal.NewFromInt(45000), filters: testFilters()}

	g := newTestGuardian(positions, &fakeExits{}, market, client)
	_, err := g.AdjustStop(context.Background(), pos.Key(), decimal.NewFromInt(46000), nil)
	if !errors.Is(err, ErrStopBeyondMark) {
		t.Fatalf("止损高于标记价应被拒绝, 实际 %v", err)
	}
	if len(client.placed) != 0 {
		t.Fatal("校验失败不应下单")
	}
}

func TestAdjustStopSuccess(t *testing.T) {
	pos := longPosition()
	positions := newFakePositions(pos)
	client := &fakeClient{}
	market := &fakeMarket{mark: decimal.NewFromInt(51000), filters: testFilters()}

	g := newTestGuardian(positions, &fakeExits{}, market, client)
	res, err := g.AdjustStop(context.Background(), pos.Key(), decimal.RequireFromString("49500"), nil)
	if err != nil {
		t.Fatalf("收紧止损应成功: %v", err)
	}
	if !res.Success || res.Degraded {
		t.Fatalf("期望干净的成功结果, 实际 %+v", res)
	}

	if len(client.cancelled) != 1 || client.cancelled[0] != "sl-1" {
		t.Fatalf("应先撤销原止损单: %v", client.cancelled)
	}
	if len(client.placed) != 1 {
		t.Fatalf("应下一笔新止损单, 实际 %d", len(client.placed))
	}
	order := client.placed[0]
	if order.Type != exchange.OrderTypeStopMarket || !order.ClosePosition {
		t.Fatalf("新止损应为 close-position STOP_MARKET: %+v", order)
	}
	if !order.StopPrice.Equal(decimal.RequireFromString("49500")) {
		t.Fatalf("止损价应为 49500, 实际 %s", order.StopPrice)
	}

	saved := positions.positions[pos.Key()]
	if !saved.CurrentStop.Equal(decimal.RequireFromString("49500")) {
		t.Fatalf("状态中的止损应更新, 实际 %s", saved.CurrentStop)
	}
	if !saved.PreviousStop.Equal(decimal.NewFromInt(49000)) {
		t.Fatalf("应保留上一档止损, 实际 %s", saved.PreviousStop)
	}
	if saved.SLOrderID == "sl-1" || saved.SLOrderID == "" {
		t.Fatalf("应记录新止损单号, 实际 %q", saved.SLOrderID)
	}
	if saved.LastAdjustmentTS == pos.LastAdjustmentTS {
		t.Fatal("调整时间戳应推进")
	}
}

func TestAdjustStopDegradedOnStateFailure(t *testing.T) {
	pos := longPosition()
	positions := newFakePositions(pos)
	positions.saveErr = errors.New("redis down")
	client := &fakeClient{}
	market := &fakeMarket{mark: decimal.NewFromInt(51000), filters: testFilters()}

	g := newTestGuardian(positions, &fakeExits{}, market, client)
	res, err := g.AdjustStop(context.Background(), pos.Key(), decimal.RequireFromString("49500"), nil)
	if err != nil {
		t.Fatalf("交易所侧成功时不应返回错误: %v", err)
	}
	if !res.Success || !res.Degraded {
		t.Fatalf("状态写入失败应标记 degraded: %+v", res)
	}
	if len(client.placed) != 1 {
		t.Fatal("交易所侧的调整应已完成")
	}
}

func TestAdjustStopRecoversFromConflict(t *testing.T) {
	pos := longPosition()
	positions := newFakePositions(pos)
	positions.conflictOnce = true
	client := &fakeClient{}
	market := &fakeMarket{mark: decimal.NewFromInt(51000), filters: testFilters()}

	g := newTestGuardian(positions, &fakeExits{}, market, client)
	res, err := g.AdjustStop(context.Background(), pos.Key(), decimal.RequireFromString("49500"), nil)
	if err != nil {
		t.Fatalf("冲突后重读应成功: %v", err)
	}
	if !res.Success || res.Degraded {
		t.Fatalf("期望干净的成功结果, 实际 %+v", res)
	}
	if !positions.positions[pos.Key()].CurrentStop.Equal(decimal.RequireFromString("49500")) {
		t.Fatal("冲突恢复后状态应更新")
	}
}

func TestAdjustStopConflictKeepsTighterConcurrentStop(t *testing.T) {
	// 并发写入者已把止损收紧到 49800; 本次 49500 的调整在冲突重读后
	// 不得回退对方的结果。
	pos := longPosition()
	tightened := longPosition()
	tightened.CurrentStop = decimal.RequireFromString("49800")
	tightened.SLOrderID = "sl-2"
	tightened.LastAdjustmentTS = 2

	positions := newFakePositions(pos)
	positions.conflictSwap = &tightened
	client := &fakeClient{}
	market := &fakeMarket{mark: decimal.NewFromInt(51000), filters: testFilters()}

	g := newTestGuardian(positions, &fakeExits{}, market, client)
	res, err := g.AdjustStop(context.Background(), pos.Key(), decimal.RequireFromString("49500"), nil)
	if err != nil {
		t.Fatalf("交易所侧成功时不应返回错误: %v", err)
	}
	if !res.Degraded {
		t.Fatalf("放弃的状态写入应标记 degraded: %+v", res)
	}

	saved := positions.positions[pos.Key()]
	if !saved.CurrentStop.Equal(decimal.RequireFromString("49800")) {
		t.Fatalf("更紧的并发止损不应被回退, 实际 %s", saved.CurrentStop)
	}
	if saved.SLOrderID != "sl-2" {
		t.Fatalf("并发写入者的订单号不应被覆盖, 实际 %q", saved.SLOrderID)
	}
}

func TestAdjustStopConflictReappliesWhenStillTighter(t *testing.T) {
	// 并发写入者只动了目标价, 49500 相对其记录仍是收紧, 应重放成功。
	pos := longPosition()
	moved := longPosition()
	moved.CurrentTarget = decimal.NewFromInt(54000)
	moved.LastAdjustmentTS = 2

	positions := newFakePositions(pos)
	positions.conflictSwap = &moved
	client := &fakeClient{}
	market := &fakeMarket{mark: decimal.NewFromInt(51000), filters: testFilters()}

	g := newTestGuardian(positions, &fakeExits{}, market, client)
	res, err := g.AdjustStop(context.Background(), pos.Key(), decimal.RequireFromString("49500"), nil)
	if err != nil {
		t.Fatalf("冲突后重放应成功: %v", err)
	}
	if !res.Success || res.Degraded {
		t.Fatalf("期望干净的成功结果, 实际 %+v", res)
	}

	saved := positions.positions[pos.Key()]
	if !saved.CurrentStop.Equal(decimal.RequireFromString("49500")) {
		t.Fatalf("重放后止损应更新, 实际 %s", saved.CurrentStop)
	}
	if !saved.CurrentTarget.Equal(decimal.NewFromInt(54000)) {
		t.Fatalf("并发更新的目标价应保留, 实际 %s", saved.CurrentTarget)
	}
}

func TestAdjustStopRecordsLevel(t *testing.T) {
	pos := longPosition()
	positions := newFakePositions(pos)
	client := &fakeClient{}
	market := &fakeMarket{mark: decimal.NewFromInt(51000), filters: testFilters()}

	g := newTestGuardian(positions, &fakeExits{}, market, client)
	res, err := g.AdjustStop(context.Background(), pos.Key(), decimal.RequireFromString("49500"),
		&Level{Name: "level_1", ThresholdPct: decimal.RequireFromString("1.5")})
	if err != nil || !res.Success {
		t.Fatalf("带档位的调整应成功: %v %+v", err, res)
	}

	saved := positions.positions[pos.Key()]
	if saved.LevelApplied != "level_1" || saved.PreviousLevel != "" {
		t.Fatalf("应记录当前档位: applied=%q previous=%q", saved.LevelApplied, saved.PreviousLevel)
	}
	if saved.LevelThresholdPct == nil || !saved.LevelThresholdPct.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("应记录触发阈值, 实际 %v", saved.LevelThresholdPct)
	}

	// 升档时旧档位顺延为 previous_level
	res, err = g.AdjustStop(context.Background(), pos.Key(), decimal.RequireFromString("49800"),
		&Level{Name: "level_2", ThresholdPct: decimal.RequireFromString("3")})
	if err != nil || !res.Success {
		t.Fatalf("升档调整应成功: %v %+v", err, res)
	}
	saved = positions.positions[pos.Key()]
	if saved.LevelApplied != "level_2" || saved.PreviousLevel != "level_1" {
		t.Fatalf("升档应顺延旧档位: applied=%q previous=%q", saved.LevelApplied, saved.PreviousLevel)
	}
}

func TestAdjustTargetRejectsBeyondMark(t *testing.T) {
	pos := longPosition()
	positions := newFakePositions(pos)
	client := &fakeClient{}
	market := &fakeMarket{mark: decimal.NewFromInt(52500), filters: testFilters()}

	g := newTestGuardian(positions, &fakeExits{}, market, client)
	_, err := g.AdjustTarget(context.Background(), pos.Key(), decimal.NewFromInt(52000))
	if !errors.Is(err, ErrTargetBeyondMark) {
		t.Fatalf("目标价低于标记价应被拒绝, 实际 %v", err)
	}
}

func TestAdjustBothValidatesBeforeTouchingOrders(t *testing.T) {
	pos := longPosition()
	positions := newFakePositions(pos)
	client := &fakeClient{}
	// 止损合法, 目标价已被突破
	market := &fakeMarket{mark: decimal.NewFromInt(51000), filters: testFilters()}

	g := newTestGuardian(positions, &fakeExits{}, market, client)
	_, err := g.AdjustBoth(context.Background(), pos.Key(),
		decimal.RequireFromString("49500"), decimal.NewFromInt(50500), nil)
	if !errors.Is(err, ErrTargetBeyondMark) {
		t.Fatalf("期望目标价校验错误, 实际 %v", err)
	}
	if len(client.placed) != 0 || len(client.cancelled) != 0 {
		t.Fatal("任一价格非法时不应改动任何订单")
	}
}

func TestAdjustBothSuccess(t *testing.T) {
	pos := longPosition()
	positions := newFakePositions(pos)
	client := &fakeClient{}
	market := &fakeMarket{mark: decimal.NewFromInt(51000), filters: testFilters()}

	g := newTestGuardian(positions, &fakeExits{}, market, client)
	res, err := g.AdjustBoth(context.Background(), pos.Key(),
		decimal.RequireFromString("49500"), decimal.NewFromInt(54000), nil)
	if err != nil {
		t.Fatalf("双向调整应成功: %v", err)
	}
	if !res.Success || res.Partial {
		t.Fatalf("期望完整成功, 实际 %+v", res)
	}
	if len(client.placed) != 2 {
		t.Fatalf("应下新止损与新目标两笔订单, 实际 %d", len(client.placed))
	}

	saved := positions.positions[pos.Key()]
	if !saved.CurrentStop.Equal(decimal.RequireFromString("49500")) ||
		!saved.CurrentTarget.Equal(decimal.NewFromInt(54000)) {
		t.Fatalf("状态应同时更新两个价格: stop=%s target=%s", saved.CurrentStop, saved.CurrentTarget)
	}
}

func TestHalfCloseWithBreakEven(t *testing.T) {
	pos := longPosition()
	positions := newFakePositions(pos)
	client := &fakeClient{}
	market := &fakeMarket{mark: decimal.NewFromInt(51000), filters: testFilters()}

	g := newTestGuardian(positions, &fakeExits{}, market, client)
	res, err := g.HalfClose(context.Background(), pos.Key(), true)
	if err != nil {
		t.Fatalf("半平应成功: %v", err)
	}
	if !res.Success || res.Partial {
		t.Fatalf("期望完整成功, 实际 %+v", res)
	}

	if len(client.placed) != 2 {
		t.Fatalf("应有半平单和新止损单, 实际 %d", len(client.placed))
	}
	closeOrder := client.placed[0]
	if !closeOrder.ReduceOnly || closeOrder.Side != exchange.SideSell {
		t.Fatalf("半平应为 reduce-only 卖单: %+v", closeOrder)
	}
	if !closeOrder.Quantity.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("半平数量应为 0.25, 实际 %s", closeOrder.Quantity)
	}

	// 保本价 = 开仓价 + 一个 tick
	stopOrder := client.placed[1]
	if !stopOrder.StopPrice.Equal(decimal.RequireFromString("50000.1")) {
		t.Fatalf("保本止损应为 50000.1, 实际 %s", stopOrder.StopPrice)
	}

	saved := positions.positions[pos.Key()]
	if !saved.Quantity.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("剩余数量应为 0.25, 实际 %s", saved.Quantity)
	}
	if !saved.CurrentStop.Equal(decimal.RequireFromString("50000.1")) {
		t.Fatalf("状态中的止损应移至保本价, 实际 %s", saved.CurrentStop)
	}
}

func TestHalfClosePartialWhenBreakEvenFails(t *testing.T) {
	pos := longPosition()
	positions := newFakePositions(pos)
	client := &fakeClient{cancelErr: errors.New("exchange busy")}
	market := &fakeMarket{mark: decimal.NewFromInt(51000), filters: testFilters()}

	g := newTestGuardian(positions, &fakeExits{}, market, client)
	res, err := g.HalfClose(context.Background(), pos.Key(), true)
	if err != nil {
		t.Fatalf("半平本身成功时不应返回错误: %v", err)
	}
	if !res.Success || !res.Partial {
		t.Fatalf("保本移动失败应标记 partial: %+v", res)
	}

	saved := positions.positions[pos.Key()]
	if !saved.Quantity.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("剩余数量仍应更新, 实际 %s", saved.Quantity)
	}
	if !saved.CurrentStop.Equal(pos.CurrentStop) {
		t.Fatalf("止损未移动时状态不应改变, 实际 %s", saved.CurrentStop)
	}
}

func TestHalfCloseTooSmall(t *testing.T) {
	pos := longPosition()
	pos.Quantity = decimal.RequireFromString("0.001")
	positions := newFakePositions(pos)
	client := &fakeClient{}
	market := &fakeMarket{mark: decimal.NewFromInt(51000), filters: testFilters()}

	g := newTestGuardian(positions, &fakeExits{}, market, client)
	_, err := g.HalfClose(context.Background(), pos.Key(), false)
	if !errors.Is(err, exchange.ErrQuantityTooSmall) {
		t.Fatalf("半平数量低于最小值应报错, 实际 %v", err)
	}
	if len(client.placed) != 0 {
		t.Fatal("数量校验失败不应下单")
	}
}

func TestAdjustStopUnknownAccountClient(t *testing.T) {
	pos := longPosition()
	pos.AccountID = "acct-unknown"
	positions := newFakePositions(pos)

	g := newTestGuardian(positions, &fakeExits{}, &fakeMarket{filters: testFilters()}, &fakeClient{})
	_, err := g.AdjustStop(context.Background(), pos.Key(), decimal.RequireFromString("49500"), nil)
	if !errors.Is(err, ErrNoClient) {
		t.Fatalf("期望 ErrNoClient, 实际 %v", err)
	}
}
