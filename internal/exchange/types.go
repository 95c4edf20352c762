package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/model"
)

// Order types understood by the futures endpoint.
const (
	OrderTypeMarket           = "MARKET"
	OrderTypeLimit            = "LIMIT"
	OrderTypeStopMarket       = "STOP_MARKET"
	OrderTypeTakeProfitMarket = "TAKE_PROFIT_MARKET"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// OrderRequest describes one order to place.
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	ReduceOnly    bool
	ClosePosition bool
	ClientOrderID string
}

// Order is the exchange's acknowledgement of a placed order.
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Status        string
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Quantity      decimal.Decimal
	AvgFillPrice  decimal.Decimal
}

// BookLevel is one side of the order book at one price.
type BookLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// OrderBook is a depth snapshot.
type OrderBook struct {
	Symbol string
	Bids   []BookLevel
	Asks   []BookLevel
}

// BestBid returns the top bid, or zero when the book side is empty.
func (b OrderBook) BestBid() decimal.Decimal {
	if len(b.Bids) == 0 {
		return decimal.Zero
	}
	return b.Bids[0].Price
}

// BestAsk returns the top ask, or zero when the book side is empty.
func (b OrderBook) BestAsk() decimal.Decimal {
	if len(b.Asks) == 0 {
		return decimal.Zero
	}
	return b.Asks[0].Price
}

// Kline is one OHLCV candle.
type Kline struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// SymbolFilters carries the exchange trading rules for one symbol.
type SymbolFilters struct {
	Symbol      string          `json:"symbol"`
	TickSize    decimal.Decimal `json:"tick_size"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MinPrice    decimal.Decimal `json:"min_price"`
	MaxPrice    decimal.Decimal `json:"max_price"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// Valid reports whether the filters can be used for order math.
func (f SymbolFilters) Valid() bool {
	return f.TickSize.IsPositive() && f.StepSize.IsPositive()
}

// LeverageBracket is one notional tier of allowed leverage.
type LeverageBracket struct {
	NotionalCap     decimal.Decimal `json:"notional_cap"`
	InitialLeverage int             `json:"initial_leverage"`
}

// PositionInfo is the exchange's view of an open position.
type PositionInfo struct {
	Symbol           string
	PositionAmt      decimal.Decimal
	EntryPrice       decimal.Decimal
	UnrealizedProfit decimal.Decimal
	Leverage         int
}

// Flat reports whether the position has zero size.
func (p PositionInfo) Flat() bool {
	return p.PositionAmt.IsZero()
}

// Direction derives the trade direction from the signed position amount.
func (p PositionInfo) Direction() model.Direction {
	if p.PositionAmt.IsNegative() {
		return model.Short
	}
	return model.Long
}

// Client is the fallible remote exchange boundary. Every call is bounded by
// the context deadline; none are retried here.
type Client interface {
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	OrderBook(ctx context.Context, symbol string, limit int) (OrderBook, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	SymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)
	LeverageBrackets(ctx context.Context, symbol string) ([]LeverageBracket, error)

	Balance(ctx context.Context) (decimal.Decimal, error)
	PositionRisk(ctx context.Context, symbol string) (PositionInfo, error)
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}
