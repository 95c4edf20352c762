package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RESTOptions parameterise the futures REST client.
type RESTOptions struct {
	BaseURL      string
	APIKey       string
	APISecret    string
	Timeout      time.Duration
	RecvWindowMS int64
	UserAgent    string
}

// REST talks to the futures REST API for a single account.
type REST struct {
	opts    RESTOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewREST constructs an exchange client.
func NewREST(opts RESTOptions, logger zerolog.Logger) *REST {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://fapi.binance.com"
	}

	if opts.RecvWindowMS <= 0 {
		opts.RecvWindowMS = 5000
	}

	return &REST{
		opts:    opts,
		logger:  logger.With().Str("component", "exchange").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("exchange api error (%d, code %d): %s", status, apiErr.Code, apiErr.Message)
	}
	if len(payload) > 0 {
		return fmt.Errorf("exchange api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("exchange api error (%d)", status)
}

func (r *REST) sign(values url.Values) string {
	mac := hmac.New(sha256.New, []byte(r.opts.APISecret))
	mac.Write([]byte(values.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (r *REST) do(ctx context.Context, method, path string, values url.Values, signed bool) ([]byte, error) {
	if values == nil {
		values = url.Values{}
	}
	if signed {
		values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		values.Set("recvWindow", strconv.FormatInt(r.opts.RecvWindowMS, 10))
		values.Set("signature", r.sign(values))
	}

	endpoint := r.baseURL + path
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(r.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if signed || r.opts.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", r.opts.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}
	return payload, nil
}

// MarkPrice fetches the current mark price.
func (r *REST) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	values := url.Values{}
	values.Set("symbol", symbol)
	payload, err := r.do(ctx, http.MethodGet, "/fapi/v1/premiumIndex", values, false)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch mark price: %w", err)
	}

	var res struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return decimal.Decimal{}, err
	}
	mark, err := decimal.NewFromString(res.MarkPrice)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse mark price: %w", err)
	}
	return mark, nil
}

// OrderBook fetches a depth snapshot.
func (r *REST) OrderBook(ctx context.Context, symbol string, limit int) (OrderBook, error) {
	values := url.Values{}
	values.Set("symbol", symbol)
	values.Set("limit", strconv.Itoa(limit))
	payload, err := r.do(ctx, http.MethodGet, "/fapi/v1/depth", values, false)
	if err != nil {
		return OrderBook{}, fmt.Errorf("fetch order book: %w", err)
	}

	var res struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return OrderBook{}, err
	}

	book := OrderBook{Symbol: symbol}
	for _, level := range res.Bids {
		parsed, err := parseBookLevel(level)
		if err != nil {
			return OrderBook{}, err
		}
		book.Bids = append(book.Bids, parsed)
	}
	for _, level := range res.Asks {
		parsed, err := parseBookLevel(level)
		if err != nil {
			return OrderBook{}, err
		}
		book.Asks = append(book.Asks, parsed)
	}
	return book, nil
}

func parseBookLevel(level [2]string) (BookLevel, error) {
	price, err := decimal.NewFromString(level[0])
	if err != nil {
		return BookLevel{}, fmt.Errorf("parse book price: %w", err)
	}
	qty, err := decimal.NewFromString(level[1])
	if err != nil {
		return BookLevel{}, fmt.Errorf("parse book qty: %w", err)
	}
	return BookLevel{Price: price, Qty: qty}, nil
}

// Klines fetches recent candles.
func (r *REST) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	values := url.Values{}
	values.Set("symbol", symbol)
	values.Set("interval", interval)
	values.Set("limit", strconv.Itoa(limit))
	payload, err := r.do(ctx, http.MethodGet, "/fapi/v1/klines", values, false)
	if err != nil {
		return nil, fmt.Errorf("fetch klines: %w", err)
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}

	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			return nil, fmt.Errorf("kline row too short: %d fields", len(row))
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("parse kline open time: %w", err)
		}
		fields := make([]decimal.Decimal, 5)
		for i := 1; i <= 5; i++ {
			var s string
			if err := json.Unmarshal(row[i], &s); err != nil {
				return nil, fmt.Errorf("parse kline field %d: %w", i, err)
			}
			value, convErr := decimal.NewFromString(s)
			if convErr != nil {
				return nil, fmt.Errorf("parse kline field %d: %w", i, convErr)
			}
			fields[i-1] = value
		}
		klines = append(klines, Kline{
			OpenTime: time.UnixMilli(openTime).UTC(),
			Open:     fields[0],
			High:     fields[1],
			Low:      fields[2],
			Close:    fields[3],
			Volume:   fields[4],
		})
	}
	return klines, nil
}

// SymbolFilters fetches and flattens the trading rules for one symbol.
func (r *REST) SymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error) {
	values := url.Values{}
	values.Set("symbol", symbol)
	payload, err := r.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", values, false)
	if err != nil {
		return SymbolFilters{}, fmt.Errorf("fetch exchange info: %w", err)
	}

	var res struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinPrice    string `json:"minPrice"`
				MaxPrice    string `json:"maxPrice"`
				MinNotional string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return SymbolFilters{}, err
	}

	for _, sym := range res.Symbols {
		if sym.Symbol != symbol {
			continue
		}
		filters := SymbolFilters{Symbol: symbol}
		for _, f := range sym.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				filters.TickSize = mustDecimal(f.TickSize)
				filters.MinPrice = mustDecimal(f.MinPrice)
				filters.MaxPrice = mustDecimal(f.MaxPrice)
			case "LOT_SIZE":
				filters.StepSize = mustDecimal(f.StepSize)
				filters.MinQty = mustDecimal(f.MinQty)
			case "MIN_NOTIONAL":
				filters.MinNotional = mustDecimal(f.MinNotional)
			}
		}
		return filters, nil
	}
	return SymbolFilters{}, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	value, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return value
}

// LeverageBrackets fetches the notional leverage tiers.
func (r *REST) LeverageBrackets(ctx context.Context, symbol string) ([]LeverageBracket, error) {
	values := url.Values{}
	values.Set("symbol", symbol)
	payload, err := r.do(ctx, http.MethodGet, "/fapi/v1/leverageBracket", values, true)
	if err != nil {
		return nil, fmt.Errorf("fetch leverage brackets: %w", err)
	}

	var res []struct {
		Brackets []struct {
			NotionalCap     json.Number `json:"notionalCap"`
			InitialLeverage int         `json:"initialLeverage"`
		} `json:"brackets"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("no leverage brackets returned for %s", symbol)
	}

	brackets := make([]LeverageBracket, 0, len(res[0].Brackets))
	for _, b := range res[0].Brackets {
		notionalCap, convErr := decimal.NewFromString(b.NotionalCap.String())
		if convErr != nil {
			return nil, fmt.Errorf("parse notional cap: %w", convErr)
		}
		brackets = append(brackets, LeverageBracket{
			NotionalCap:     notionalCap,
			InitialLeverage: b.InitialLeverage,
		})
	}
	return brackets, nil
}

// Balance returns the available USDT balance.
func (r *REST) Balance(ctx context.Context) (decimal.Decimal, error) {
	payload, err := r.do(ctx, http.MethodGet, "/fapi/v2/balance", nil, true)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch balance: %w", err)
	}

	var res []struct {
		Asset   string `json:"asset"`
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return decimal.Decimal{}, err
	}
	for _, asset := range res {
		if asset.Asset == "USDT" {
			balance, convErr := decimal.NewFromString(asset.Balance)
			if convErr != nil {
				return decimal.Decimal{}, fmt.Errorf("parse balance: %w", convErr)
			}
			return balance, nil
		}
	}
	return decimal.Decimal{}, fmt.Errorf("no USDT balance in response")
}

// PositionRisk returns the exchange's view of the open position.
func (r *REST) PositionRisk(ctx context.Context, symbol string) (PositionInfo, error) {
	values := url.Values{}
	values.Set("symbol", symbol)
	payload, err := r.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", values, true)
	if err != nil {
		return PositionInfo{}, fmt.Errorf("fetch position risk: %w", err)
	}

	var res []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnrealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return PositionInfo{}, err
	}
	if len(res) == 0 {
		return PositionInfo{Symbol: symbol, PositionAmt: decimal.Zero}, nil
	}

	info := PositionInfo{Symbol: res[0].Symbol}
	info.PositionAmt = mustDecimal(res[0].PositionAmt)
	info.EntryPrice = mustDecimal(res[0].EntryPrice)
	info.UnrealizedProfit = mustDecimal(res[0].UnrealizedProfit)
	if lev, convErr := strconv.Atoi(res[0].Leverage); convErr == nil {
		info.Leverage = lev
	}
	return info, nil
}

// OpenOrders lists resting orders for a symbol.
func (r *REST) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	values := url.Values{}
	values.Set("symbol", symbol)
	payload, err := r.do(ctx, http.MethodGet, "/fapi/v1/openOrders", values, true)
	if err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}

	var res []orderResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(res))
	for _, o := range res {
		orders = append(orders, o.toOrder())
	}
	return orders, nil
}

// SetLeverage applies the leverage setting for a symbol.
func (r *REST) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	values := url.Values{}
	values.Set("symbol", symbol)
	values.Set("leverage", strconv.Itoa(leverage))
	if _, err := r.do(ctx, http.MethodPost, "/fapi/v1/leverage", values, true); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	return nil
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	AvgPrice      string `json:"avgPrice"`
}

func (o orderResponse) toOrder() Order {
	return Order{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Status:        o.Status,
		Price:         mustDecimal(o.Price),
		StopPrice:     mustDecimal(o.StopPrice),
		Quantity:      mustDecimal(o.OrigQty),
		AvgFillPrice:  mustDecimal(o.AvgPrice),
	}
}

// PlaceOrder submits one order. A client order id is generated when the
// caller does not provide one, so retried submissions stay identifiable.
func (r *REST) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	values := url.Values{}
	values.Set("symbol", req.Symbol)
	values.Set("side", req.Side)
	values.Set("type", req.Type)

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = "tg-" + uuid.NewString()
	}
	values.Set("newClientOrderId", clientID)

	if !req.Quantity.IsZero() {
		values.Set("quantity", req.Quantity.String())
	}
	if !req.Price.IsZero() {
		values.Set("price", req.Price.String())
		values.Set("timeInForce", "GTC")
	}
	if !req.StopPrice.IsZero() {
		values.Set("stopPrice", req.StopPrice.String())
	}
	if req.ReduceOnly {
		values.Set("reduceOnly", "true")
	}
	if req.ClosePosition {
		values.Set("closePosition", "true")
	}

	payload, err := r.do(ctx, http.MethodPost, "/fapi/v1/order", values, true)
	if err != nil {
		return Order{}, fmt.Errorf("place order: %w", err)
	}

	var res orderResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return Order{}, err
	}

	r.logger.Debug().
		Str("symbol", req.Symbol).
		Str("type", req.Type).
		Str("side", req.Side).
		Str("order_id", strconv.FormatInt(res.OrderID, 10)).
		Msg("order placed")

	return res.toOrder(), nil
}

// CancelOrder cancels one resting order by id.
func (r *REST) CancelOrder(ctx context.Context, symbol, orderID string) error {
	values := url.Values{}
	values.Set("symbol", symbol)
	values.Set("orderId", orderID)
	if _, err := r.do(ctx, http.MethodDelete, "/fapi/v1/order", values, true); err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	return nil
}

var _ Client = (*REST)(nil)
