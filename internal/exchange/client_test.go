package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestREST(t *testing.T, handler http.HandlerFunc) (*REST, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	rest := NewREST(RESTOptions{
		BaseURL:   srv.URL,
		APIKey:    "test-key",
		APISecret: "test-secret",
	}, zerolog.Nop())
	return rest, srv
}

func TestMarkPriceParsesResponse(t *testing.T) {
	rest, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/premiumIndex" {
			t.Fatalf("意外的请求路径: %s", r.URL.Path)
		}
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Fatalf("symbol 参数错误: %s", r.URL.Query().Get("symbol"))
		}
		w.Write([]byte(`{"symbol":"BTCUSDT","markPrice":"50123.40000000"}`))
	})

	mark, err := rest.MarkPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("获取标记价格不应报错: %v", err)
	}
	if !mark.Equal(d("50123.4")) {
		t.Fatalf("标记价格解析错误: %s", mark)
	}
}

func TestMarkPriceHTTPError(t *testing.T) {
	rest, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	})

	_, err := rest.MarkPrice(context.Background(), "NOPEUSDT")
	if err == nil {
		t.Fatal("HTTP 400 应返回错误")
	}
	if !strings.Contains(err.Error(), "Invalid symbol") {
		t.Fatalf("错误信息应包含交易所返回的 msg: %v", err)
	}
	if !strings.Contains(err.Error(), "-1121") {
		t.Fatalf("错误信息应包含交易所错误码: %v", err)
	}
}

func TestSignedRequestCarriesSignature(t *testing.T) {
	rest, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") != "test-key" {
			t.Fatal("签名请求应携带 API key header")
		}
		query := r.URL.Query()
		if query.Get("timestamp") == "" {
			t.Fatal("签名请求缺少 timestamp")
		}
		if query.Get("recvWindow") != "5000" {
			t.Fatalf("recvWindow 应为默认的 5000, 实际 %s", query.Get("recvWindow"))
		}

		// 服务端按同样的规则重算签名
		signature := query.Get("signature")
		query.Del("signature")
		mac := hmac.New(sha256.New, []byte("test-secret"))
		mac.Write([]byte(query.Encode()))
		if want := hex.EncodeToString(mac.Sum(nil)); signature != want {
			t.Fatalf("签名不匹配: %s != %s", signature, want)
		}

		w.Write([]byte(`[{"asset":"USDT","balance":"343.00"}]`))
	})

	balance, err := rest.Balance(context.Background())
	if err != nil {
		t.Fatalf("获取余额不应报错: %v", err)
	}
	if !balance.Equal(d("343")) {
		t.Fatalf("余额解析错误: %s", balance)
	}
}

func TestBalanceMissingUSDT(t *testing.T) {
	rest, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"asset":"BUSD","balance":"100.00"}]`))
	})

	if _, err := rest.Balance(context.Background()); err == nil {
		t.Fatal("响应中没有 USDT 资产时应报错")
	}
}

func TestPlaceOrderSendsWireParams(t *testing.T) {
	var captured url.Values
	rest, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/fapi/v1/order" {
			t.Fatalf("意外的请求: %s %s", r.Method, r.URL.Path)
		}
		captured = r.URL.Query()
		w.Write([]byte(`{"orderId":4321,"clientOrderId":"` + captured.Get("newClientOrderId") + `","symbol":"BTCUSDT","side":"SELL","type":"STOP_MARKET","status":"NEW","stopPrice":"49000"}`))
	})

	order, err := rest.PlaceOrder(context.Background(), OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          SideSell,
		Type:          OrderTypeStopMarket,
		StopPrice:     d("49000"),
		ClosePosition: true,
	})
	if err != nil {
		t.Fatalf("下单不应报错: %v", err)
	}

	if captured.Get("symbol") != "BTCUSDT" || captured.Get("side") != "SELL" || captured.Get("type") != "STOP_MARKET" {
		t.Fatalf("订单基本参数错误: %v", captured)
	}
	if captured.Get("stopPrice") != "49000" {
		t.Fatalf("stopPrice 参数错误: %s", captured.Get("stopPrice"))
	}
	if captured.Get("closePosition") != "true" {
		t.Fatal("closePosition 应为 true")
	}
	if captured.Get("quantity") != "" {
		t.Fatal("closePosition 订单不应携带 quantity")
	}
	if !strings.HasPrefix(captured.Get("newClientOrderId"), "tg-") {
		t.Fatalf("客户端订单 id 应自动生成: %s", captured.Get("newClientOrderId"))
	}
	if order.OrderID != "4321" {
		t.Fatalf("订单 id 解析错误: %s", order.OrderID)
	}
}

func TestPlaceOrderKeepsCallerClientID(t *testing.T) {
	rest, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("newClientOrderId"); got != "tg-custom" {
			t.Fatalf("调用方提供的客户端订单 id 不应被覆盖: %s", got)
		}
		w.Write([]byte(`{"orderId":1,"symbol":"BTCUSDT","side":"BUY","type":"MARKET","status":"FILLED","origQty":"0.1","avgPrice":"50010.5"}`))
	})

	order, err := rest.PlaceOrder(context.Background(), OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          SideBuy,
		Type:          OrderTypeMarket,
		Quantity:      d("0.1"),
		ClientOrderID: "tg-custom",
	})
	if err != nil {
		t.Fatalf("下单不应报错: %v", err)
	}
	if !order.AvgFillPrice.Equal(d("50010.5")) {
		t.Fatalf("成交均价解析错误: %s", order.AvgFillPrice)
	}
}

func TestSymbolFiltersFlattens(t *testing.T) {
	rest, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.10","minPrice":"556.80","maxPrice":"4529764"},
			{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"},
			{"filterType":"MIN_NOTIONAL","notional":"100"}
		]}]}`))
	})

	filters, err := rest.SymbolFilters(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("获取交易规则不应报错: %v", err)
	}
	if !filters.TickSize.Equal(d("0.1")) || !filters.StepSize.Equal(d("0.001")) {
		t.Fatalf("精度规则解析错误: tick=%s step=%s", filters.TickSize, filters.StepSize)
	}
	if !filters.MinQty.Equal(d("0.001")) || !filters.MinNotional.Equal(d("100")) {
		t.Fatalf("最小限制解析错误: minQty=%s notional=%s", filters.MinQty, filters.MinNotional)
	}
	if !filters.Valid() {
		t.Fatal("完整的交易规则应通过校验")
	}
}

func TestSymbolFiltersUnknownSymbol(t *testing.T) {
	rest, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[{"symbol":"ETHUSDT","filters":[]}]}`))
	})

	if _, err := rest.SymbolFilters(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("交易规则中找不到交易对时应报错")
	}
}

func TestPositionRiskEmptyResponseIsFlat(t *testing.T) {
	rest, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	info, err := rest.PositionRisk(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("空仓位响应不应报错: %v", err)
	}
	if !info.Flat() {
		t.Fatal("空响应应视为无仓位")
	}
}

func TestCancelOrderUsesDelete(t *testing.T) {
	rest, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Fatalf("撤单应使用 DELETE, 实际 %s", r.Method)
		}
		if r.URL.Query().Get("orderId") != "4321" {
			t.Fatalf("orderId 参数错误: %s", r.URL.Query().Get("orderId"))
		}
		w.Write([]byte(`{"orderId":4321,"status":"CANCELED"}`))
	})

	if err := rest.CancelOrder(context.Background(), "BTCUSDT", "4321"); err != nil {
		t.Fatalf("撤单不应报错: %v", err)
	}
}
