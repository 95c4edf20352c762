// Package marketdata serves short-lived market facts from the shared store,
// falling back to a live exchange fetch on miss or staleness. Entry and
// exit execution calls never pass through here; only decision inputs do.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradeguard/internal/config"
	"tradeguard/internal/exchange"
	"tradeguard/internal/statestore"
)

// FactKind identifies a cacheable market fact.
type FactKind string

const (
	FactMarkPrice FactKind = "mark_price"
	FactOrderBook FactKind = "order_book"
	FactKlines    FactKind = "klines"
	FactFilters   FactKind = "filters"
	FactBrackets  FactKind = "brackets"
)

// Source reports where a fact came from.
type Source string

const (
	SourceLive  Source = "live"
	SourceCache Source = "cache"
)

// CacheStore is the shared-store surface the client needs.
type CacheStore interface {
	GetCacheEntry(ctx context.Context, kind, symbol string) (statestore.CacheEntry, bool, error)
	PutCacheEntry(ctx context.Context, kind, symbol string, entry statestore.CacheEntry, budget time.Duration) error
}

// Client is the cache-with-fallback market data reader.
type Client struct {
	store   CacheStore
	live    exchange.Client
	budgets map[FactKind]time.Duration
	logger  zerolog.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

// New wires a shared store and a live exchange client together.
func New(store CacheStore, live exchange.Client, cfg config.CacheConfig, logger zerolog.Logger) *Client {
	return &Client{
		store: store,
		live:  live,
		budgets: map[FactKind]time.Duration{
			FactMarkPrice: cfg.MarkPriceTTL,
			FactOrderBook: cfg.OrderBookTTL,
			FactKlines:    cfg.KlinesTTL,
			FactFilters:   cfg.FiltersTTL,
			FactBrackets:  cfg.BracketsTTL,
		},
		logger: logger.With().Str("component", "marketdata").Logger(),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Budget returns the freshness budget for a fact kind.
func (c *Client) Budget(kind FactKind) time.Duration {
	if budget, ok := c.budgets[kind]; ok && budget > 0 {
		return budget
	}
	return 30 * time.Second
}

// Get returns the fact for (kind, symbol), serving the cache while the
// entry is inside its freshness budget and refreshing live otherwise. A
// live fetch failure is returned as an error; stale data is never
// silently substituted.
func (c *Client) Get(ctx context.Context, kind FactKind, symbol string) (json.RawMessage, Source, error) {
	budget := c.Budget(kind)
	now := c.Now()

	if c.store != nil {
		entry, found, err := c.store.GetCacheEntry(ctx, string(kind), symbol)
		if err != nil {
			// A store outage degrades to live-only reads.
			c.logger.Warn().Err(err).Str("kind", string(kind)).Str("symbol", symbol).Msg("cache read failed, falling back to live fetch")
		} else if found && entry.Age(now) < budget {
			return entry.Value, SourceCache, nil
		}
	}

	value, err := c.fetchLive(ctx, kind, symbol)
	if err != nil {
		return nil, "", fmt.Errorf("live fetch %s/%s: %w", kind, symbol, err)
	}

	if c.store != nil {
		entry := statestore.CacheEntry{Value: value, CapturedAt: now, Source: string(SourceLive)}
		if err := c.store.PutCacheEntry(ctx, string(kind), symbol, entry, budget); err != nil {
			c.logger.Warn().Err(err).Str("kind", string(kind)).Str("symbol", symbol).Msg("cache write-back failed")
		}
	}
	return value, SourceLive, nil
}

func (c *Client) fetchLive(ctx context.Context, kind FactKind, symbol string) (json.RawMessage, error) {
	switch kind {
	case FactMarkPrice:
		mark, err := c.live.MarkPrice(ctx, symbol)
		if err != nil {
			return nil, err
		}
		return json.Marshal(mark)
	case FactOrderBook:
		book, err := c.live.OrderBook(ctx, symbol, 20)
		if err != nil {
			return nil, err
		}
		return json.Marshal(book)
	case FactKlines:
		klines, err := c.live.Klines(ctx, symbol, "1m", 60)
		if err != nil {
			return nil, err
		}
		return json.Marshal(klines)
	case FactFilters:
		filters, err := c.live.SymbolFilters(ctx, symbol)
		if err != nil {
			return nil, err
		}
		return json.Marshal(filters)
	case FactBrackets:
		brackets, err := c.live.LeverageBrackets(ctx, symbol)
		if err != nil {
			return nil, err
		}
		return json.Marshal(brackets)
	default:
		return nil, fmt.Errorf("unknown fact kind %q", kind)
	}
}

// MarkPrice returns the mark price within its freshness budget.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, Source, error) {
	raw, source, err := c.Get(ctx, FactMarkPrice, symbol)
	if err != nil {
		return decimal.Decimal{}, "", err
	}
	var mark decimal.Decimal
	if err := json.Unmarshal(raw, &mark); err != nil {
		return decimal.Decimal{}, "", fmt.Errorf("decode mark price: %w", err)
	}
	return mark, source, nil
}

// OrderBook returns a depth snapshot within its freshness budget.
func (c *Client) OrderBook(ctx context.Context, symbol string) (exchange.OrderBook, Source, error) {
	raw, source, err := c.Get(ctx, FactOrderBook, symbol)
	if err != nil {
		return exchange.OrderBook{}, "", err
	}
	var book exchange.OrderBook
	if err := json.Unmarshal(raw, &book); err != nil {
		return exchange.OrderBook{}, "", fmt.Errorf("decode order book: %w", err)
	}
	return book, source, nil
}

// Klines returns recent candles within their freshness budget.
func (c *Client) Klines(ctx context.Context, symbol string) ([]exchange.Kline, Source, error) {
	raw, source, err := c.Get(ctx, FactKlines, symbol)
	if err != nil {
		return nil, "", err
	}
	var klines []exchange.Kline
	if err := json.Unmarshal(raw, &klines); err != nil {
		return nil, "", fmt.Errorf("decode klines: %w", err)
	}
	return klines, source, nil
}

// Filters returns the symbol trading rules, hour-scale cached.
func (c *Client) Filters(ctx context.Context, symbol string) (exchange.SymbolFilters, Source, error) {
	raw, source, err := c.Get(ctx, FactFilters, symbol)
	if err != nil {
		return exchange.SymbolFilters{}, "", err
	}
	var filters exchange.SymbolFilters
	if err := json.Unmarshal(raw, &filters); err != nil {
		return exchange.SymbolFilters{}, "", fmt.Errorf("decode filters: %w", err)
	}
	return filters, source, nil
}

// Brackets returns the leverage brackets, hour-scale cached.
func (c *Client) Brackets(ctx context.Context, symbol string) ([]exchange.LeverageBracket, Source, error) {
	raw, source, err := c.Get(ctx, FactBrackets, symbol)
	if err != nil {
		return nil, "", err
	}
	var brackets []exchange.LeverageBracket
	if err := json.Unmarshal(raw, &brackets); err != nil {
		return nil, "", fmt.Errorf("decode brackets: %w", err)
	}
	return brackets, source, nil
}
