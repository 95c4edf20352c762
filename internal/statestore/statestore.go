// Package statestore is the fast shared store backing guardian position
// records, trade pause states, daily balance baselines, and the market-data
// cache. Postgres keeps the durable history; everything here is a shadow
// that can be rebuilt, so all values carry explicit expiries where the
// domain allows it.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tradeguard/internal/config"
	"tradeguard/internal/model"
)

var (
	// ErrPositionConflict signals a lost optimistic write: another guardian
	// action mutated the position after this one read it.
	ErrPositionConflict = errors.New("statestore: position modified concurrently")
)

const (
	positionKeyPrefix = "guardian:position:"
	pauseKeyPrefix    = "risk:pause:"
	baselineKeyPrefix = "risk:baseline:"
	cacheKeyPrefix    = "md:cache:"
)

// CacheEntry is one cached market fact with its capture time.
type CacheEntry struct {
	Value      json.RawMessage `json:"value"`
	CapturedAt time.Time       `json:"captured_at"`
	Source     string          `json:"source"`
}

// Age returns how old the entry is at the given instant.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CapturedAt)
}

// NewClient builds a go-redis client from runtime settings.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// Store wraps the shared Redis client.
type Store struct {
	rdb *redis.Client
}

// NewStore wires a redis client into a Store.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func positionKey(key model.PositionKey) string {
	return positionKeyPrefix + key.AccountID + ":" + key.Symbol
}

// GetPosition loads the guardian record for (account, symbol).
func (s *Store) GetPosition(ctx context.Context, key model.PositionKey) (model.Position, bool, error) {
	raw, err := s.rdb.Get(ctx, positionKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Position{}, false, nil
	}
	if err != nil {
		return model.Position{}, false, fmt.Errorf("get position: %w", err)
	}

	var pos model.Position
	if err := json.Unmarshal(raw, &pos); err != nil {
		return model.Position{}, false, fmt.Errorf("decode position: %w", err)
	}
	return pos, true, nil
}

// SavePosition writes the record unconditionally. Used at entry, when the
// record cannot yet have a competing writer.
func (s *Store) SavePosition(ctx context.Context, pos model.Position) error {
	raw, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	if err := s.rdb.Set(ctx, positionKey(pos.Key()), raw, 0).Err(); err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// SavePositionGuarded writes the record only if its stored
// last_adjustment_ts still equals expectedTS. A concurrent guardian action
// that already advanced the record makes this return ErrPositionConflict.
func (s *Store) SavePositionGuarded(ctx context.Context, pos model.Position, expectedTS int64) error {
	key := positionKey(pos.Key())
	raw, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var stored model.Position
			if decodeErr := json.Unmarshal(current, &stored); decodeErr != nil {
				return fmt.Errorf("decode stored position: %w", decodeErr)
			}
			if stored.LastAdjustmentTS != expectedTS {
				return ErrPositionConflict
			}
		}
		_, pipeErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return pipeErr
	}

	if err := s.rdb.Watch(ctx, txn, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return ErrPositionConflict
		}
		return err
	}
	return nil
}

// DeletePosition removes the record once the position is flat.
func (s *Store) DeletePosition(ctx context.Context, key model.PositionKey) error {
	if err := s.rdb.Del(ctx, positionKey(key)).Err(); err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// ListPositions scans every stored guardian record.
func (s *Store) ListPositions(ctx context.Context) ([]model.Position, error) {
	var positions []model.Position
	iter := s.rdb.Scan(ctx, 0, positionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scan positions: %w", err)
		}
		var pos model.Position
		if err := json.Unmarshal(raw, &pos); err != nil {
			return nil, fmt.Errorf("decode position %s: %w", iter.Val(), err)
		}
		positions = append(positions, pos)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan positions: %w", err)
	}
	return positions, nil
}

func pauseKey(accountID, strategyID string) string {
	return pauseKeyPrefix + accountID + ":" + strategyID
}

// SetPause stores a pause state expiring at ResumeAt, so the record
// self-clears without an explicit delete.
func (s *Store) SetPause(ctx context.Context, pause model.TradePauseState) error {
	raw, err := json.Marshal(pause)
	if err != nil {
		return fmt.Errorf("encode pause: %w", err)
	}
	ttl := time.Until(pause.ResumeAt)
	if ttl <= 0 {
		return fmt.Errorf("pause resume_at is in the past")
	}
	if err := s.rdb.Set(ctx, pauseKey(pause.AccountID, pause.StrategyID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("set pause: %w", err)
	}
	return nil
}

// GetPause loads the active pause state, if any.
func (s *Store) GetPause(ctx context.Context, accountID, strategyID string) (model.TradePauseState, bool, error) {
	raw, err := s.rdb.Get(ctx, pauseKey(accountID, strategyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.TradePauseState{}, false, nil
	}
	if err != nil {
		return model.TradePauseState{}, false, fmt.Errorf("get pause: %w", err)
	}
	var pause model.TradePauseState
	if err := json.Unmarshal(raw, &pause); err != nil {
		return model.TradePauseState{}, false, fmt.Errorf("decode pause: %w", err)
	}
	return pause, true, nil
}

// ClearPause removes a pause early. Manual override only.
func (s *Store) ClearPause(ctx context.Context, accountID, strategyID string) error {
	if err := s.rdb.Del(ctx, pauseKey(accountID, strategyID)).Err(); err != nil {
		return fmt.Errorf("clear pause: %w", err)
	}
	return nil
}

func baselineKey(accountID, strategyID, day string) string {
	return baselineKeyPrefix + accountID + ":" + strategyID + ":" + day
}

// GetBaseline returns the cached start-of-day balance for a UTC date.
func (s *Store) GetBaseline(ctx context.Context, accountID, strategyID, day string) (decimal.Decimal, bool, error) {
	raw, err := s.rdb.Get(ctx, baselineKey(accountID, strategyID, day)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("get baseline: %w", err)
	}
	value, convErr := decimal.NewFromString(raw)
	if convErr != nil {
		return decimal.Zero, false, fmt.Errorf("parse baseline: %w", convErr)
	}
	return value, true, nil
}

// SetBaseline caches the derived start-of-day balance until expireAt
// (local midnight UTC).
func (s *Store) SetBaseline(ctx context.Context, accountID, strategyID, day string, balance decimal.Decimal, expireAt time.Time) error {
	ttl := time.Until(expireAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := s.rdb.Set(ctx, baselineKey(accountID, strategyID, day), balance.String(), ttl).Err(); err != nil {
		return fmt.Errorf("set baseline: %w", err)
	}
	return nil
}

func cacheKey(kind, symbol string) string {
	return cacheKeyPrefix + kind + ":" + symbol
}

// GetCacheEntry loads a cached market fact. Staleness is judged by the
// caller against its own freshness budget, not here.
func (s *Store) GetCacheEntry(ctx context.Context, kind, symbol string) (CacheEntry, bool, error) {
	raw, err := s.rdb.Get(ctx, cacheKey(kind, symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("get cache entry: %w", err)
	}
	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return CacheEntry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return entry, true, nil
}

// PutCacheEntry writes a refreshed fact with a Redis expiry a little past
// the freshness budget, so abandoned symbols age out on their own.
func (s *Store) PutCacheEntry(ctx context.Context, kind, symbol string, entry CacheEntry, budget time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	expiry := budget * 2
	if err := s.rdb.Set(ctx, cacheKey(kind, symbol), raw, expiry).Err(); err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}
