package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tradeguard/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrProfileNotFound indicates no risk profile exists for the pair.
	ErrProfileNotFound = errors.New("storage: risk profile not found")
	// ErrNoOpenTrade indicates no open trade row matched the exit update.
	ErrNoOpenTrade = errors.New("storage: no open trade to complete")
)

const (
	insertTradeEntrySQL = `INSERT INTO trade_history (
        account_id,
        strategy_id,
        symbol,
        direction,
        entry_time,
        entry_price,
        quantity,
        order_id,
        sl_order_id,
        tp_order_id
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    RETURNING id;`

	completeTradeExitSQL = `UPDATE trade_history
    SET exit_time   = $4,
        exit_price  = $5,
        exit_reason = $6,
        pnl_pct     = $7,
        pnl_usdt    = $8
    WHERE account_id = $1
      AND strategy_id = $2
      AND symbol = $3
      AND exit_reason IS NULL;`

	sumDailyPnLSQL = `SELECT COALESCE(SUM(pnl_usdt), 0)
    FROM trade_history
    WHERE account_id = $1
      AND strategy_id = $2
      AND exit_time >= $3
      AND exit_reason IS NOT NULL;`

	recentLossesSQL = `SELECT COUNT(*), MAX(exit_time)
    FROM trade_history
    WHERE account_id = $1
      AND strategy_id = $2
      AND exit_time >= $3
      AND exit_reason IS NOT NULL
      AND pnl_usdt < 0;`

	lastEntryForSymbolSQL = `SELECT MAX(entry_time)
    FROM trade_history
    WHERE account_id = $1
      AND strategy_id = $2
      AND symbol = $3
      AND direction = $4;`

	listRecentTradesSQL = `SELECT
        id,
        account_id,
        strategy_id,
        symbol,
        direction,
        entry_time,
        entry_price,
        quantity,
        exit_time,
        exit_price,
        exit_reason,
        pnl_pct,
        pnl_usdt,
        order_id,
        sl_order_id,
        tp_order_id,
        created_at
    FROM trade_history
    WHERE account_id = $1
    ORDER BY entry_time DESC
    LIMIT $2;`

	dailySummarySQL = `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN pnl_usdt > 0 THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN pnl_usdt < 0 THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(pnl_usdt), 0)
    FROM trade_history
    WHERE account_id = $1
      AND strategy_id = $2
      AND exit_time >= $3
      AND exit_reason IS NOT NULL;`

	dailyPnLSeriesSQL = `SELECT
        DATE_TRUNC('day', exit_time) AS day,
        COALESCE(SUM(pnl_usdt), 0)
    FROM trade_history
    WHERE account_id = $1
      AND exit_time >= $2
      AND exit_time < $3
      AND exit_reason IS NOT NULL
    GROUP BY day
    ORDER BY day;`

	getProfileSQL = `SELECT
        account_id,
        strategy_id,
        enabled,
        tier_ceiling,
        tier_filter_enabled,
        schedule,
        schedule_enabled,
        circuit_breaker,
        anti_repetition_window_minutes,
        blacklisted_symbols,
        daily_loss,
        risk_pct,
        max_leverage,
        min_rr
    FROM risk_profiles
    WHERE account_id = $1
      AND strategy_id = $2;`

	listProfilesForStrategySQL = `SELECT
        account_id,
        strategy_id,
        enabled,
        tier_ceiling,
        tier_filter_enabled,
        schedule,
        schedule_enabled,
        circuit_breaker,
        anti_repetition_window_minutes,
        blacklisted_symbols,
        daily_loss,
        risk_pct,
        max_leverage,
        min_rr
    FROM risk_profiles
    WHERE strategy_id = $1
      AND enabled
    ORDER BY account_id;`

	insertAuditSQL = `INSERT INTO audit_log (
        id,
        ts,
        account_id,
        symbol,
        operation,
        params,
        result,
        success,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`
)

// TradeHistoryStore defines operations over the append-only trade history.
type TradeHistoryStore interface {
	InsertTradeEntry(ctx context.Context, rec TradeRecord) (int64, error)
	CompleteTradeExit(ctx context.Context, accountID, strategyID, symbol string, exit TradeExit) error
	SumDailyPnL(ctx context.Context, accountID, strategyID string, since time.Time) (decimal.Decimal, error)
	RecentLosses(ctx context.Context, accountID, strategyID string, since time.Time) (int, *time.Time, error)
	LastEntryForSymbol(ctx context.Context, accountID, strategyID, symbol string, direction model.Direction) (*time.Time, error)
	ListRecentTrades(ctx context.Context, accountID string, limit int) ([]TradeRecord, error)
	DailySummary(ctx context.Context, accountID, strategyID string, since time.Time) (DailySummary, error)
}

// RiskProfileStore loads per (account, strategy) rule sets.
type RiskProfileStore interface {
	GetRiskProfile(ctx context.Context, accountID, strategyID string) (model.RiskProfile, error)
	ListProfilesForStrategy(ctx context.Context, strategyID string) ([]model.RiskProfile, error)
}

// AuditStore appends decision/action audit rows.
type AuditStore interface {
	InsertAudit(ctx context.Context, rec AuditRecord) error
}

// DailyPnL is one day's realized PnL, used by the export command.
type DailyPnL struct {
	Day     time.Time
	PnLUSDT decimal.Decimal
}

// Store aggregates access to trade history, risk profiles, and the audit log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertTradeEntry records a freshly opened trade and returns its row id.
func (s *Store) InsertTradeEntry(ctx context.Context, rec TradeRecord) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var id int64
	scanErr := pool.QueryRow(ctx, insertTradeEntrySQL,
		rec.AccountID,
		rec.StrategyID,
		rec.Symbol,
		string(rec.Direction),
		rec.EntryTime,
		rec.EntryPrice.String(),
		rec.Quantity.String(),
		rec.OrderID,
		rec.SLOrderID,
		rec.TPOrderID,
	).Scan(&id)
	if scanErr != nil {
		return 0, fmt.Errorf("insert trade entry: %w", scanErr)
	}
	return id, nil
}

// CompleteTradeExit finalises the open trade for (account, strategy, symbol).
// A row whose exit_reason is already set is never touched.
func (s *Store) CompleteTradeExit(ctx context.Context, accountID, strategyID, symbol string, exit TradeExit) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	cmdTag, execErr := pool.Exec(ctx, completeTradeExitSQL,
		accountID,
		strategyID,
		symbol,
		exit.ExitTime,
		exit.ExitPrice.String(),
		exit.ExitReason,
		exit.PnLPct.String(),
		exit.PnLUSDT.String(),
	)
	if execErr != nil {
		return fmt.Errorf("complete trade exit: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNoOpenTrade
	}
	return nil
}

// SumDailyPnL sums realized pnl_usdt over closed trades since the given UTC instant.
func (s *Store) SumDailyPnL(ctx context.Context, accountID, strategyID string, since time.Time) (decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Zero, err
	}

	var pnlStr string
	if scanErr := pool.QueryRow(ctx, sumDailyPnLSQL, accountID, strategyID, since).Scan(&pnlStr); scanErr != nil {
		return decimal.Zero, fmt.Errorf("sum daily pnl: %w", scanErr)
	}
	pnl, convErr := decimal.NewFromString(pnlStr)
	if convErr != nil {
		return decimal.Zero, fmt.Errorf("parse daily pnl: %w", convErr)
	}
	return pnl, nil
}

// RecentLosses counts losing closes since the given instant and returns the
// time of the most recent one.
func (s *Store) RecentLosses(ctx context.Context, accountID, strategyID string, since time.Time) (int, *time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, nil, err
	}

	var count int
	var lastLoss sql.NullTime
	if scanErr := pool.QueryRow(ctx, recentLossesSQL, accountID, strategyID, since).Scan(&count, &lastLoss); scanErr != nil {
		return 0, nil, fmt.Errorf("count recent losses: %w", scanErr)
	}
	if !lastLoss.Valid {
		return count, nil, nil
	}
	ts := lastLoss.Time
	return count, &ts, nil
}

// LastEntryForSymbol returns the most recent entry time for the same
// symbol/direction, or nil when the pair has never traded it.
func (s *Store) LastEntryForSymbol(ctx context.Context, accountID, strategyID, symbol string, direction model.Direction) (*time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var last sql.NullTime
	if scanErr := pool.QueryRow(ctx, lastEntryForSymbolSQL, accountID, strategyID, symbol, string(direction)).Scan(&last); scanErr != nil {
		return nil, fmt.Errorf("last entry for symbol: %w", scanErr)
	}
	if !last.Valid {
		return nil, nil
	}
	ts := last.Time
	return &ts, nil
}

// ListRecentTrades lists the account's most recent trades, newest first.
func (s *Store) ListRecentTrades(ctx context.Context, accountID string, limit int) ([]TradeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentTradesSQL, accountID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent trades: %w", queryErr)
	}
	defer rows.Close()

	trades := make([]TradeRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanTradeRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		trades = append(trades, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

// DailySummary aggregates closed trades since the given instant.
func (s *Store) DailySummary(ctx context.Context, accountID, strategyID string, since time.Time) (DailySummary, error) {
	pool, err := s.getPool()
	if err != nil {
		return DailySummary{}, err
	}

	var summary DailySummary
	var pnlStr string
	if scanErr := pool.QueryRow(ctx, dailySummarySQL, accountID, strategyID, since).Scan(
		&summary.TotalTrades,
		&summary.WinningTrades,
		&summary.LosingTrades,
		&pnlStr,
	); scanErr != nil {
		return DailySummary{}, fmt.Errorf("daily summary: %w", scanErr)
	}

	pnl, convErr := decimal.NewFromString(pnlStr)
	if convErr != nil {
		return DailySummary{}, fmt.Errorf("parse summary pnl: %w", convErr)
	}
	summary.PnLUSDT = pnl
	return summary, nil
}

// DailyPnLSeries returns per-day realized PnL inside [from, to).
func (s *Store) DailyPnLSeries(ctx context.Context, accountID string, from, to time.Time) ([]DailyPnL, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, dailyPnLSeriesSQL, accountID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("daily pnl series: %w", queryErr)
	}
	defer rows.Close()

	series := make([]DailyPnL, 0)
	for rows.Next() {
		var day time.Time
		var pnlStr string
		if err := rows.Scan(&day, &pnlStr); err != nil {
			return nil, err
		}
		pnl, convErr := decimal.NewFromString(pnlStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse series pnl: %w", convErr)
		}
		series = append(series, DailyPnL{Day: day, PnLUSDT: pnl})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return series, nil
}

// GetRiskProfile loads the profile for one (account, strategy) pair.
func (s *Store) GetRiskProfile(ctx context.Context, accountID, strategyID string) (model.RiskProfile, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.RiskProfile{}, err
	}

	profile, scanErr := scanRiskProfile(pool.QueryRow(ctx, getProfileSQL, accountID, strategyID))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return model.RiskProfile{}, ErrProfileNotFound
		}
		return model.RiskProfile{}, scanErr
	}
	return profile, nil
}

// ListProfilesForStrategy loads every enabled profile bound to a strategy.
func (s *Store) ListProfilesForStrategy(ctx context.Context, strategyID string) ([]model.RiskProfile, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listProfilesForStrategySQL, strategyID)
	if queryErr != nil {
		return nil, fmt.Errorf("list profiles for strategy: %w", queryErr)
	}
	defer rows.Close()

	profiles := make([]model.RiskProfile, 0)
	for rows.Next() {
		profile, scanErr := scanRiskProfile(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		profiles = append(profiles, profile)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return profiles, nil
}

// InsertAudit appends one audit row.
func (s *Store) InsertAudit(ctx context.Context, rec AuditRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	if _, execErr := pool.Exec(ctx, insertAuditSQL,
		rec.ID,
		rec.Timestamp,
		rec.AccountID,
		rec.Symbol,
		rec.Operation,
		[]byte(rec.Params),
		rec.Result,
		rec.Success,
		errMsg,
	); execErr != nil {
		return fmt.Errorf("insert audit: %w", execErr)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTradeRecord(row rowScanner) (TradeRecord, error) {
	var (
		rec        TradeRecord
		direction  string
		entryStr   string
		qtyStr     string
		exitTime   sql.NullTime
		exitPrice  sql.NullString
		exitReason sql.NullString
		pnlPct     sql.NullString
		pnlUSDT    sql.NullString
	)

	if err := row.Scan(
		&rec.ID,
		&rec.AccountID,
		&rec.StrategyID,
		&rec.Symbol,
		&direction,
		&rec.EntryTime,
		&entryStr,
		&qtyStr,
		&exitTime,
		&exitPrice,
		&exitReason,
		&pnlPct,
		&pnlUSDT,
		&rec.OrderID,
		&rec.SLOrderID,
		&rec.TPOrderID,
		&rec.CreatedAt,
	); err != nil {
		return TradeRecord{}, err
	}

	rec.Direction = model.Direction(direction)

	var convErr error
	rec.EntryPrice, convErr = decimal.NewFromString(entryStr)
	if convErr != nil {
		return TradeRecord{}, fmt.Errorf("parse entry price: %w", convErr)
	}
	rec.Quantity, convErr = decimal.NewFromString(qtyStr)
	if convErr != nil {
		return TradeRecord{}, fmt.Errorf("parse quantity: %w", convErr)
	}

	if exitTime.Valid {
		ts := exitTime.Time
		rec.ExitTime = &ts
	}
	if exitPrice.Valid {
		price, err := decimal.NewFromString(exitPrice.String)
		if err != nil {
			return TradeRecord{}, fmt.Errorf("parse exit price: %w", err)
		}
		rec.ExitPrice = &price
	}
	if exitReason.Valid {
		reason := exitReason.String
		rec.ExitReason = &reason
	}
	if pnlPct.Valid {
		pct, err := decimal.NewFromString(pnlPct.String)
		if err != nil {
			return TradeRecord{}, fmt.Errorf("parse pnl pct: %w", err)
		}
		rec.PnLPct = &pct
	}
	if pnlUSDT.Valid {
		usdt, err := decimal.NewFromString(pnlUSDT.String)
		if err != nil {
			return TradeRecord{}, fmt.Errorf("parse pnl usdt: %w", err)
		}
		rec.PnLUSDT = &usdt
	}

	return rec, nil
}

func scanRiskProfile(row rowScanner) (model.RiskProfile, error) {
	var (
		profile      model.RiskProfile
		scheduleRaw  []byte
		breakerRaw   []byte
		blacklistRaw []byte
		dailyLossRaw []byte
		minRRStr     string
	)

	if err := row.Scan(
		&profile.AccountID,
		&profile.StrategyID,
		&profile.Enabled,
		&profile.TierCeiling,
		&profile.TierFilterEnabled,
		&scheduleRaw,
		&profile.ScheduleEnabled,
		&breakerRaw,
		&profile.AntiRepetitionWindowMinutes,
		&blacklistRaw,
		&dailyLossRaw,
		&profile.RiskPct,
		&profile.MaxLeverage,
		&minRRStr,
	); err != nil {
		return model.RiskProfile{}, err
	}

	if len(scheduleRaw) > 0 {
		if err := json.Unmarshal(scheduleRaw, &profile.Schedule); err != nil {
			return model.RiskProfile{}, fmt.Errorf("decode schedule: %w", err)
		}
	}
	if len(breakerRaw) > 0 {
		if err := json.Unmarshal(breakerRaw, &profile.CircuitBreaker); err != nil {
			return model.RiskProfile{}, fmt.Errorf("decode circuit breaker: %w", err)
		}
	}
	if len(blacklistRaw) > 0 {
		if err := json.Unmarshal(blacklistRaw, &profile.BlacklistedSymbols); err != nil {
			return model.RiskProfile{}, fmt.Errorf("decode blacklist: %w", err)
		}
	}
	if len(dailyLossRaw) > 0 {
		if err := json.Unmarshal(dailyLossRaw, &profile.DailyLoss); err != nil {
			return model.RiskProfile{}, fmt.Errorf("decode daily loss: %w", err)
		}
	}

	minRR, convErr := decimal.NewFromString(minRRStr)
	if convErr != nil {
		return model.RiskProfile{}, fmt.Errorf("parse min rr: %w", convErr)
	}
	profile.MinRR = minRR

	profile.ApplyDefaults()
	if err := profile.Validate(); err != nil {
		return model.RiskProfile{}, fmt.Errorf("invalid risk profile %s/%s: %w", profile.AccountID, profile.StrategyID, err)
	}
	return profile, nil
}
