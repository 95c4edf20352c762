package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"tradeguard/internal/audit"
	"tradeguard/internal/config"
	"tradeguard/internal/exchange"
	"tradeguard/internal/guardian"
	"tradeguard/internal/marketdata"
	"tradeguard/internal/scheduler"
	"tradeguard/internal/statestore"
	"tradeguard/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openStateStore() (*statestore.Store, func()) {
	rdb := statestore.NewClient(a.Config.Redis)
	store := statestore.NewStore(rdb)
	closer := func() {
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("state store close failed")
		}
	}
	return store, closer
}

// newClients builds one exchange client per configured account.
func (a *App) newClients() map[string]exchange.Client {
	clients := make(map[string]exchange.Client, len(a.Config.Accounts))
	for _, acct := range a.Config.Accounts {
		clients[acct.ID] = exchange.NewREST(exchange.RESTOptions{
			BaseURL:      a.Config.Exchange.BaseURL,
			APIKey:       acct.APIKey,
			APISecret:    acct.APISecret,
			Timeout:      a.Config.Exchange.RequestTimeout,
			RecvWindowMS: a.Config.Exchange.RecvWindowMS,
			UserAgent:    a.Config.Exchange.UserAgent,
		}, a.Logger.With().Str("account_id", acct.ID).Logger())
	}
	return clients
}

// newMarketData wires the cache-backed market data reader over any one
// account's client; the facts it serves are account-independent.
func (a *App) newMarketData(states *statestore.Store, clients map[string]exchange.Client) *marketdata.Client {
	var live exchange.Client
	for _, id := range a.accountIDs() {
		live = clients[id]
		break
	}
	return marketdata.New(states, live, a.Config.Cache, a.Logger)
}

func (a *App) accountIDs() []string {
	ids := make([]string, 0, len(a.Config.Accounts))
	for _, acct := range a.Config.Accounts {
		ids = append(ids, acct.ID)
	}
	return ids
}

func (a *App) newAuditSink(store *storage.Store) audit.Sink {
	if store == nil {
		return audit.NopSink{}
	}
	return audit.NewStoreSink(store, a.Logger)
}

func (a *App) newGuardian(store *storage.Store, states *statestore.Store, clients map[string]exchange.Client) *guardian.Guardian {
	var history guardian.ExitWriter
	if store != nil {
		history = store
	} else {
		history = nopExitWriter{}
	}
	market := a.newMarketData(states, clients)
	return guardian.New(states, history, market, clients, a.newAuditSink(store), guardian.Options{
		StateRetryDelay: a.Config.Guardian.StateRetryDelay,
	}, a.Logger)
}

// nopExitWriter drops exit rows when no database is configured.
type nopExitWriter struct{}

func (nopExitWriter) CompleteTradeExit(context.Context, string, string, string, storage.TradeExit) error {
	return nil
}

// Run executes the long-running guardian service: the reconciliation sweep
// on its aligned cadence until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; trade history and audit persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	states, closeStates := a.openStateStore()
	defer closeStates()

	clients := a.newClients()
	if len(clients) == 0 {
		return errors.New("no accounts configured")
	}

	guard := a.newGuardian(store, states, clients)

	sched := scheduler.New(scheduler.Options{
		Interval:      a.Config.Guardian.SweepInterval,
		AlignToBucket: a.Config.Guardian.SweepAlignToBucket,
		StartupDelay:  a.Config.Guardian.SweepStartupDelay,
		TickTimeout:   a.sweepTimeout(),
	}, a.Logger)

	a.Logger.Info().
		Int("accounts", len(clients)).
		Dur("sweep_interval", a.Config.Guardian.SweepInterval).
		Msg("starting guardian service")

	err = sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		return guard.Sweep(ctx)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("guardian service terminated with error")
		return err
	}

	a.Logger.Info().Msg("guardian service stopped")
	return nil
}

func (a *App) sweepTimeout() time.Duration {
	if a.Config.Guardian.ActionTimeout <= 0 {
		return 0
	}
	// One sweep touches every account; give it room beyond a single action.
	return a.Config.Guardian.ActionTimeout * time.Duration(max(len(a.Config.Accounts), 1))
}

// ExportOptions hold parameters for exporting the realized PnL history.
type ExportOptions struct {
	AccountID string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	AccountID string
	Limit     int
}

// StatusOptions configure the status command.
type StatusOptions struct {
	StrategyID string
}
