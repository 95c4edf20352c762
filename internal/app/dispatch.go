package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"tradeguard/internal/executor"
	"tradeguard/internal/model"
	"tradeguard/internal/risk"
	"tradeguard/internal/storage"
)

// DispatchOptions carry one signal and an optional account filter.
type DispatchOptions struct {
	Signal   model.Signal
	Accounts []string
}

// Dispatch runs one signal through the risk pipeline for every configured
// account and executes it where the gates allow. Accounts without an
// enabled risk profile for the signal's strategy never trade.
func (a *App) Dispatch(ctx context.Context, opts DispatchOptions) error {
	if err := opts.Signal.Validate(); err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; risk profiles unavailable")
	}
	defer closeStore()

	states, closeStates := a.openStateStore()
	defer closeStates()

	clients := a.newClients()

	accounts, err := a.resolveAccounts(ctx, store, opts)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		a.Logger.Warn().
			Str("strategy_id", opts.Signal.StrategyID).
			Msg("no account has an enabled profile for this strategy")
		return nil
	}
	for i := range accounts {
		accounts[i].Client = clients[accounts[i].ID]
	}

	pipeline := risk.NewPipeline(store, states, a.Logger)
	coord := executor.NewCoordinator(pipeline, store, states, a.newAuditSink(store), executor.Options{
		DispatchTimeout:   a.Config.Coordinator.DispatchTimeout,
		ProtectiveRetries: a.Config.Coordinator.ProtectiveRetries,
		RetryBackoff:      a.Config.Coordinator.RetryBackoff,
	}, a.Logger)

	agg := coord.Dispatch(ctx, opts.Signal, accounts)
	printDispatchSummary(agg)

	if agg.Unprotected > 0 {
		return fmt.Errorf("%d position(s) are open without protective orders", agg.Unprotected)
	}
	return nil
}

// resolveAccounts loads the profile for every candidate account, skipping
// accounts with no enabled profile for the strategy. Without an explicit
// account filter the profile table decides who trades.
func (a *App) resolveAccounts(ctx context.Context, store *storage.Store, opts DispatchOptions) ([]executor.Account, error) {
	if len(opts.Accounts) == 0 {
		return a.accountsFromProfiles(ctx, store, opts.Signal.StrategyID)
	}

	accounts := make([]executor.Account, 0, len(opts.Accounts))
	for _, id := range opts.Accounts {
		if _, ok := a.Config.Account(id); !ok {
			return nil, fmt.Errorf("unknown account id %q", id)
		}

		profile, err := store.GetRiskProfile(ctx, id, opts.Signal.StrategyID)
		if err != nil {
			if errors.Is(err, storage.ErrProfileNotFound) {
				a.Logger.Info().
					Str("account_id", id).
					Str("strategy_id", opts.Signal.StrategyID).
					Msg("no risk profile, account skipped")
				continue
			}
			return nil, fmt.Errorf("load profile %s/%s: %w", id, opts.Signal.StrategyID, err)
		}
		if !profile.Enabled {
			a.Logger.Info().Str("account_id", id).Msg("profile disabled, account skipped")
			continue
		}
		profile.ApplyDefaults()
		if err := profile.Validate(); err != nil {
			return nil, fmt.Errorf("profile %s/%s: %w", id, opts.Signal.StrategyID, err)
		}

		accounts = append(accounts, executor.Account{ID: id, Profile: profile})
	}
	return accounts, nil
}

func (a *App) accountsFromProfiles(ctx context.Context, store *storage.Store, strategyID string) ([]executor.Account, error) {
	profiles, err := store.ListProfilesForStrategy(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("list profiles for %s: %w", strategyID, err)
	}

	accounts := make([]executor.Account, 0, len(profiles))
	for _, profile := range profiles {
		if _, ok := a.Config.Account(profile.AccountID); !ok {
			a.Logger.Warn().
				Str("account_id", profile.AccountID).
				Msg("profile references an account missing from config, skipped")
			continue
		}
		profile.ApplyDefaults()
		if err := profile.Validate(); err != nil {
			return nil, fmt.Errorf("profile %s/%s: %w", profile.AccountID, strategyID, err)
		}
		accounts = append(accounts, executor.Account{ID: profile.AccountID, Profile: profile})
	}
	return accounts, nil
}

func printDispatchSummary(agg executor.AggregatedResult) {
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Account\tOutcome\tGate\tReason\tError")
	for _, r := range agg.Results {
		errMsg := ""
		if r.Err != nil {
			errMsg = r.Err.Error()
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			r.AccountID, r.Outcome, r.Decision.Gate, r.Decision.Reason, errMsg)
	}
	fmt.Fprintf(writer, "\nTotal: %d  Executed: %d  Rejected: %d  Failed: %d  Unprotected: %d\n",
		agg.Total, agg.Executed, agg.Rejected, agg.Failed, agg.Unprotected)
	writer.Flush()
}
