package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mantleworks/toolgate/provider"
)

const defaultRestoreConcurrency = 4

// ProviderTarget accepts provider configurations. *provider.Registry
// satisfies it directly; the toolset wraps it so restored providers also
// get their catalog entries back.
type ProviderTarget interface {
	Add(ctx context.Context, config *provider.Config) *provider.AddResult
}

// RestoreConfig configures startup restoration of persisted providers.
type RestoreConfig struct {
	Store  Store
	Target ProviderTarget
	// Logger receives per-provider outcomes. Defaults to slog.Default.
	Logger *slog.Logger
	// Concurrency bounds parallel re-adds. Defaults to 4.
	Concurrency int
}

// RestoreResult reports the outcome of a startup restore pass.
type RestoreResult struct {
	Restored int
	Failed   int
	Skipped  int
}

// Restore re-adds every persisted provider config to the target. Dial
// failures are logged and counted, not fatal: the rows stay persisted so
// the next restart retries them. Unreadable payloads are skipped and left
// in place for inspection.
func Restore(ctx context.Context, cfg RestoreConfig) (RestoreResult, error) {
	if cfg.Store == nil {
		return RestoreResult{}, errors.New("store: restore store is nil")
	}
	if cfg.Target == nil {
		return RestoreResult{}, errors.New("store: restore target is nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "restore")
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultRestoreConcurrency
	}

	records, err := cfg.Store.ListProviders(ctx)
	if err != nil {
		return RestoreResult{}, err
	}
	if len(records) == 0 {
		return RestoreResult{}, nil
	}

	var (
		mu     sync.Mutex
		result RestoreResult
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)

	for _, record := range records {
		group.Go(func() error {
			config, err := provider.ParseConfig(record.Payload)
			if err != nil {
				logger.Warn("persisted config is unreadable",
					"identifier", record.Identifier, "error", err)
				mu.Lock()
				result.Skipped++
				mu.Unlock()
				return nil
			}

			added := cfg.Target.Add(groupCtx, config)
			mu.Lock()
			if added.Status == provider.StatusError {
				result.Failed++
			} else {
				result.Restored++
			}
			mu.Unlock()

			if added.Status == provider.StatusError {
				logger.Warn("persisted provider failed to reconnect",
					"identifier", added.Identifier, "message", added.Message)
			} else {
				logger.Info("provider restored",
					"identifier", added.Identifier, "tools", len(added.Tools))
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return result, err
	}
	return result, nil
}
