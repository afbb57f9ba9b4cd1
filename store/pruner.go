package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultPruneSchedule  = "@every 1h"
	defaultAuditRetention = 7 * 24 * time.Hour
)

var pruneScheduleParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// PrunerConfig configures audit retention.
type PrunerConfig struct {
	Store Store
	// Schedule is a cron expression; descriptors such as "@every 1h" are
	// accepted. Defaults to hourly.
	Schedule string
	// Retention is how long audit rows are kept. Defaults to 7 days.
	Retention time.Duration
	// Logger receives sweep events. Defaults to slog.Default.
	Logger *slog.Logger
	// Clock overrides time.Now for retention cutoffs.
	Clock func() time.Time
}

// Pruner deletes audit rows older than the retention window on a cron
// schedule.
type Pruner struct {
	store     Store
	schedule  cron.Schedule
	retention time.Duration
	logger    *slog.Logger
	clock     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPruner creates an audit retention pruner.
func NewPruner(cfg PrunerConfig) (*Pruner, error) {
	if cfg.Store == nil {
		return nil, errors.New("store: pruner store is nil")
	}

	expr := strings.TrimSpace(cfg.Schedule)
	if expr == "" {
		expr = defaultPruneSchedule
	}
	schedule, err := pruneScheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("store: invalid prune schedule %q: %w", expr, err)
	}

	if cfg.Retention <= 0 {
		cfg.Retention = defaultAuditRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Pruner{
		store:     cfg.Store,
		schedule:  schedule,
		retention: cfg.Retention,
		logger:    cfg.Logger.With("component", "audit_pruner"),
		clock:     cfg.Clock,
	}, nil
}

// Start begins background pruning. Calling Start on a running pruner is a
// no-op.
func (p *Pruner) Start(ctx context.Context) error {
	if p == nil {
		return errors.New("store: pruner is nil")
	}

	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		for {
			now := p.clock()
			timer := time.NewTimer(p.schedule.Next(now).Sub(now))
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				_ = p.RunOnce(loopCtx)
			}
		}
	}()

	return nil
}

// Stop terminates background pruning and waits for the loop to exit.
func (p *Pruner) Stop(ctx context.Context) error {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce prunes immediately using the configured retention.
func (p *Pruner) RunOnce(ctx context.Context) error {
	if p == nil || p.store == nil {
		return errors.New("store: pruner store is nil")
	}

	cutoff := p.clock().Add(-p.retention)
	removed, err := p.store.PruneInvocations(ctx, cutoff)
	if err != nil {
		p.logger.Warn("audit prune failed", "error", err)
		return err
	}
	if removed > 0 {
		p.logger.Info("audit rows pruned",
			"removed", removed,
			"cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return nil
}
