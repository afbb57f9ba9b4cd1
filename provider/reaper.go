package provider

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// defaultReapInterval is how often the reaper sweeps for idle sessions.
const defaultReapInterval = 5 * time.Minute

// ReaperConfig controls background idle-session reaping.
type ReaperConfig struct {
	Registry *Registry
	// Interval between sweeps. Defaults to 5 minutes.
	Interval time.Duration
	// Logger receives sweep events. Defaults to slog.Default.
	Logger *slog.Logger
	// OnReap is called for each session the sweep closed, after it is
	// gone from the registry.
	OnReap func(snapshot Snapshot)
}

// Reaper periodically closes sessions that have been idle longer than the
// registry's threshold. A session with an invocation in flight is never
// reaped, whatever its age.
type Reaper struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger
	onReap   func(snapshot Snapshot)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates an idle-session reaper.
func NewReaper(cfg ReaperConfig) (*Reaper, error) {
	if cfg.Registry == nil {
		return nil, errors.New("provider: reaper registry is nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultReapInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnReap == nil {
		cfg.OnReap = func(Snapshot) {}
	}

	return &Reaper{
		registry: cfg.Registry,
		interval: cfg.Interval,
		logger:   cfg.Logger.With("component", "reaper"),
		onReap:   cfg.OnReap,
	}, nil
}

// Start begins background sweeping. Calling Start on a running reaper is a
// no-op.
func (r *Reaper) Start(ctx context.Context) error {
	if r == nil {
		return errors.New("provider: reaper is nil")
	}

	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_ = r.RunOnce(loopCtx)
			}
		}
	}()

	return nil
}

// Stop terminates background sweeping and waits for the loop to exit.
func (r *Reaper) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

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

// RunOnce performs one sweep.
func (r *Reaper) RunOnce(ctx context.Context) error {
	if r == nil || r.registry == nil {
		return errors.New("provider: reaper registry is nil")
	}

	reaped := r.registry.ReapIdle(ctx)
	if len(reaped) > 0 {
		r.logger.Info("idle sweep complete", "reaped", len(reaped), "remaining", r.registry.Count())
	}
	for _, snapshot := range reaped {
		r.onReap(snapshot)
	}
	return nil
}
