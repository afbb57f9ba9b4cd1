package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Result statuses reported by registry operations.
const (
	// StatusCached means an existing session served the add request.
	StatusCached = "cached"
	// StatusSuccess means the operation completed normally.
	StatusSuccess = "success"
	// StatusError means the operation failed; Message has the cause.
	StatusError = "error"
	// StatusNotFound means no session exists for the identifier.
	StatusNotFound = "not_found"
	// StatusActive is reported for healthy, recently used sessions.
	StatusActive = "active"
	// StatusIdle is reported for sessions that are unhealthy or unused
	// past the idle threshold.
	StatusIdle = "idle"
)

// defaultIdleThreshold is how long a session may go unused before the
// reaper may claim it.
const defaultIdleThreshold = 30 * time.Minute

// AddResult is the outcome of adding a provider.
type AddResult struct {
	Identifier string                `json:"config_hash"`
	Tools      map[string]Descriptor `json:"tools"`
	Status     string                `json:"status"`
	Message    string                `json:"message"`
	// Suspicious marks connections that succeeded but exposed zero
	// tools, which usually means the endpoint is not a tool provider.
	Suspicious bool `json:"suspicious,omitempty"`
}

// HealthResult is the outcome of a health probe.
type HealthResult struct {
	Identifier string `json:"config_hash"`
	Healthy    bool   `json:"healthy"`
	Status     string `json:"status"`
	State      string `json:"state,omitempty"`
	ToolsCount int    `json:"tools_count,omitempty"`
	LastAccess string `json:"last_access,omitempty"`
	Kind       string `json:"connection_type,omitempty"`
	Message    string `json:"message,omitempty"`
}

// CloseResult is the outcome of closing a provider session.
type CloseResult struct {
	Identifier string `json:"config_hash"`
	Closed     bool   `json:"closed"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Logger receives registry events. Defaults to slog.Default.
	Logger *slog.Logger
	// Clock supplies the current time. Defaults to time.Now in UTC.
	Clock func() time.Time
	// Observer receives handshake/invoke/reap observations.
	Observer Observer
	// IdleThreshold is how long a session may go unused before ReapIdle
	// claims it. Defaults to 30 minutes.
	IdleThreshold time.Duration
	// Session carries per-session wire options such as phase timeouts.
	Session SessionOptions
}

func (o RegistryOptions) withDefaults() RegistryOptions {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	if o.Observer == nil {
		o.Observer = noopObserver{}
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = defaultIdleThreshold
	}
	if o.Session.Logger == nil {
		o.Session.Logger = o.Logger
	}
	if o.Session.Clock == nil {
		o.Session.Clock = o.Clock
	}
	return o
}

// Registry owns all live provider sessions, keyed by configuration
// identifier. Adding the same configuration twice reuses the existing
// session; concurrent adds of one configuration collapse into a single
// dial.
type Registry struct {
	opts     RegistryOptions
	logger   *slog.Logger
	observer Observer

	group singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry builds an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		opts:     opts,
		logger:   opts.Logger.With("component", "registry"),
		observer: opts.Observer,
		sessions: make(map[string]*Session),
	}
}

// Add connects to the configured provider, or reuses the session already
// serving an identical configuration. Connection failures are reported in
// the result status rather than as an error, and nothing is stored for
// them, so a later retry dials fresh.
func (r *Registry) Add(ctx context.Context, config *Config) *AddResult {
	identifier := config.Hash()
	if result := r.cachedResult(identifier); result != nil {
		r.observer.ObserveHandshake(HandshakeObservation{
			Identifier: identifier,
			Kind:       config.First().Server.Kind(),
			Tools:      len(result.Tools),
			Cached:     true,
			Success:    true,
		})
		return result
	}

	value, _, _ := r.group.Do(identifier, func() (any, error) {
		if result := r.cachedResult(identifier); result != nil {
			return result, nil
		}
		return r.dial(ctx, config), nil
	})
	return value.(*AddResult)
}

// cachedResult builds a cached-status result when a session already serves
// the identifier.
func (r *Registry) cachedResult(identifier string) *AddResult {
	r.mu.RLock()
	session, ok := r.sessions[identifier]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	// A cached hit counts as usage; it keeps the session off the reaper's
	// list the same way an invocation would.
	session.Touch()
	tools := session.Tools()
	return &AddResult{
		Identifier: identifier,
		Tools:      tools,
		Status:     StatusCached,
		Message:    fmt.Sprintf("Using cached connection with %d tools", len(tools)),
	}
}

func (r *Registry) dial(ctx context.Context, config *Config) *AddResult {
	identifier := config.Hash()
	kind := config.First().Server.Kind()
	started := r.opts.Clock()

	session := NewSession(config, r.opts.Session)
	err := session.Dial(ctx)
	elapsed := r.opts.Clock().Sub(started).Milliseconds()
	if err != nil {
		r.observer.ObserveHandshake(HandshakeObservation{
			Identifier: identifier,
			Kind:       kind,
			DurationMS: elapsed,
			Success:    false,
			ErrorKind:  ErrorKind(err),
		})
		message := fmt.Sprintf("Failed to connect: %v", err)
		if IsTimeout(err) {
			message = "Connection failed - server not responding"
		}
		return &AddResult{
			Identifier: identifier,
			Tools:      map[string]Descriptor{},
			Status:     StatusError,
			Message:    message,
		}
	}

	r.mu.Lock()
	r.sessions[identifier] = session
	total := len(r.sessions)
	r.mu.Unlock()

	tools := session.Tools()
	r.observer.ObserveHandshake(HandshakeObservation{
		Identifier: identifier,
		Kind:       kind,
		Tools:      len(tools),
		DurationMS: elapsed,
		Success:    true,
	})
	r.logger.Info("provider added",
		"provider", identifier,
		"kind", string(kind),
		"tools", len(tools),
		"sessions", total,
	)
	return &AddResult{
		Identifier: identifier,
		Tools:      tools,
		Status:     StatusSuccess,
		Message:    fmt.Sprintf("Connected with %d tools", len(tools)),
		Suspicious: len(tools) == 0,
	}
}

// Session returns the live session for identifier, if any.
func (r *Registry) Session(identifier string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[identifier]
	return session, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshots returns health facts for every live session.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(sessions))
	for _, session := range sessions {
		snapshots = append(snapshots, session.Snapshot())
	}
	return snapshots
}

// Health reports whether the session for identifier is connected and
// recently used. Probing does not count as use; only invocations refresh
// the idle clock.
func (r *Registry) Health(identifier string) HealthResult {
	session, ok := r.Session(identifier)
	if !ok {
		return HealthResult{
			Identifier: identifier,
			Healthy:    false,
			Status:     StatusNotFound,
			Message:    "MCP connection not found",
		}
	}

	snapshot := session.Snapshot()
	healthy := snapshot.State == StateReady && !session.Idle(r.opts.IdleThreshold)
	status := StatusActive
	if !healthy {
		status = StatusIdle
	}
	return HealthResult{
		Identifier: identifier,
		Healthy:    healthy,
		Status:     status,
		State:      string(snapshot.State),
		ToolsCount: snapshot.ToolCount,
		LastAccess: snapshot.LastAccess.Format(time.RFC3339),
		Kind:       string(snapshot.Kind),
	}
}

// Close tears down the session for identifier and forgets it. The entry is
// removed even when teardown reports an error, so a follow-up add always
// dials fresh.
func (r *Registry) Close(ctx context.Context, identifier string) CloseResult {
	r.mu.Lock()
	session, ok := r.sessions[identifier]
	if ok {
		delete(r.sessions, identifier)
	}
	r.mu.Unlock()
	if !ok {
		return CloseResult{
			Identifier: identifier,
			Closed:     false,
			Status:     StatusNotFound,
			Message:    "MCP connection not found",
		}
	}

	if err := session.Close(ctx); err != nil {
		r.logger.Warn("provider close failed", "provider", identifier, "error", err)
		return CloseResult{
			Identifier: identifier,
			Closed:     true,
			Status:     StatusError,
			Message:    fmt.Sprintf("Connection closed with teardown error: %v", err),
		}
	}
	r.logger.Info("provider closed", "provider", identifier)
	return CloseResult{
		Identifier: identifier,
		Closed:     true,
		Status:     StatusSuccess,
		Message:    "MCP connection closed and cleaned up",
	}
}

// CloseAll tears down every session, for shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for identifier, session := range sessions {
		if err := session.Close(ctx); err != nil {
			r.logger.Warn("provider close failed", "provider", identifier, "error", err)
		}
	}
}

// Invoke forwards one tool call to the session for identifier. The
// placeholder parameter and null values are stripped before the call, and
// the provider's result is returned verbatim.
func (r *Registry) Invoke(ctx context.Context, identifier, tool string, arguments map[string]any) (json.RawMessage, error) {
	session, ok := r.Session(identifier)
	if !ok {
		return nil, newError(ErrorKindNotFound, fmt.Sprintf("no provider session for %s", identifier), nil)
	}

	started := r.opts.Clock()
	result, err := session.Invoke(ctx, tool, ScrubArguments(arguments))
	r.observer.ObserveInvoke(InvokeObservation{
		Identifier: identifier,
		Tool:       tool,
		Kind:       session.Kind(),
		DurationMS: r.opts.Clock().Sub(started).Milliseconds(),
		Success:    err == nil,
		ErrorKind:  ErrorKind(err),
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReapIdle closes every session idle past the threshold and returns their
// snapshots. Sessions with an invocation in flight are skipped.
func (r *Registry) ReapIdle(ctx context.Context) []Snapshot {
	threshold := r.opts.IdleThreshold

	r.mu.Lock()
	var idle []*Session
	for identifier, session := range r.sessions {
		if session.Idle(threshold) {
			idle = append(idle, session)
			delete(r.sessions, identifier)
		}
	}
	r.mu.Unlock()

	reaped := make([]Snapshot, 0, len(idle))
	for _, session := range idle {
		snapshot := session.Snapshot()
		err := session.Close(ctx)
		r.observer.ObserveReap(ReapObservation{
			Identifier: snapshot.Identifier,
			Kind:       snapshot.Kind,
			IdleFor:    r.opts.Clock().Sub(snapshot.LastAccess),
			Closed:     err == nil,
		})
		if err != nil {
			r.logger.Warn("idle reap close failed", "provider", snapshot.Identifier, "error", err)
		} else {
			r.logger.Info("idle provider reaped",
				"provider", snapshot.Identifier,
				"idle_for", r.opts.Clock().Sub(snapshot.LastAccess).String(),
			)
		}
		reaped = append(reaped, snapshot)
	}
	return reaped
}
