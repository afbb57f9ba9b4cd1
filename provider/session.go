package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mantleworks/toolgate/provider/mcp"
)

// State is a session lifecycle phase.
type State string

const (
	// StateDisconnected is the initial phase before Dial.
	StateDisconnected State = "disconnected"
	// StateConnecting covers transport construction and process spawn.
	StateConnecting State = "connecting"
	// StateHandshaking covers the initialize exchange and discovery.
	StateHandshaking State = "handshaking"
	// StateReady sessions accept invocations.
	StateReady State = "ready"
	// StateFailed sessions refused or lost their connection.
	StateFailed State = "failed"
	// StateClosing sessions are mid-teardown.
	StateClosing State = "closing"
	// StateClosed is terminal; no transition leaves it.
	StateClosed State = "closed"
)

// validTransitions encodes the session lifecycle. Closed has no exits.
var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateClosing},
	StateConnecting:   {StateHandshaking, StateFailed, StateClosing},
	StateHandshaking:  {StateReady, StateFailed, StateClosing},
	StateReady:        {StateFailed, StateClosing},
	StateFailed:       {StateClosing},
	StateClosing:      {StateClosed},
	StateClosed:       {},
}

// SessionOptions configures session construction.
type SessionOptions struct {
	// Logger receives session lifecycle events. Defaults to slog.Default.
	Logger *slog.Logger
	// Clock supplies the current time. Defaults to time.Now in UTC.
	Clock func() time.Time
	// InitializeTimeout, ListTimeout and CallTimeout override the wire
	// client's phase deadlines.
	InitializeTimeout time.Duration
	ListTimeout       time.Duration
	CallTimeout       time.Duration
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Session owns one provider connection from dial through teardown. A
// session is bound to a single normalized configuration; reconnecting means
// closing it and dialing a fresh one.
type Session struct {
	config *Config
	opts   SessionOptions
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	client     *mcp.Client
	transport  mcp.Transport
	tools      map[string]Descriptor
	serverInfo mcp.ServerInfo
	lastAccess time.Time
	busy       int
}

// NewSession builds an undailed session for config.
func NewSession(config *Config, opts SessionOptions) *Session {
	opts = opts.withDefaults()
	return &Session{
		config:     config,
		opts:       opts,
		logger:     opts.Logger.With("component", "session", "provider", config.Hash()),
		state:      StateDisconnected,
		lastAccess: opts.Clock(),
	}
}

// Identifier returns the configuration hash this session serves.
func (s *Session) Identifier() string {
	return s.config.Hash()
}

// Kind returns the transport kind of the dialed entry.
func (s *Session) Kind() TransportKind {
	return s.config.First().Server.Kind()
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tools returns the discovered capability descriptors.
func (s *Session) Tools() map[string]Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Descriptor, len(s.tools))
	for name, descriptor := range s.tools {
		out[name] = descriptor
	}
	return out
}

// Tool looks up one capability by name.
func (s *Session) Tool(name string) (Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	descriptor, ok := s.tools[name]
	return descriptor, ok
}

// LastAccess returns when the session last served an invocation, or its
// creation time if it never has.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// Touch refreshes the last-access timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccess = s.opts.Clock()
}

// Idle reports whether the session has been unused longer than threshold.
// A session with an invocation in flight is never idle.
func (s *Session) Idle(threshold time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy > 0 {
		return false
	}
	return s.opts.Clock().Sub(s.lastAccess) > threshold
}

// Dial connects to the provider, runs the handshake, and discovers its
// capabilities. On any failure the session lands in StateFailed with the
// transport torn down.
func (s *Session) Dial(ctx context.Context) error {
	if err := s.transition(StateConnecting); err != nil {
		return err
	}

	entry := s.config.First()
	transport, err := s.openTransport(entry.Server)
	if err != nil {
		s.fail()
		s.logger.Warn("provider connect failed", "server", entry.Name, "error", err)
		return err
	}

	client := mcp.NewClient(transport, mcp.Options{
		InitializeTimeout: s.opts.InitializeTimeout,
		ListTimeout:       s.opts.ListTimeout,
		CallTimeout:       s.opts.CallTimeout,
	})

	if err := s.transition(StateHandshaking); err != nil {
		_ = transport.Close(context.Background())
		return err
	}

	initResult, err := client.Initialize(ctx)
	if err != nil {
		s.fail()
		_ = transport.Close(context.Background())
		wrapped := classifyWireError("initialize", err)
		s.logger.Warn("provider handshake failed", "server", entry.Name, "error", wrapped)
		return wrapped
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		s.fail()
		_ = transport.Close(context.Background())
		wrapped := classifyWireError("tools/list", err)
		s.logger.Warn("provider discovery failed", "server", entry.Name, "error", wrapped)
		return wrapped
	}

	s.mu.Lock()
	s.client = client
	s.transport = transport
	s.tools = DescribeTools(tools)
	s.serverInfo = initResult.ServerInfo
	s.lastAccess = s.opts.Clock()
	s.mu.Unlock()

	if err := s.transition(StateReady); err != nil {
		return err
	}
	s.logger.Info("provider session ready",
		"server", entry.Name,
		"kind", string(entry.Server.Kind()),
		"tools", len(tools),
	)
	return nil
}

func (s *Session) openTransport(server ServerConfig) (mcp.Transport, error) {
	switch server.Kind() {
	case TransportHTTP:
		transport, err := mcp.NewHTTPTransport(mcp.HTTPTransportConfig{
			Endpoint: server.URL,
			Headers:  server.Headers,
		})
		if err != nil {
			return nil, newError(ErrorKindTransport, "open http transport", err)
		}
		return transport, nil
	case TransportStdio:
		command, args, err := resolveStdioCommand(server)
		if err != nil {
			return nil, err
		}
		transport, err := mcp.NewStdioTransport(mcp.StdioTransportConfig{
			Command: command,
			Args:    args,
			Env:     server.Env,
		})
		if err != nil {
			return nil, newError(ErrorKindTransport, fmt.Sprintf("spawn %q", command), err)
		}
		return transport, nil
	default:
		return nil, newError(ErrorKindInvalidConfig, fmt.Sprintf("unsupported server type %q", server.Type), nil)
	}
}

// Invoke forwards one tool call to the provider and returns its result
// verbatim. Only ready sessions accept invocations; a transport failure
// moves the session to StateFailed.
func (s *Session) Invoke(ctx context.Context, tool string, arguments map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return nil, newError(ErrorKindTransport, fmt.Sprintf("session is %s, not ready", state), nil)
	}
	client := s.client
	s.busy++
	s.lastAccess = s.opts.Clock()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.busy--
		s.mu.Unlock()
	}()

	result, err := client.CallToolRaw(ctx, tool, arguments)
	if err != nil {
		wrapped := s.classifyInvokeError(tool, err)
		if ErrorKind(wrapped) == ErrorKindTransport {
			s.fail()
		}
		return nil, wrapped
	}
	return result, nil
}

// classifyInvokeError maps a tools/call failure onto the taxonomy. A
// JSON-RPC error object means the provider executed and rejected the call.
func (s *Session) classifyInvokeError(tool string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorKindTimeout, fmt.Sprintf("tool %q timed out", tool), err)
	}
	if errors.Is(err, context.Canceled) {
		// The caller went away; the session itself is still usable.
		return newError(ErrorKindTimeout, fmt.Sprintf("tool %q canceled", tool), err)
	}
	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		return withErrorDetails(
			newError(ErrorKindInvocation, fmt.Sprintf("tool %q failed: %s", tool, rpcErr.Message), err),
			map[string]any{"code": rpcErr.Code},
		)
	}
	return newError(ErrorKindTransport, fmt.Sprintf("tool %q transport failed", tool), err)
}

// Close tears the session down. Teardown errors are returned but the
// session still ends in StateClosed so it can never be reused.
func (s *Session) Close(ctx context.Context) error {
	if err := s.transition(StateClosing); err != nil {
		return err
	}

	s.mu.Lock()
	transport := s.transport
	s.transport = nil
	s.client = nil
	s.mu.Unlock()

	var closeErr error
	if transport != nil {
		closeErr = transport.Close(ctx)
	}
	if err := s.transition(StateClosed); err != nil {
		return err
	}
	if closeErr != nil {
		s.logger.Warn("provider teardown failed", "error", closeErr)
		return newError(ErrorKindTransport, "close transport", closeErr)
	}
	s.logger.Info("provider session closed")
	return nil
}

// Snapshot captures health-relevant session facts at one instant.
type Snapshot struct {
	Identifier string
	State      State
	Kind       TransportKind
	ToolCount  int
	LastAccess time.Time
	ServerInfo mcp.ServerInfo
}

// Snapshot returns the session's current health facts.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Identifier: s.config.Hash(),
		State:      s.state,
		Kind:       s.config.First().Server.Kind(),
		ToolCount:  len(s.tools),
		LastAccess: s.lastAccess,
		ServerInfo: s.serverInfo,
	}
}

func (s *Session) fail() {
	_ = s.transition(StateFailed)
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.state
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	return newError(ErrorKindTransport, fmt.Sprintf("invalid session transition %s -> %s", from, to), nil)
}
