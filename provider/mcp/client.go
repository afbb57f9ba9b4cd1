package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Transport moves JSON-RPC envelopes between the client and a provider.
// Implementations are not required to be safe for concurrent use; Client
// serializes access so that at most one request is in flight at a time.
type Transport interface {
	// Send transmits a message to the provider.
	Send(ctx context.Context, message Message) error
	// Receive blocks until the next message arrives from the provider.
	Receive(ctx context.Context) (Message, error)
	// Close releases the transport and any resources it holds.
	Close(ctx context.Context) error
}

// Options configures a Client.
type Options struct {
	// ProtocolVersion to negotiate. Defaults to ProtocolVersion.
	ProtocolVersion string
	// ClientInfo identifies this client to the provider.
	ClientInfo ClientInfo
	// Capabilities advertised during initialize.
	Capabilities map[string]any

	// InitializeTimeout bounds the initialize round trip. Defaults to 10s.
	InitializeTimeout time.Duration
	// ListTimeout bounds the tools/list round trip. Defaults to 15s.
	ListTimeout time.Duration
	// CallTimeout bounds each tools/call round trip. Defaults to 30s.
	CallTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ProtocolVersion == "" {
		o.ProtocolVersion = ProtocolVersion
	}
	if o.ClientInfo.Name == "" {
		o.ClientInfo.Name = "toolgate"
	}
	if o.ClientInfo.Version == "" {
		o.ClientInfo.Version = "0.1.0"
	}
	if o.Capabilities == nil {
		o.Capabilities = map[string]any{"tools": map[string]any{}}
	}
	if o.InitializeTimeout <= 0 {
		o.InitializeTimeout = 10 * time.Second
	}
	if o.ListTimeout <= 0 {
		o.ListTimeout = 15 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	return o
}

// Client speaks the tool protocol over a Transport. All requests are
// serialized: a call does not begin until the previous call's response has
// been read, which keeps newline-framed stdio providers coherent.
type Client struct {
	transport Transport
	options   Options

	// callMu spans the full send+receive of one request so responses can
	// be matched to requests by arrival order as well as ID.
	callMu sync.Mutex

	mu          sync.Mutex
	nextID      int64
	initialized bool
	initResult  *InitializeResult
}

// NewClient wraps transport with the given options.
func NewClient(transport Transport, options Options) *Client {
	return &Client{
		transport: transport,
		options:   options.withDefaults(),
	}
}

// Initialize performs the protocol handshake: an initialize request followed
// by the notifications/initialized notification, which expects no reply.
// Calling Initialize again returns the cached result.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	c.mu.Lock()
	if c.initialized {
		result := c.initResult
		c.mu.Unlock()
		return result, nil
	}
	c.mu.Unlock()

	params := InitializeParams{
		ProtocolVersion: c.options.ProtocolVersion,
		Capabilities:    c.options.Capabilities,
		ClientInfo:      c.options.ClientInfo,
	}

	var result InitializeResult
	if err := c.call(ctx, MethodInitialize, c.options.InitializeTimeout, params, &result); err != nil {
		return nil, err
	}
	if err := c.notify(ctx, MethodInitialized, nil); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.initialized = true
	c.initResult = &result
	c.mu.Unlock()
	return &result, nil
}

// ListTools fetches the provider's capability inventory.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var result ToolsListResult
	if err := c.call(ctx, MethodToolsList, c.options.ListTimeout, nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes a named tool with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolsCallResult, error) {
	params := ToolsCallParams{Name: name, Arguments: arguments}
	var result ToolsCallResult
	if err := c.call(ctx, MethodToolsCall, c.options.CallTimeout, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CallToolRaw invokes a named tool and returns the result object verbatim,
// without imposing the content-block structure on it.
func (c *Client) CallToolRaw(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error) {
	params := ToolsCallParams{Name: name, Arguments: arguments}
	var result json.RawMessage
	if err := c.call(ctx, MethodToolsCall, c.options.CallTimeout, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Close releases the underlying transport.
func (c *Client) Close(ctx context.Context) error {
	return c.transport.Close(ctx)
}

func (c *Client) call(ctx context.Context, method string, timeout time.Duration, params, out any) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rawParams, err := marshalParams(params)
	if err != nil {
		return &RequestError{Method: method, Err: err}
	}

	id := c.nextRequestID()
	request := Message{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Method:  method,
		Params:  rawParams,
	}
	if err := c.transport.Send(ctx, request); err != nil {
		return &RequestError{Method: method, Err: err}
	}

	for {
		response, err := c.transport.Receive(ctx)
		if err != nil {
			return &RequestError{Method: method, Err: err}
		}
		// Providers may emit notifications or log messages between a
		// request and its response; skip anything not addressed to us.
		if response.ID == 0 || response.ID != id {
			continue
		}
		if response.JSONRPC != jsonRPCVersion {
			return &RequestError{Method: method, Err: fmt.Errorf("unexpected jsonrpc version %q", response.JSONRPC)}
		}
		if response.Error != nil {
			return &RequestError{Method: method, Err: response.Error}
		}
		if out != nil && len(response.Result) > 0 {
			if err := json.Unmarshal(response.Result, out); err != nil {
				return &RequestError{Method: method, Err: fmt.Errorf("decode result: %w", err)}
			}
		}
		return nil
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	rawParams, err := marshalParams(params)
	if err != nil {
		return &RequestError{Method: method, Err: err}
	}
	notification := Message{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  rawParams,
	}
	if err := c.transport.Send(ctx, notification); err != nil {
		return &RequestError{Method: method, Err: err}
	}
	return nil
}

func (c *Client) nextRequestID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return raw, nil
}
