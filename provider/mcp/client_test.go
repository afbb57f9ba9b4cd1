package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockTransport struct {
	mu            sync.Mutex
	closed        bool
	sendErr       error
	receiveErr    error
	responses     []Message
	notifications []Message
	lastRequests  []Message
	handler       func(req Message) Message
}

func (m *mockTransport) Send(ctx context.Context, message Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}
	if message.Method != "" && message.ID == 0 {
		m.notifications = append(m.notifications, message)
		return nil
	}

	m.lastRequests = append(m.lastRequests, message)
	if m.handler != nil {
		m.responses = append(m.responses, m.handler(message))
	}
	return nil
}

func (m *mockTransport) Receive(ctx context.Context) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.receiveErr != nil {
		return Message{}, m.receiveErr
	}
	if len(m.responses) == 0 {
		return Message{}, errors.New("mock transport: no queued responses")
	}
	response := m.responses[0]
	m.responses = m.responses[1:]
	return response, nil
}

func (m *mockTransport) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestClientInitialize(t *testing.T) {
	transport := &mockTransport{
		handler: func(req Message) Message {
			if req.Method != MethodInitialize {
				return Message{
					JSONRPC: jsonRPCVersion,
					ID:      req.ID,
					Error: &RPCError{
						Code:    CodeMethodNotFound,
						Message: "method not found",
					},
				}
			}
			params := decodeParams(t, req.Params)
			if params["protocolVersion"] != ProtocolVersion {
				t.Fatalf("protocolVersion = %v, want %s", params["protocolVersion"], ProtocolVersion)
			}
			clientInfo, _ := params["clientInfo"].(map[string]any)
			if clientInfo["name"] != "toolgate" {
				t.Fatalf("clientInfo.name = %v, want toolgate", clientInfo["name"])
			}

			result := InitializeResult{
				ProtocolVersion: ProtocolVersion,
				Capabilities: map[string]any{
					"tools": map[string]any{},
				},
				ServerInfo: ServerInfo{
					Name:    "mock-provider",
					Version: "1.0.0",
				},
			}
			return Message{
				JSONRPC: jsonRPCVersion,
				ID:      req.ID,
				Result:  mustJSON(t, result),
			}
		},
	}

	client := NewClient(transport, Options{})

	result, err := client.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if result.ServerInfo.Name != "mock-provider" {
		t.Fatalf("ServerInfo.Name = %q, want mock-provider", result.ServerInfo.Name)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.notifications) != 1 {
		t.Fatalf("notifications sent = %d, want 1", len(transport.notifications))
	}
	if transport.notifications[0].Method != MethodInitialized {
		t.Fatalf("notification method = %q, want %s", transport.notifications[0].Method, MethodInitialized)
	}
	if transport.notifications[0].ID != 0 {
		t.Fatalf("notification id = %d, want 0", transport.notifications[0].ID)
	}
}

func TestClientInitializeIsIdempotent(t *testing.T) {
	callCount := 0
	transport := &mockTransport{
		handler: func(req Message) Message {
			callCount++
			result := InitializeResult{
				ProtocolVersion: ProtocolVersion,
				ServerInfo: ServerInfo{
					Name: "mock-provider",
				},
			}
			return Message{
				JSONRPC: jsonRPCVersion,
				ID:      req.ID,
				Result:  mustJSON(t, result),
			}
		},
	}

	client := NewClient(transport, Options{})

	first, err := client.Initialize(context.Background())
	if err != nil {
		t.Fatalf("first Initialize() error = %v", err)
	}
	second, err := client.Initialize(context.Background())
	if err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	if first.ServerInfo.Name != second.ServerInfo.Name {
		t.Fatalf("cached initialize result mismatch: first=%q second=%q", first.ServerInfo.Name, second.ServerInfo.Name)
	}
	if callCount != 1 {
		t.Fatalf("initialize call count = %d, want 1", callCount)
	}
}

func TestClientListTools(t *testing.T) {
	transport := &mockTransport{
		handler: func(req Message) Message {
			if req.Method != MethodToolsList {
				return Message{
					JSONRPC: jsonRPCVersion,
					ID:      req.ID,
					Error: &RPCError{
						Code:    CodeMethodNotFound,
						Message: "method not found",
					},
				}
			}
			result := ToolsListResult{
				Tools: []Tool{
					{
						Name:        "search_docs",
						Description: "Search indexed documents",
						InputSchema: map[string]any{
							"type": "object",
						},
					},
				},
			}
			return Message{
				JSONRPC: jsonRPCVersion,
				ID:      req.ID,
				Result:  mustJSON(t, result),
			}
		},
	}

	client := NewClient(transport, Options{})
	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("len(tools) = %d, want 1", len(tools))
	}
	if tools[0].Name != "search_docs" {
		t.Fatalf("tool name = %q, want search_docs", tools[0].Name)
	}
}

func TestClientCallTool(t *testing.T) {
	transport := &mockTransport{
		handler: func(req Message) Message {
			if req.Method != MethodToolsCall {
				return Message{
					JSONRPC: jsonRPCVersion,
					ID:      req.ID,
					Error: &RPCError{
						Code:    CodeMethodNotFound,
						Message: "method not found",
					},
				}
			}
			params := decodeParams(t, req.Params)
			if params["name"] != "search_docs" {
				t.Fatalf("params.name = %v, want search_docs", params["name"])
			}

			result := ToolsCallResult{
				Content: []ContentBlock{
					{
						Type: "text",
						Text: `{"hits":["a.md","b.md"],"count":2}`,
					},
				},
			}
			return Message{
				JSONRPC: jsonRPCVersion,
				ID:      req.ID,
				Result:  mustJSON(t, result),
			}
		},
	}

	client := NewClient(transport, Options{})
	result, err := client.CallTool(context.Background(), "search_docs", map[string]any{
		"query": "reaper",
	})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("len(Content) = %d, want 1", len(result.Content))
	}
	if result.Content[0].Type != "text" {
		t.Fatalf("content type = %q, want text", result.Content[0].Type)
	}
}

func TestClientSkipsUnrelatedMessages(t *testing.T) {
	transport := &mockTransport{
		handler: func(req Message) Message {
			return Message{
				JSONRPC: jsonRPCVersion,
				ID:      req.ID,
				Result:  mustJSON(t, ToolsListResult{Tools: []Tool{{Name: "ping"}}}),
			}
		},
	}
	// Queue chatter ahead of the real response: a server notification and
	// a stale response for a different request ID.
	transport.responses = append(transport.responses,
		Message{JSONRPC: jsonRPCVersion, Method: "notifications/progress"},
		Message{JSONRPC: jsonRPCVersion, ID: 99, Result: mustJSON(t, map[string]any{"stale": true})},
	)

	client := NewClient(transport, Options{})
	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "ping" {
		t.Fatalf("tools = %+v, want the ping tool", tools)
	}
}

func TestClientRPCError(t *testing.T) {
	transport := &mockTransport{
		handler: func(req Message) Message {
			return Message{
				JSONRPC: jsonRPCVersion,
				ID:      req.ID,
				Error: &RPCError{
					Code:    -32001,
					Message: "server failure",
				},
			}
		},
	}

	client := NewClient(transport, Options{})
	_, err := client.ListTools(context.Background())
	if err == nil {
		t.Fatal("ListTools() error = nil, want non-nil")
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("error type = %T, want *RequestError", err)
	}
	if reqErr.Method != MethodToolsList {
		t.Fatalf("request error method = %q, want %s", reqErr.Method, MethodToolsList)
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error does not wrap *RPCError: %v", err)
	}
	if rpcErr.Code != -32001 {
		t.Fatalf("rpc error code = %d, want -32001", rpcErr.Code)
	}
}

func TestClientCallTimeout(t *testing.T) {
	client := NewClient(&stalledTransport{}, Options{
		CallTimeout: 20 * time.Millisecond,
	})
	_, err := client.CallTool(context.Background(), "slow_tool", nil)
	if err == nil {
		t.Fatal("CallTool() error = nil, want deadline error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
}

func TestClientClose(t *testing.T) {
	transport := &mockTransport{}
	client := NewClient(transport, Options{})
	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if !transport.closed {
		t.Fatal("transport.closed = false, want true")
	}
	if len(transport.notifications) != 0 {
		t.Fatalf("notifications on close = %d, want 0", len(transport.notifications))
	}
}

// stalledTransport accepts sends but never produces a response.
type stalledTransport struct{}

func (s *stalledTransport) Send(ctx context.Context, message Message) error {
	return nil
}

func (s *stalledTransport) Receive(ctx context.Context) (Message, error) {
	<-ctx.Done()
	return Message{}, ctx.Err()
}

func (s *stalledTransport) Close(ctx context.Context) error {
	return nil
}

func mustJSON(t *testing.T, value any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return data
}

func decodeParams(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return obj
}
