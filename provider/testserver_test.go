package provider

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mantleworks/toolgate/provider/mcp"
)

// testProvider is an in-process HTTP tool provider speaking just enough of
// the wire protocol for session and registry tests.
type testProvider struct {
	server *httptest.Server

	initCount atomic.Int64
	callCount atomic.Int64

	failRequests atomic.Bool
	zeroTools    atomic.Bool
	lastCallArgs atomic.Value // map[string]any
}

func newTestProvider(t *testing.T) *testProvider {
	t.Helper()
	provider := &testProvider{}
	provider.server = httptest.NewServer(http.HandlerFunc(provider.handle))
	t.Cleanup(provider.server.Close)
	return provider
}

func (p *testProvider) URL() string {
	return p.server.URL
}

func (p *testProvider) config(t *testing.T) *Config {
	t.Helper()
	cfg, err := NewConfig("test", ServerConfig{Type: "http", URL: p.server.URL})
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	return cfg
}

func (p *testProvider) handle(w http.ResponseWriter, r *http.Request) {
	if p.failRequests.Load() {
		http.Error(w, "provider offline", http.StatusInternalServerError)
		return
	}

	var req mcp.Message
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	respond := func(result any) {
		raw, _ := json.Marshal(result)
		resp := mcp.Message{JSONRPC: "2.0", ID: req.ID, Result: raw}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
	respondError := func(code int, message string) {
		resp := mcp.Message{JSONRPC: "2.0", ID: req.ID, Error: &mcp.RPCError{Code: code, Message: message}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}

	switch req.Method {
	case mcp.MethodInitialize:
		p.initCount.Add(1)
		w.Header().Set("Mcp-Session-Id", "test-session")
		respond(mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			ServerInfo:      mcp.ServerInfo{Name: "test-provider", Version: "1.0.0"},
		})
	case mcp.MethodToolsList:
		if p.zeroTools.Load() {
			respond(mcp.ToolsListResult{Tools: []mcp.Tool{}})
			return
		}
		respond(mcp.ToolsListResult{
			Tools: []mcp.Tool{
				{
					Name:        "echo",
					Description: "Echo arguments back",
					InputSchema: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"message": map[string]any{"type": "string", "description": "Text to echo"},
							"count":   map[string]any{"type": "integer"},
						},
						"required": []any{"message"},
					},
				},
				{
					Name:        "no_params",
					Description: "Takes nothing",
					InputSchema: map[string]any{"type": "object"},
				},
			},
		})
	case mcp.MethodToolsCall:
		p.callCount.Add(1)
		var params mcp.ToolsCallParams
		_ = json.Unmarshal(req.Params, &params)
		if params.Arguments == nil {
			params.Arguments = map[string]any{}
		}
		p.lastCallArgs.Store(params.Arguments)
		if params.Name == "explode" {
			respondError(-32000, "tool exploded")
			return
		}
		respond(map[string]any{"args": params.Arguments, "tool": params.Name})
	default:
		respondError(mcp.CodeMethodNotFound, "method not found")
	}
}
