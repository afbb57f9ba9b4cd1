package mcp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// sessionHeader is the header HTTP providers use to carry the session token
// assigned during initialize.
const sessionHeader = "Mcp-Session-Id"

// HTTPTransportConfig configures an HTTPTransport.
type HTTPTransportConfig struct {
	// Endpoint is the provider URL every request is POSTed to.
	Endpoint string
	// Headers are added to every request, e.g. Authorization.
	Headers map[string]string
	// Client overrides the default pooled HTTP client.
	Client *http.Client
}

// HTTPTransport implements Transport over request/response HTTP. Each
// envelope is POSTed to the endpoint; the response body carries the reply.
// The session token returned by initialize is replayed on every subsequent
// request so the provider can route to the right session.
type HTTPTransport struct {
	mu        sync.Mutex
	cfg       HTTPTransportConfig
	client    *http.Client
	sessionID string
	recvCh    chan Message
	closed    bool
}

// NewHTTPTransport returns a transport POSTing to cfg.Endpoint.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("mcp: http transport requires an endpoint")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			},
		}
	}
	return &HTTPTransport{
		cfg:    cfg,
		client: client,
		recvCh: make(chan Message, 64),
	}, nil
}

// Send POSTs the message to the provider endpoint and queues the decoded
// response, if any, for Receive. Notifications typically return an empty
// body, which is not an error.
func (t *HTTPTransport) Send(ctx context.Context, message Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("mcp: http transport is closed")
	}
	sessionID := t.sessionID
	t.mu.Unlock()

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("mcp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for key, value := range t.cfg.Headers {
		req.Header.Set(key, value)
	}
	if sessionID != "" && message.Method != MethodInitialize {
		req.Header.Set(sessionHeader, sessionID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("mcp: post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("mcp: provider returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mcp: read response: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		// Notifications are acknowledged with an empty body.
		return nil
	}

	var response Message
	if err := json.Unmarshal(decodeEventBody(body), &response); err != nil {
		return fmt.Errorf("mcp: decode response: %w", err)
	}

	if message.Method == MethodInitialize {
		t.captureSession(resp.Header, response, message.ID)
	}

	select {
	case t.recvCh <- response:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Receive returns the next queued response.
func (t *HTTPTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case message := <-t.recvCh:
		return message, nil
	}
}

// Close marks the transport closed and releases idle connections.
func (t *HTTPTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.cfg.Client == nil {
		t.client.CloseIdleConnections()
	}
	return nil
}

// SessionID returns the provider-assigned session token, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// captureSession records the session token for subsequent requests. The
// token comes from the Mcp-Session-Id response header when present, then
// from the initialize result body, then falls back to the request ID.
func (t *HTTPTransport) captureSession(header http.Header, response Message, requestID int64) {
	sessionID := header.Get(sessionHeader)
	if sessionID == "" && len(response.Result) > 0 {
		var result InitializeResult
		if err := json.Unmarshal(response.Result, &result); err == nil {
			sessionID = result.SessionID
		}
	}
	if sessionID == "" {
		sessionID = strconv.FormatInt(requestID, 10)
	}
	t.mu.Lock()
	t.sessionID = sessionID
	t.mu.Unlock()
}

// decodeEventBody unwraps a single-event SSE body to its data payload.
// Providers that answer with Content-Type text/event-stream frame the JSON
// response as "data: {...}" lines.
func decodeEventBody(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if !bytes.HasPrefix(trimmed, []byte("event:")) && !bytes.HasPrefix(trimmed, []byte("data:")) {
		return trimmed
	}
	for _, line := range bytes.Split(trimmed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			return bytes.TrimSpace(rest)
		}
	}
	return trimmed
}
