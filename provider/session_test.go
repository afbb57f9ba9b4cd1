package provider

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSessionDialAndInvoke(t *testing.T) {
	provider := newTestProvider(t)
	session := NewSession(provider.config(t), SessionOptions{})

	if err := session.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if got := session.State(); got != StateReady {
		t.Fatalf("State() = %q, want %q", got, StateReady)
	}
	tools := session.Tools()
	if len(tools) != 2 {
		t.Fatalf("len(Tools()) = %d, want 2", len(tools))
	}
	if _, ok := session.Tool("echo"); !ok {
		t.Fatal("Tool(echo) not found")
	}

	raw, err := session.Invoke(context.Background(), "echo", map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("Unmarshal(result) error = %v", err)
	}
	if result["tool"] != "echo" {
		t.Fatalf("result.tool = %v, want echo", result["tool"])
	}
	args, _ := result["args"].(map[string]any)
	if args["message"] != "hi" {
		t.Fatalf("result.args.message = %v, want hi", args["message"])
	}

	if err := session.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestSessionInvokeBeforeDial(t *testing.T) {
	provider := newTestProvider(t)
	session := NewSession(provider.config(t), SessionOptions{})

	_, err := session.Invoke(context.Background(), "echo", nil)
	if err == nil {
		t.Fatal("Invoke() error = nil, want not-ready error")
	}
	if ErrorKind(err) != ErrorKindTransport {
		t.Fatalf("error kind = %q, want %s", ErrorKind(err), ErrorKindTransport)
	}
	if !strings.Contains(err.Error(), "not ready") {
		t.Fatalf("error = %v, want not-ready message", err)
	}
}

func TestSessionDialFailureLandsInFailed(t *testing.T) {
	provider := newTestProvider(t)
	provider.failRequests.Store(true)
	session := NewSession(provider.config(t), SessionOptions{})

	err := session.Dial(context.Background())
	if err == nil {
		t.Fatal("Dial() error = nil, want transport failure")
	}
	if ErrorKind(err) != ErrorKindTransport {
		t.Fatalf("error kind = %q, want %s", ErrorKind(err), ErrorKindTransport)
	}
	if got := session.State(); got != StateFailed {
		t.Fatalf("State() = %q, want %q", got, StateFailed)
	}
}

func TestSessionInvocationErrorKeepsSessionReady(t *testing.T) {
	provider := newTestProvider(t)
	session := NewSession(provider.config(t), SessionOptions{})
	if err := session.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	_, err := session.Invoke(context.Background(), "explode", map[string]any{})
	if err == nil {
		t.Fatal("Invoke(explode) error = nil, want invocation error")
	}
	if ErrorKind(err) != ErrorKindInvocation {
		t.Fatalf("error kind = %q, want %s", ErrorKind(err), ErrorKindInvocation)
	}
	if !strings.Contains(err.Error(), "tool exploded") {
		t.Fatalf("error = %v, want provider message included", err)
	}
	if got := session.State(); got != StateReady {
		t.Fatalf("State() after invocation error = %q, want %q", got, StateReady)
	}
}

func TestSessionCloseIsTerminal(t *testing.T) {
	provider := newTestProvider(t)
	session := NewSession(provider.config(t), SessionOptions{})
	if err := session.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if err := session.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := session.State(); got != StateClosed {
		t.Fatalf("State() = %q, want %q", got, StateClosed)
	}
	if err := session.Close(context.Background()); err == nil {
		t.Fatal("second Close() error = nil, want invalid transition")
	}
	if _, err := session.Invoke(context.Background(), "echo", nil); err == nil {
		t.Fatal("Invoke() after Close error = nil, want not-ready error")
	}
	if err := session.Dial(context.Background()); err == nil {
		t.Fatal("Dial() after Close error = nil, want invalid transition")
	}
}

func TestSessionIdle(t *testing.T) {
	clock := newFakeClock()
	provider := newTestProvider(t)
	session := NewSession(provider.config(t), SessionOptions{Clock: clock.Now})
	if err := session.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if session.Idle(30 * time.Minute) {
		t.Fatal("fresh session reported idle")
	}
	clock.Advance(31 * time.Minute)
	if !session.Idle(30 * time.Minute) {
		t.Fatal("aged session not reported idle")
	}

	if _, err := session.Invoke(context.Background(), "echo", map[string]any{"message": "x"}); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if session.Idle(30 * time.Minute) {
		t.Fatal("session idle right after invocation")
	}
	if got := session.LastAccess(); !got.Equal(clock.Now()) {
		t.Fatalf("LastAccess() = %v, want %v", got, clock.Now())
	}
}
