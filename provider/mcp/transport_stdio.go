package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"
)

const (
	// maxLineBytes caps a single response line from the provider.
	maxLineBytes = 1 << 20
	// stderrCap bounds how much provider stderr is retained for errors.
	stderrCap = 64 << 10

	// stdinCloseWait is how long to wait for a clean exit after closing
	// the provider's stdin before escalating to SIGTERM.
	stdinCloseWait = 3 * time.Second
	// termWait is how long to wait after SIGTERM before SIGKILL.
	termWait = 2 * time.Second
)

// StdioTransportConfig configures a StdioTransport.
type StdioTransportConfig struct {
	// Command is the provider executable to spawn.
	Command string
	// Args are passed to the command.
	Args []string
	// Env entries are merged over the parent environment.
	Env map[string]string
}

// StdioTransport implements Transport over a spawned subprocess. Requests
// are written to the child's stdin as newline-delimited JSON and responses
// are read one per line from its stdout. Stderr is retained (bounded) so
// startup failures can name their cause.
type StdioTransport struct {
	mu     sync.Mutex
	cfg    StdioTransportConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	recvCh chan Message
	errCh  chan error
	waitCh chan struct{}
	closed bool

	stderrMu sync.Mutex
	stderr   []byte
}

// NewStdioTransport spawns the configured command and begins reading its
// stdout. The process lives until Close is called.
func NewStdioTransport(cfg StdioTransportConfig) (*StdioTransport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp: stdio transport requires a command")
	}
	t := &StdioTransport{
		cfg:    cfg,
		recvCh: make(chan Message, 64),
		errCh:  make(chan error, 1),
		waitCh: make(chan struct{}),
	}
	if err := t.start(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *StdioTransport) start() error {
	// #nosec G204 -- the command comes from operator-supplied provider
	// configuration, which is the point of this transport.
	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = append(os.Environ(), flattenEnv(t.cfg.Env)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("mcp: open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("mcp: open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("mcp: open stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("mcp: start %q: %w", t.cfg.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	go t.readLoop(stdout)
	go t.waitLoop(stderr)
	return nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var message Message
		if err := json.Unmarshal(line, &message); err != nil {
			t.sendErr(fmt.Errorf("mcp: decode provider output: %w", err))
			return
		}
		select {
		case t.recvCh <- message:
		default:
			t.sendErr(fmt.Errorf("mcp: receive queue is full"))
			return
		}
	}
	if err := scanner.Err(); err != nil {
		t.sendErr(fmt.Errorf("mcp: read provider output: %w", err))
	}
}

func (t *StdioTransport) waitLoop(stderr io.Reader) {
	t.drainStderr(stderr)
	err := t.cmd.Wait()
	close(t.waitCh)

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	if err == nil {
		err = fmt.Errorf("process exited")
	}
	if tail := t.stderrTail(); tail != "" {
		t.sendErr(fmt.Errorf("mcp: provider exited: %v: %s", err, tail))
		return
	}
	t.sendErr(fmt.Errorf("mcp: provider exited: %v", err))
}

// drainStderr keeps the most recent stderrCap bytes of provider stderr.
func (t *StdioTransport) drainStderr(stderr io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			t.stderrMu.Lock()
			t.stderr = append(t.stderr, buf[:n]...)
			if len(t.stderr) > stderrCap {
				t.stderr = t.stderr[len(t.stderr)-stderrCap:]
			}
			t.stderrMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (t *StdioTransport) stderrTail() string {
	t.stderrMu.Lock()
	defer t.stderrMu.Unlock()
	tail := bytes.TrimSpace(t.stderr)
	const max = 512
	if len(tail) > max {
		tail = tail[len(tail)-max:]
	}
	return string(tail)
}

// Send writes one newline-terminated envelope to the provider's stdin.
func (t *StdioTransport) Send(ctx context.Context, message Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("mcp: stdio transport is closed")
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode message: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := t.stdin.Write(payload); err != nil {
		return fmt.Errorf("mcp: write to provider: %w", err)
	}
	return nil
}

// Receive returns the next message read from the provider's stdout.
func (t *StdioTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case err := <-t.errCh:
		return Message{}, err
	case message := <-t.recvCh:
		return message, nil
	}
}

// Close shuts the provider down in escalating stages: close stdin and wait
// for a clean exit, then SIGTERM, then SIGKILL. The subprocess is always
// reaped before Close returns unless ctx expires first.
func (t *StdioTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stdin := t.stdin
	cmd := t.cmd
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if t.awaitExit(ctx, stdinCloseWait) {
		return nil
	}
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	if t.awaitExit(ctx, termWait) {
		return nil
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-t.waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *StdioTransport) awaitExit(ctx context.Context, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-t.waitCh:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (t *StdioTransport) sendErr(err error) {
	select {
	case t.errCh <- err:
	default:
	}
}

// flattenEnv renders the env map as KEY=VALUE pairs in sorted key order.
func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+env[key])
	}
	return pairs
}
