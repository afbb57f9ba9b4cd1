package toolset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"time"

	"golang.org/x/time/rate"

	"github.com/mantleworks/toolgate/provider"
)

const (
	defaultInterpreterTimeout = 30 * time.Second
	interpreterRateBurst      = 4
)

type interpreterConfig struct {
	Command []string
	Timeout time.Duration
	Logger  *slog.Logger
}

// interpreter runs submitted code in a subprocess. Executions are rate
// limited to one per second with a small burst.
type interpreter struct {
	command []string
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newInterpreter(cfg interpreterConfig) *interpreter {
	command := cfg.Command
	if len(command) == 0 {
		command = []string{"python3"}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultInterpreterTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &interpreter{
		command: command,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(1), interpreterRateBurst),
		logger:  logger.With("component", "interpreter"),
	}
}

// interpreterResult reports one code execution.
type interpreterResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// Run writes code to a temp file and executes it with the configured
// command, capturing stdout and stderr.
func (i *interpreter) Run(ctx context.Context, code string, timeout time.Duration) interpreterResult {
	if timeout <= 0 {
		timeout = i.timeout
	}

	file, err := os.CreateTemp("", "toolgate-*.py")
	if err != nil {
		return interpreterResult{ExitCode: -1, Error: fmt.Sprintf("create temp file: %v", err)}
	}
	path := file.Name()
	defer os.Remove(path)

	if _, err := file.WriteString(code); err != nil {
		file.Close()
		return interpreterResult{ExitCode: -1, Error: fmt.Sprintf("write temp file: %v", err)}
	}
	if err := file.Close(); err != nil {
		return interpreterResult{ExitCode: -1, Error: fmt.Sprintf("write temp file: %v", err)}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, i.command[1:]...), path)
	cmd := exec.CommandContext(runCtx, i.command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// A grandchild keeping the output pipes open must not stall Run past
	// the deadline.
	cmd.WaitDelay = time.Second

	err = cmd.Run()
	result := interpreterResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.ExitCode = -1
		result.Error = fmt.Sprintf("execution timed out after %s", timeout)
	case err == nil:
		result.Success = true
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Error = err.Error()
		}
	}

	i.logger.Debug("code executed",
		"exit_code", result.ExitCode,
		"success", result.Success,
	)
	return result
}

// interpreterRequest is the body of POST /interpreter.
type interpreterRequest struct {
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func (t *Toolset) handleInterpreter(w http.ResponseWriter, r *http.Request) {
	if !t.interp.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "interpreter is rate limited, retry later", nil)
		return
	}

	var req interpreterRequest
	if err := decodeJSONBody(r, &req); err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusUnprocessableEntity, provider.ErrorKindInvalidArguments, "code is required", nil)
		return
	}

	result := t.interp.Run(r.Context(), req.Code, time.Duration(req.TimeoutSeconds)*time.Second)
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}
