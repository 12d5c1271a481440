package multipass

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"vmgate/core/domain"
)

const (
	// DefaultBinary is looked up on PATH
	DefaultBinary = "multipass"
	// DefaultTimeout is the ceiling for lifecycle operations
	DefaultTimeout = 5 * time.Minute

	// NotFoundMessage is reported when the binary cannot be executed
	NotFoundMessage = "multipass command not found. Is multipass installed?"
)

// Runner executes one multipass invocation. Implementations never return
// a Go error; every failure is folded into the result.
type Runner interface {
	Run(ctx context.Context, args ...string) domain.CommandResult
}

// ShellFactory builds the interactive shell process for a VM
type ShellFactory interface {
	ShellCommand(vm string) *exec.Cmd
}

// Observer is notified after each invocation, e.g. to record metrics
type Observer func(command string, result domain.CommandResult, elapsed time.Duration)

// Client runs the multipass binary as a subprocess. It is the only place
// lifecycle commands are executed.
type Client struct {
	binary   string
	timeout  time.Duration
	observer Observer
}

// Option configures a Client
type Option func(*Client)

// WithBinary overrides the executable path
func WithBinary(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.binary = path
		}
	}
}

// WithTimeout overrides the per-invocation ceiling
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithObserver registers a callback invoked after every command
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// NewClient creates a multipass client
func NewClient(opts ...Option) *Client {
	c := &Client{
		binary:  DefaultBinary,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout returns the configured ceiling
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Run executes multipass with args and waits up to the configured ceiling.
func (c *Client) Run(ctx context.Context, args ...string) domain.CommandResult {
	return c.RunWithTimeout(ctx, c.timeout, args...)
}

// RunWithTimeout is Run with an explicit ceiling, capped at the client's own.
func (c *Client) RunWithTimeout(ctx context.Context, timeout time.Duration, args ...string) domain.CommandResult {
	if timeout <= 0 || timeout > c.timeout {
		timeout = c.timeout
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, c.binary, args...)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().
		Str("binary", c.binary).
		Strs("args", args).
		Msg("Executing multipass command")

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := classify(timeoutCtx, err, timeout, stdout.String(), stderr.String())

	ev := log.Debug()
	if !result.Success {
		ev = log.Warn().Str("kind", string(result.Kind)).Str("error", result.Error)
	}
	ev.Strs("args", args).Dur("duration", elapsed).Msg("multipass command finished")

	if c.observer != nil {
		c.observer(commandName(args), result, elapsed)
	}
	return result
}

func classify(ctx context.Context, err error, timeout time.Duration, stdout, stderr string) domain.CommandResult {
	if err == nil {
		return domain.CommandResult{Success: true, Output: stdout}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.Failed(domain.KindTimeout, fmt.Sprintf("command timed out after %s", timeout))
	}

	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return domain.Failed(domain.KindToolMissing, NotFoundMessage)
	}

	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = err.Error()
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		msg = "command cancelled: " + msg
	}
	res := domain.Failed(domain.KindToolError, msg)
	res.Output = stdout
	return res
}

// ShellCommand returns an unstarted `multipass shell <vm>` process.
func (c *Client) ShellCommand(vm string) *exec.Cmd {
	return exec.Command(c.binary, "shell", vm)
}

// Available reports whether the binary can be resolved.
func (c *Client) Available() bool {
	_, err := exec.LookPath(c.binary)
	return err == nil
}

func commandName(args []string) string {
	if len(args) == 0 {
		return "none"
	}
	return args[0]
}
