// Package testrun executes a test scope and returns a structured,
// classified result.
//
// Classification is derived from a fixed exit-status mapping and never
// inferred from output text. The runner tears down and restarts any
// stateful fixture before each invocation so results are not
// contaminated by prior iterations.
package testrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// Scope selects which slice of the suite to run.
type Scope string

const (
	// ScopeSmoke is the quick pre-gate slice.
	ScopeSmoke Scope = "smoke"

	// ScopeFull is the authoritative full suite.
	ScopeFull Scope = "full"
)

// Classification is the structured verdict of a test invocation.
type Classification string

const (
	// Success: the suite passed (exit 0).
	Success Classification = "success"

	// Failure: the suite failed (exit 1, or any other non-zero exit
	// that is not the timeout sentinel).
	Failure Classification = "failure"

	// Timeout: the suite did not terminate within its wall-clock
	// budget (exit 124 or context deadline).
	Timeout Classification = "timeout"

	// InfrastructureError: the test process could not run at all.
	// Fatal to the current orchestrator run, never retried.
	InfrastructureError Classification = "infrastructure_error"
)

// exitTimeout is the conventional exit status of timeout(1).
const exitTimeout = 124

// Classify maps a process exit status to a classification.
//
// The mapping is fixed and must not be overridden per call site:
// 0 is Success, 1 is Failure, 124 is Timeout, anything else is
// Failure. Start failures are classified InfrastructureError by the
// runner before an exit status exists.
func Classify(exitStatus int) Classification {
	switch exitStatus {
	case 0:
		return Success
	case exitTimeout:
		return Timeout
	default:
		return Failure
	}
}

// Result is the structured outcome of one test invocation.
type Result struct {
	Classification Classification `json:"classification"`

	// Output is stdout and stderr captured verbatim, for attachment
	// to defect comments.
	Output string `json:"output"`

	Duration time.Duration `json:"duration"`
}

// Runner executes a test scope.
type Runner interface {
	Run(ctx context.Context, scope Scope) (*Result, error)
}

// Fixture is a stateful dependency of the suite that must be torn down
// and restarted before every invocation.
type Fixture interface {
	Reset(ctx context.Context) error
}

// Command describes an external process to execute for a scope.
type Command struct {
	Name string   `koanf:"name"`
	Args []string `koanf:"args"`
	Dir  string   `koanf:"dir"`
}

// ErrUnknownScope indicates no command is configured for the scope.
var ErrUnknownScope = errors.New("no command configured for scope")

// ExecRunner runs test scopes as external processes.
type ExecRunner struct {
	commands map[Scope]Command
	fixture  Fixture
	timeout  time.Duration
	logger   *zap.Logger
}

// Option configures an ExecRunner.
type Option func(*ExecRunner)

// WithFixture attaches a fixture reset to every invocation.
func WithFixture(f Fixture) Option {
	return func(r *ExecRunner) { r.fixture = f }
}

// WithTimeout sets the hard wall-clock budget per invocation.
func WithTimeout(d time.Duration) Option {
	return func(r *ExecRunner) { r.timeout = d }
}

// NewExecRunner creates a runner for the given per-scope commands.
func NewExecRunner(commands map[Scope]Command, logger *zap.Logger, opts ...Option) *ExecRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ExecRunner{
		commands: commands,
		timeout:  10 * time.Minute,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the scope's command and classifies its exit status.
//
// The fixture (if any) is reset first; a reset failure is an
// InfrastructureError since the suite cannot be trusted against a
// contaminated environment. A context deadline expiry is classified
// Timeout, never Failure, and the process is forcibly terminated.
func (r *ExecRunner) Run(ctx context.Context, scope Scope) (*Result, error) {
	spec, ok := r.commands[scope]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScope, scope)
	}

	if r.fixture != nil {
		if err := r.fixture.Reset(ctx); err != nil {
			r.logger.Error("fixture reset failed",
				zap.String("scope", string(scope)),
				zap.Error(err))
			return &Result{
				Classification: InfrastructureError,
				Output:         fmt.Sprintf("fixture reset failed: %v", err),
			}, nil
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if r.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	// Give the process a short grace window after cancellation, then
	// SIGKILL so a hung suite cannot outlive its budget.
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		r.logger.Error("test process failed to start",
			zap.String("scope", string(scope)),
			zap.String("command", spec.Name),
			zap.Error(err))
		return &Result{
			Classification: InfrastructureError,
			Output:         fmt.Sprintf("failed to start %s: %v", spec.Name, err),
			Duration:       time.Since(start),
		}, nil
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	res := &Result{
		Output:   output.String(),
		Duration: duration,
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		// Wall-clock budget expired. Never reclassified as Failure.
		res.Classification = Timeout
	case waitErr == nil:
		res.Classification = Success
	default:
		res.Classification = Classify(cmd.ProcessState.ExitCode())
	}

	r.logger.Info("test run completed",
		zap.String("scope", string(scope)),
		zap.String("classification", string(res.Classification)),
		zap.Duration("duration", duration))

	return res, nil
}

// CommandFixture resets a fixture by running an external command, e.g.
// a compose restart script.
type CommandFixture struct {
	Command Command
}

// Reset runs the fixture command to completion.
func (f *CommandFixture) Reset(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, f.Command.Name, f.Command.Args...)
	cmd.Dir = f.Command.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("fixture command %s: %w (output: %s)", f.Command.Name, err, bytes.TrimSpace(out))
	}
	return nil
}
