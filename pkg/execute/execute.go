package execute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/velotest/velotest/pkg/models"
)

const (
	defaultReadyTimeout  = 30 * time.Second
	readyPollInterval    = 500 * time.Millisecond
	teardownGracePeriod  = 5 * time.Second
	defaultRunnerName    = "npx"
	defaultRunnerTimeout = 30 * time.Minute
)

// ExecutionError means the external runner could not be launched at all, or a
// started target application never became reachable.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute: %s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Coordinator drives the external test runner against a detected project,
// optionally booting the target application first.
type Coordinator struct {
	Logger        *slog.Logger
	ReadyTimeout  time.Duration
	RunnerTimeout time.Duration
	// RunnerName is the executable used to invoke the runner. Overridable for
	// tests; defaults to npx.
	RunnerName string

	httpClient *http.Client
}

// NewCoordinator creates a Coordinator with default timeouts.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		Logger:        logger,
		ReadyTimeout:  defaultReadyTimeout,
		RunnerTimeout: defaultRunnerTimeout,
		RunnerName:    defaultRunnerName,
		httpClient:    &http.Client{Timeout: 2 * time.Second},
	}
}

// Run executes the project's tests and returns a structured result set.
// If the context carries a start command, the target application is started
// and must become reachable before tests begin; the process is torn down on
// every exit path. A target app that exits before becoming ready yields a
// zero-total result set rather than an error, so callers always receive a
// structured result for transient boot failures.
func (c *Coordinator) Run(ctx context.Context, project *models.ProjectContext) (*models.TestResultSet, error) {
	logger := c.Logger.With(slog.String("project", project.ProjectName))

	if project.StartCommand != "" {
		app, err := c.startApp(ctx, project, logger)
		if err != nil {
			// Boot failure is transient: report an empty run, not a hard stop.
			logger.Warn("Target application failed to start", slog.String("error", err.Error()))
			return &models.TestResultSet{}, nil
		}
		defer app.stop(logger)

		if err := c.awaitReady(ctx, project.BaseURL, app); err != nil {
			if errors.Is(err, errAppExited) {
				logger.Warn("Target application exited before becoming ready")
				return &models.TestResultSet{}, nil
			}
			return nil, &ExecutionError{Op: "await readiness of " + project.BaseURL, Err: err}
		}
		logger.Info("Target application ready", slog.String("base_url", project.BaseURL))
	}

	return c.runTests(ctx, project, logger)
}

// appProcess is a started target application. Its stop method is safe to call
// on every exit path, including after the process already exited.
type appProcess struct {
	cmd  *exec.Cmd
	done chan struct{} // closed once the process has been reaped
}

var errAppExited = errors.New("target application exited")

func (c *Coordinator) startApp(ctx context.Context, project *models.ProjectContext, logger *slog.Logger) (*appProcess, error) {
	parts := strings.Fields(project.StartCommand)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty start command")
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Dir = project.ProjectPath
	// Own process group so teardown reaches any children the start script spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", project.StartCommand, err)
	}
	logger.Info("Target application started",
		slog.String("command", project.StartCommand),
		slog.Int("pid", cmd.Process.Pid),
	)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	return &appProcess{cmd: cmd, done: done}, nil
}

// stop terminates the application's process group, waiting briefly for a clean
// exit before escalating to SIGKILL.
func (p *appProcess) stop(logger *slog.Logger) {
	select {
	case <-p.done:
		return // already exited, nothing to release
	default:
	}

	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		logger.Warn("Failed to signal app process group, killing directly", slog.String("error", err.Error()))
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
	case <-time.After(teardownGracePeriod):
		logger.Warn("App did not exit after SIGTERM, escalating", slog.Int("pid", pid))
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-p.done
	}
	logger.Info("Target application stopped", slog.Int("pid", pid))
}

// awaitReady polls the base URL until it answers, the app exits, the timeout
// elapses or the context is cancelled.
func (c *Coordinator) awaitReady(ctx context.Context, baseURL string, app *appProcess) error {
	deadline := time.NewTimer(c.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			return nil // any HTTP answer counts as reachable
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-app.done:
			return errAppExited
		case <-deadline.C:
			return fmt.Errorf("not reachable within %s", c.ReadyTimeout)
		case <-ticker.C:
		}
	}
}

// runTests invokes the external runner and parses its JSON output. A runner
// that cannot be launched is fatal; a runner that exits non-zero because tests
// failed still produces a parseable result.
func (c *Coordinator) runTests(ctx context.Context, project *models.ProjectContext, logger *slog.Logger) (*models.TestResultSet, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.RunnerTimeout)
	defer cancel()

	args := []string{"playwright", "test", "--reporter=json"}
	args = append(args, project.TestDirs...)

	cmd := exec.CommandContext(runCtx, c.RunnerName, args...)
	cmd.Dir = project.ProjectPath
	cmd.Env = append(cmd.Environ(), "BASE_URL="+project.BaseURL)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Info("Invoking test runner",
		slog.String("runner", c.RunnerName),
		slog.Any("test_dirs", project.TestDirs),
	)
	runErr := cmd.Run()

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// Not an exit status: the runner binary itself could not be launched.
			return nil, &ExecutionError{Op: "launch runner " + c.RunnerName, Err: runErr}
		}
		if runCtx.Err() != nil {
			return nil, &ExecutionError{Op: "runner timed out", Err: runCtx.Err()}
		}
		// Non-zero exit with output is the normal "tests failed" path.
		logger.Info("Runner exited non-zero", slog.Int("exit_code", exitErr.ExitCode()))
	}

	results, err := ParseRunnerOutput(stdout.Bytes())
	if err != nil {
		if runErr != nil {
			return nil, &ExecutionError{Op: "runner produced no parseable output", Err: fmt.Errorf("%v (stderr: %s)", err, truncate(stderr.String(), 512))}
		}
		return nil, &ExecutionError{Op: "parse runner output", Err: err}
	}
	logger.Info("Test execution finished",
		slog.Int("total", results.Total),
		slog.Int("passed", results.Passed),
		slog.Int("failed", results.Failed),
		slog.Int("skipped", results.Skipped),
	)
	return results, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
