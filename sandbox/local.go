package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/nbharvest/envcache"
	"github.com/isdmx/nbharvest/unit"
)

// DefaultWaitDelay bounds how long output pipes are drained after the process is killed
const DefaultWaitDelay = 2 * time.Second

// Config holds configuration for the local executor
type Config struct {
	LogDir    string
	TailBytes int
	Command   []string
	WaitDelay time.Duration
}

// LocalExecutor implements Executor with host subprocesses. Isolation is at
// the dependency and working-directory level only.
type LocalExecutor struct {
	logger *zap.Logger
	config *Config
	now    func() time.Time
}

// LocalExecutorOption defines a functional option for LocalExecutor
type LocalExecutorOption func(*LocalExecutor)

// WithLocalClock sets the time source used for elapsed time
func WithLocalClock(now func() time.Time) LocalExecutorOption {
	return func(l *LocalExecutor) {
		l.now = now
	}
}

// NewLocalExecutor creates a new LocalExecutor
func NewLocalExecutor(logger *zap.Logger, config *Config, opts ...LocalExecutorOption) *LocalExecutor {
	if config.WaitDelay <= 0 {
		config.WaitDelay = DefaultWaitDelay
	}

	executor := &LocalExecutor{
		logger: logger.With(zap.String("component", "runner")),
		config: config,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(executor)
	}

	return executor
}

// Execute runs u with env's interpreter under a hard timeout
func (l *LocalExecutor) Execute(ctx context.Context, u unit.Unit, env *envcache.Handle, timeout time.Duration) (Result, error) {
	started := l.now()
	result := Result{
		LogPath:    filepath.Join(l.config.LogDir, LogFileName(u)),
		OutputPath: filepath.Join(l.config.LogDir, OutputFileName(u)),
	}

	internal := func(err error) (Result, error) {
		result.Kind = KindInternalError
		result.ExitCode = NoExitStatus
		result.Message = Head(err.Error(), l.config.TailBytes)
		result.ErrorType = KindInternalError.ErrorType()
		result.Elapsed = l.now().Sub(started)
		l.logger.Error("runner failed to manage unit", zap.String("unit", u.Key()), zap.Error(err))
		return result, nil
	}

	if env == nil {
		return internal(fmt.Errorf("no environment for unit %s", u.Key()))
	}

	body := u.BodyPath()
	if _, err := os.Stat(body); err != nil {
		return internal(fmt.Errorf("unit body unavailable: %w", err))
	}

	if err := os.MkdirAll(l.config.LogDir, DirPermission); err != nil {
		return internal(fmt.Errorf("failed to create log dir: %w", err))
	}

	args, err := ExpandCommand(l.config.Command, CommandVars(u, env, result.OutputPath))
	if err != nil {
		return internal(fmt.Errorf("failed to build command: %w", err))
	}

	logFile, err := os.OpenFile(result.LogPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, FilePermission)
	if err != nil {
		return internal(fmt.Errorf("failed to create log file: %w", err))
	}
	defer func() {
		if closeErr := logFile.Close(); closeErr != nil {
			l.logger.Warn("failed to close log file", zap.String("path", result.LogPath), zap.Error(closeErr))
		}
	}()

	tail := newTailBuffer(l.config.TailBytes)
	output := io.MultiWriter(logFile, tail)

	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctxWithTimeout, args[0], args[1:]...) //nolint:gosec // running untrusted units is the purpose of this executor
	cmd.Dir = filepath.Dir(body)
	cmd.Env = EnvironmentVariables(env)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = l.config.WaitDelay
	configureProcessGroup(cmd)

	l.logger.Debug("starting unit",
		zap.String("unit", u.Key()),
		zap.String("env_key", env.Key),
		zap.Strings("args", args),
		zap.Duration("timeout", timeout))

	runErr := cmd.Run()
	result.Elapsed = l.now().Sub(started)

	// Interrupted by the caller: the partial result is discarded.
	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("execution of %s interrupted: %w", u.Key(), ctx.Err())
	}

	obs := Observation{
		TimedOut: errors.Is(ctxWithTimeout.Err(), context.DeadlineExceeded),
		ExitCode: 0,
	}

	if runErr != nil {
		var exitError *exec.ExitError
		switch {
		case errors.As(runErr, &exitError):
			obs.ExitCode = exitStatus(exitError.ProcessState)
		case errors.Is(runErr, exec.ErrWaitDelay) && cmd.ProcessState != nil:
			obs.ExitCode = exitStatus(cmd.ProcessState)
		default:
			if obs.TimedOut && cmd.ProcessState != nil {
				obs.ExitCode = exitStatus(cmd.ProcessState)
				break
			}
			return internal(fmt.Errorf("failed to run unit: %w", runErr))
		}
	}

	if obs.TimedOut {
		_, _ = fmt.Fprintf(output, "\nExecution timed out after %s\n", timeout)
	}
	obs.Output = tail.String()

	outcome := Classify(obs, l.config.TailBytes)
	result.Kind = outcome.Kind
	result.ExitCode = obs.ExitCode
	result.Message = outcome.Message
	result.ErrorType = outcome.Kind.ErrorType()

	l.logger.Info("unit finished",
		zap.String("unit", u.Key()),
		zap.String("kind", string(result.Kind)),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("elapsed", result.Elapsed),
		zap.Int64("output_bytes", tail.Total()))

	return result, nil
}
