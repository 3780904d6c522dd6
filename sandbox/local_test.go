//go:build unix

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/nbharvest/envcache"
	"github.com/isdmx/nbharvest/unit"
)

// shellEnv runs unit bodies with /bin/sh in place of a virtualenv interpreter.
var shellEnv = &envcache.Handle{
	Key:         "test-no-reqs",
	Root:        "/bin",
	Interpreter: "/bin/sh",
	Kernel:      envcache.DefaultKernel,
}

func newShellExecutor(t *testing.T) (*LocalExecutor, string) {
	t.Helper()
	logDir := filepath.Join(t.TempDir(), "runs")
	executor := NewLocalExecutor(zaptest.NewLogger(t), &Config{
		LogDir:    logDir,
		TailBytes: 64,
		Command:   []string{"{interpreter}", "{body}"},
		WaitDelay: 500 * time.Millisecond,
	})
	return executor, logDir
}

func scriptUnit(t *testing.T, name, script string) unit.Unit {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join("scripts", name)
	body := filepath.Join(dir, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(body), 0o755))
	require.NoError(t, os.WriteFile(body, []byte(script), 0o600))
	return unit.Unit{Identity: "owner/" + strings.TrimSuffix(name, ".sh"), Path: path, Dir: dir}
}

func TestLocalExecutorConstructors(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("DefaultWaitDelay", func(t *testing.T) {
		executor := NewLocalExecutor(logger, &Config{LogDir: t.TempDir(), TailBytes: 10, Command: []string{"x"}})
		require.NotNil(t, executor)
		assert.Equal(t, DefaultWaitDelay, executor.config.WaitDelay)
		assert.NotNil(t, executor.now)
	})

	t.Run("WithClock", func(t *testing.T) {
		fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		executor := NewLocalExecutor(logger, &Config{}, WithLocalClock(func() time.Time { return fixed }))
		assert.Equal(t, fixed, executor.now())
	})
}

func TestLocalExecutorExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		executor, logDir := newShellExecutor(t)
		u := scriptUnit(t, "ok.sh", "echo hello\n")

		result, err := executor.Execute(ctx, u, shellEnv, 10*time.Second)
		require.NoError(t, err)

		assert.Equal(t, KindOK, result.Kind)
		assert.Equal(t, 0, result.ExitCode)
		assert.Empty(t, result.Message)
		assert.Empty(t, result.ErrorType)
		assert.Equal(t, filepath.Join(logDir, LogFileName(u)), result.LogPath)

		logged, err := os.ReadFile(result.LogPath)
		require.NoError(t, err)
		assert.Equal(t, "hello\n", string(logged))
	})

	t.Run("NonZeroExitKeepsTail", func(t *testing.T) {
		executor, _ := newShellExecutor(t)
		script := "i=0\nwhile [ $i -lt 50 ]; do echo line$i; i=$((i+1)); done\necho 'ValueError: root cause' >&2\nexit 3\n"
		u := scriptUnit(t, "fail.sh", script)

		result, err := executor.Execute(ctx, u, shellEnv, 10*time.Second)
		require.NoError(t, err)

		assert.Equal(t, KindExecutionError, result.Kind)
		assert.Equal(t, 3, result.ExitCode)
		assert.Equal(t, "ExecutionError", result.ErrorType)
		assert.LessOrEqual(t, len(result.Message), 64)
		assert.True(t, strings.HasSuffix(result.Message, "ValueError: root cause\n"))

		logged, err := os.ReadFile(result.LogPath)
		require.NoError(t, err)
		assert.Contains(t, string(logged), "line0\n")
	})

	t.Run("WorkingDirectoryIsUnitDirectory", func(t *testing.T) {
		executor, _ := newShellExecutor(t)
		u := scriptUnit(t, "cwd.sh", "cat data.csv\n")
		body := u.BodyPath()
		require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(body), "data.csv"), []byte("a,b\n"), 0o600))

		result, err := executor.Execute(ctx, u, shellEnv, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, KindOK, result.Kind)

		logged, err := os.ReadFile(result.LogPath)
		require.NoError(t, err)
		assert.Equal(t, "a,b\n", string(logged))
	})

	t.Run("VirtualEnvIsActivated", func(t *testing.T) {
		executor, _ := newShellExecutor(t)
		u := scriptUnit(t, "venv.sh", "test \"$VIRTUAL_ENV\" = /bin || exit 9\n")

		result, err := executor.Execute(ctx, u, shellEnv, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, KindOK, result.Kind)
	})

	t.Run("KilledBySignalIsExecutionError", func(t *testing.T) {
		executor, _ := newShellExecutor(t)
		u := scriptUnit(t, "signal.sh", "kill -9 $$\n")

		result, err := executor.Execute(ctx, u, shellEnv, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, KindExecutionError, result.Kind)
		assert.Equal(t, 137, result.ExitCode)
	})

	t.Run("MissingInterpreterIsInternalError", func(t *testing.T) {
		executor, _ := newShellExecutor(t)
		u := scriptUnit(t, "ok.sh", "exit 0\n")
		env := &envcache.Handle{Key: "gone", Root: "/nonexistent", Interpreter: "/nonexistent/bin/python"}

		result, err := executor.Execute(ctx, u, env, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, KindInternalError, result.Kind)
		assert.Equal(t, NoExitStatus, result.ExitCode)
		assert.Equal(t, "InternalError", result.ErrorType)
		assert.NotEmpty(t, result.Message)
	})

	t.Run("MissingBodyIsInternalError", func(t *testing.T) {
		executor, _ := newShellExecutor(t)
		u := unit.Unit{Identity: "owner/repo", Path: "missing.sh", Dir: t.TempDir()}

		result, err := executor.Execute(ctx, u, shellEnv, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, KindInternalError, result.Kind)
		assert.True(t, strings.HasPrefix(result.Message, "unit body unavailable"), result.Message)
		assert.LessOrEqual(t, len(result.Message), 64)
	})

	t.Run("NilEnvironmentIsInternalError", func(t *testing.T) {
		executor, _ := newShellExecutor(t)
		u := scriptUnit(t, "ok.sh", "exit 0\n")

		result, err := executor.Execute(ctx, u, nil, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, KindInternalError, result.Kind)
	})
}

func TestLocalExecutorTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns long-running processes")
	}
	ctx := context.Background()
	const timeout = time.Second
	const tolerance = 3 * time.Second

	t.Run("HardKillOnTimeout", func(t *testing.T) {
		executor, _ := newShellExecutor(t)
		u := scriptUnit(t, "hang.sh", "echo started\nsleep 30\necho never\n")

		started := time.Now()
		result, err := executor.Execute(ctx, u, shellEnv, timeout)
		wall := time.Since(started)
		require.NoError(t, err)

		assert.Equal(t, KindTimeout, result.Kind)
		assert.Equal(t, "Timeout", result.ErrorType)
		assert.GreaterOrEqual(t, result.Elapsed, timeout)
		assert.Less(t, wall, timeout+tolerance)
		assert.Contains(t, result.Message, "timed out")

		logged, err := os.ReadFile(result.LogPath)
		require.NoError(t, err)
		assert.Contains(t, string(logged), "started")
		assert.NotContains(t, string(logged), "never")
	})

	t.Run("KillsBackgroundChildren", func(t *testing.T) {
		executor, _ := newShellExecutor(t)
		u := scriptUnit(t, "fork.sh", "(sleep 30; echo late) &\ntrap '' TERM\nwait\n")

		started := time.Now()
		result, err := executor.Execute(ctx, u, shellEnv, timeout)
		require.NoError(t, err)

		assert.Equal(t, KindTimeout, result.Kind)
		assert.Less(t, time.Since(started), timeout+tolerance)
	})

	t.Run("InterruptLeavesNoResult", func(t *testing.T) {
		executor, _ := newShellExecutor(t)
		u := scriptUnit(t, "hang.sh", "sleep 30\n")

		interruptCtx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(200 * time.Millisecond)
			cancel()
		}()

		started := time.Now()
		result, err := executor.Execute(interruptCtx, u, shellEnv, 20*time.Second)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, Result{}, result)
		assert.Less(t, time.Since(started), tolerance)
	})
}
