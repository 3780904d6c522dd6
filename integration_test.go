//go:build unix

package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/nbharvest/config"
	"github.com/isdmx/nbharvest/dataset"
	"github.com/isdmx/nbharvest/envcache"
	"github.com/isdmx/nbharvest/harvest"
	"github.com/isdmx/nbharvest/logger"
	"github.com/isdmx/nbharvest/mcpserver"
	"github.com/isdmx/nbharvest/metrics"
	"github.com/isdmx/nbharvest/sandbox"
	"github.com/isdmx/nbharvest/unit"
)

// shellVenvRunner stands in for python: "-m venv <root>" creates an
// interpreter that runs its argument with /bin/sh, every other step succeeds.
type shellVenvRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *shellVenvRunner) RunCommand(_ context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.mu.Unlock()

	if len(args) >= 4 && args[1] == "-m" && args[2] == "venv" {
		bin := filepath.Join(args[3], "bin")
		if err := os.MkdirAll(bin, 0o755); err != nil {
			return "", err.Error(), 1, nil
		}
		script := "#!/bin/sh\nexec /bin/sh \"$@\"\n"
		if err := os.WriteFile(filepath.Join(bin, "python"), []byte(script), 0o755); err != nil { //nolint:gosec // test interpreter must be executable
			return "", err.Error(), 1, nil
		}
	}
	return "", "", 0, nil
}

func (r *shellVenvRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func loadTestConfig(t *testing.T, work string, perUnitSec, totalSec int) *config.Config {
	t.Helper()
	v := viper.New()
	v.Set("cache.root", filepath.Join(work, "envs"))
	v.Set("cache.register_kernel", false)
	v.Set("runner.log_dir", filepath.Join(work, "runs"))
	v.Set("runner.per_unit_timeout_sec", perUnitSec)
	v.Set("runner.command", []string{"{interpreter}", "{body}"})
	v.Set("scheduler.total_budget_sec", totalSec)
	v.Set("dataset.queue_path", filepath.Join(work, "queue.yaml"))
	v.Set("dataset.results_path", filepath.Join(work, "notebook_dataset.csv"))

	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

// TestIntegrationConfigLogger tests the integration between config and logger packages
func TestIntegrationConfigLogger(t *testing.T) {
	cfg := loadTestConfig(t, t.TempDir(), 5, 60)
	assert.Equal(t, "stdio", cfg.Server.Transport)
	assert.Equal(t, config.DefaultManifestNames, cfg.Cache.ManifestNames)

	testLogger, err := logger.NewFromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, testLogger)

	testLogger.Info("Integration test started")
	_ = testLogger.Sync()
}

// TestIntegrationHarvest runs a mixed queue end to end through the real cache,
// runner, scheduler and results file.
func TestIntegrationHarvest(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns subprocesses with timeouts")
	}

	work := t.TempDir()
	cfg := loadTestConfig(t, work, 1, 10)
	testLogger := zaptest.NewLogger(t)

	repo := filepath.Join(work, "src", "owner-repo")
	writeScript(t, repo, "ok.sh", "echo fine\n")
	writeScript(t, repo, "hang.sh", "sleep 30\n")
	writeScript(t, repo, "fail.sh", "echo 'ValueError: nope' >&2\nexit 1\n")
	writeScript(t, repo, "requirements.txt", "numpy==1.26\n")

	queue := []unit.Unit{
		{Identity: "owner/repo", Path: "ok.sh", Dir: repo},
		{Identity: "owner/repo", Path: "hang.sh", Dir: repo},
		{Identity: "owner/repo", Path: "fail.sh", Dir: repo},
	}
	require.NoError(t, dataset.WriteQueue(afero.NewOsFs(), cfg.Dataset.QueuePath, queue))

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("it", reg, testLogger)
	runner := &shellVenvRunner{}
	store := envcache.New(testLogger, &envcache.Config{
		Root:             cfg.Cache.Root,
		BaseInterpreter:  cfg.Cache.BaseInterpreter,
		BaselinePackages: cfg.Cache.BaselinePackages,
		ManifestNames:    cfg.Cache.ManifestNames,
		RegisterKernel:   cfg.Cache.RegisterKernel,
	}, envcache.WithCommandRunner(runner), envcache.WithMetrics(collector))

	executor, err := sandbox.NewExecutor(testLogger, cfg)
	require.NoError(t, err)

	svc := harvest.New(cfg, testLogger, store, executor, harvest.WithMetrics(collector))

	started := time.Now()
	summary, err := svc.RunQueue(context.Background(), harvest.RunOptions{})
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 8*time.Second)

	assert.Equal(t, 3, summary.Recorded)
	assert.LessOrEqual(t, summary.SpentSec, 3.0)

	records, err := dataset.NewStore(afero.NewOsFs(), cfg.Dataset.ResultsPath).Load()
	require.NoError(t, err)
	require.Len(t, records, 3)

	byPath := map[string]dataset.Record{}
	for _, r := range records {
		byPath[r.Path] = r
	}
	assert.Equal(t, "ok", byPath["ok.sh"].Status)
	assert.Equal(t, "timeout", byPath["hang.sh"].Status)
	assert.Equal(t, "execution_error", byPath["fail.sh"].Status)
	assert.Contains(t, byPath["fail.sh"].ErrorMessage, "ValueError: nope")

	fp := unit.Fingerprint([]unit.Manifest{{Name: "requirements.txt", Content: "numpy==1.26\n"}}, cfg.Cache.ManifestNames)
	for _, r := range records {
		assert.Equal(t, "owner-repo-"+fp, r.EnvKey)
		assert.Equal(t, summary.RunID, r.RunID)
	}
	assert.False(t, byPath["ok.sh"].CacheHit)
	assert.True(t, byPath["fail.sh"].CacheHit)

	logged, err := os.ReadFile(byPath["ok.sh"].LogPath)
	require.NoError(t, err)
	assert.Equal(t, "fine\n", string(logged))

	// create, baseline, manifest: provisioned exactly once for the three units
	assert.Equal(t, 3, runner.count())
	expected := `
# HELP it_env_cache_requests_total Total number of environment acquisitions
# TYPE it_env_cache_requests_total counter
it_env_cache_requests_total{result="hit"} 2
it_env_cache_requests_total{result="miss"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "it_env_cache_requests_total"))

	t.Run("RerunSkipsSucceeded", func(t *testing.T) {
		summary, err := svc.RunQueue(context.Background(), harvest.RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Skipped)
		assert.Equal(t, 2, summary.Recorded)
		assert.Equal(t, 3, runner.count())
	})

	t.Run("PruneKeepsFreshEnvironment", func(t *testing.T) {
		pruned, err := svc.Prune(0, false)
		require.NoError(t, err)
		assert.Empty(t, pruned.Removed)
		assert.Equal(t, []string{"owner-repo-" + fp}, pruned.Kept)
	})

	t.Run("MCPServer", func(t *testing.T) {
		server, err := mcpserver.New(cfg, testLogger, svc)
		require.NoError(t, err)
		require.NotNil(t, server.GetMCPServer())
	})
}

// TestIntegrationSharedManifestsDistinctSources checks that two sources with
// identical manifests get separate environments.
func TestIntegrationSharedManifestsDistinctSources(t *testing.T) {
	work := t.TempDir()
	cfg := loadTestConfig(t, work, 5, 60)
	runner := &shellVenvRunner{}
	store := envcache.New(zaptest.NewLogger(t), &envcache.Config{
		Root:             cfg.Cache.Root,
		BaseInterpreter:  cfg.Cache.BaseInterpreter,
		BaselinePackages: cfg.Cache.BaselinePackages,
		ManifestNames:    cfg.Cache.ManifestNames,
	}, envcache.WithCommandRunner(runner))

	manifests := []unit.Manifest{{Name: "requirements.txt", Content: "scipy\n"}}
	a, err := store.Acquire(context.Background(), "https://github.com/alice/analysis", manifests, nil)
	require.NoError(t, err)
	b, err := store.Acquire(context.Background(), "bob/analysis", manifests, nil)
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.NotEqual(t, a.Root, b.Root)
	assert.True(t, strings.HasPrefix(a.Key, "alice-analysis-"))
	assert.True(t, strings.HasPrefix(b.Key, "bob-analysis-"))

	entries, err := store.List()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
