package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/nbharvest/config"
	"github.com/isdmx/nbharvest/harvest"
)

// MockHarvester implements Harvester for testing
type MockHarvester struct {
	runOpts   harvest.RunOptions
	runResult harvest.RunSummary
	runError  error

	pruneAge    time.Duration
	pruneDryRun bool
	pruneResult harvest.PruneSummary

	fingerprintDir string
}

func (m *MockHarvester) RunQueue(_ context.Context, opts harvest.RunOptions) (harvest.RunSummary, error) {
	m.runOpts = opts
	return m.runResult, m.runError
}

func (m *MockHarvester) Prune(olderThan time.Duration, dryRun bool) (harvest.PruneSummary, error) {
	m.pruneAge = olderThan
	m.pruneDryRun = dryRun
	return m.pruneResult, nil
}

func (m *MockHarvester) Fingerprint(dir, identity string) harvest.FingerprintSummary {
	m.fingerprintDir = dir
	return harvest.FingerprintSummary{Dir: dir, Fingerprint: "no-reqs", Key: identity}
}

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Transport: "stdio", HTTPPort: 8080},
		Logging: config.LoggingConfig{Mode: "production", Level: "info"},
		Cache:   config.CacheConfig{Root: "work/envs", EvictionAgeDays: 14},
	}
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestNewMCPServer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	harvester := &MockHarvester{}

	server, err := New(cfg, logger, harvester)
	require.NoError(t, err)
	require.NotNil(t, server)
	assert.Equal(t, cfg, server.config)
	assert.Equal(t, logger, server.logger)
	assert.Equal(t, harvester, server.harvester)
	assert.NotNil(t, server.GetMCPServer())
}

func TestHandleRunQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		harvester := &MockHarvester{runResult: harvest.RunSummary{RunID: "run-1", Recorded: 2, Stopped: "drained"}}
		server, err := New(testConfig(), zaptest.NewLogger(t), harvester)
		require.NoError(t, err)

		result, err := server.handleRunQueue(ctx, callRequest("run_queue", map[string]any{
			"per_unit_timeout_sec": float64(30),
			"rerun":                true,
		}))
		require.NoError(t, err)
		assert.False(t, result.IsError)

		var summary harvest.RunSummary
		require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &summary))
		assert.Equal(t, "run-1", summary.RunID)
		assert.Equal(t, 2, summary.Recorded)

		assert.Equal(t, 30*time.Second, harvester.runOpts.PerUnitTimeout)
		assert.Zero(t, harvester.runOpts.TotalBudget)
		assert.True(t, harvester.runOpts.Rerun)
	})

	t.Run("FailureIsToolError", func(t *testing.T) {
		harvester := &MockHarvester{runError: errors.New("queue file not found")}
		server, err := New(testConfig(), zaptest.NewLogger(t), harvester)
		require.NoError(t, err)

		result, err := server.handleRunQueue(ctx, callRequest("run_queue", nil))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "queue file not found")
	})

	t.Run("NegativeTimeout", func(t *testing.T) {
		server, err := New(testConfig(), zaptest.NewLogger(t), &MockHarvester{})
		require.NoError(t, err)

		_, err = server.handleRunQueue(ctx, callRequest("run_queue", map[string]any{"total_budget_sec": float64(-1)}))
		require.Error(t, err)
	})
}

func TestHandlePruneEnvironments(t *testing.T) {
	harvester := &MockHarvester{pruneResult: harvest.PruneSummary{Removed: []string{"a-no-reqs"}}}
	server, err := New(testConfig(), zaptest.NewLogger(t), harvester)
	require.NoError(t, err)

	result, err := server.handlePruneEnvironments(context.Background(), callRequest("prune_environments", map[string]any{
		"days":    float64(3),
		"dry_run": true,
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `"removed":["a-no-reqs"]`)
	assert.Equal(t, 72*time.Hour, harvester.pruneAge)
	assert.True(t, harvester.pruneDryRun)
}

func TestHandleFingerprintManifests(t *testing.T) {
	harvester := &MockHarvester{}
	server, err := New(testConfig(), zaptest.NewLogger(t), harvester)
	require.NoError(t, err)

	t.Run("Success", func(t *testing.T) {
		result, err := server.handleFingerprintManifests(context.Background(), callRequest("fingerprint_manifests", map[string]any{
			"dir":      "/src/repo",
			"identity": "owner-repo-no-reqs",
		}))
		require.NoError(t, err)
		assert.Contains(t, resultText(t, result), `"fingerprint":"no-reqs"`)
		assert.Equal(t, "/src/repo", harvester.fingerprintDir)
	})

	t.Run("MissingDir", func(t *testing.T) {
		_, err := server.handleFingerprintManifests(context.Background(), callRequest("fingerprint_manifests", map[string]any{}))
		require.Error(t, err)
	})
}
