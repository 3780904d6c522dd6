package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/nbharvest/config"
	"github.com/isdmx/nbharvest/harvest"
)

// Harvester is the set of operations exposed as tools
type Harvester interface {
	RunQueue(ctx context.Context, opts harvest.RunOptions) (harvest.RunSummary, error)
	Prune(olderThan time.Duration, dryRun bool) (harvest.PruneSummary, error)
	Fingerprint(dir, identity string) harvest.FingerprintSummary
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	harvester Harvester
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, harvester Harvester) (*MCPServer, error) {
	s := &MCPServer{
		config:    cfg,
		logger:    logger,
		harvester: harvester,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("cache.root", s.config.Cache.Root),
		zap.Int("cache.eviction_age_days", s.config.Cache.EvictionAgeDays),
		zap.Int("runner.per_unit_timeout_sec", s.config.Runner.PerUnitTimeoutSec),
		zap.String("runner.log_dir", s.config.Runner.LogDir),
		zap.Int("scheduler.total_budget_sec", s.config.Scheduler.TotalBudgetSec),
		zap.String("dataset.queue_path", s.config.Dataset.QueuePath),
		zap.String("dataset.results_path", s.config.Dataset.ResultsPath),
	)

	s.mcpServer = server.NewMCPServer("nbharvest", "Notebook execution harvester")

	s.registerRunQueueTool()
	s.registerPruneEnvironmentsTool()
	s.registerFingerprintManifestsTool()

	return s, nil
}

func (s *MCPServer) registerRunQueueTool() {
	tool := mcp.Tool{
		Name:        "run_queue",
		Description: "Execute the configured notebook queue under the time budget and merge results into the dataset",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"per_unit_timeout_sec": map[string]any{
					"type":        "integer",
					"description": "Per-notebook timeout in seconds (optional)",
					"minimum":     1,
				},
				"total_budget_sec": map[string]any{
					"type":        "integer",
					"description": "Global execution budget in seconds (optional)",
					"minimum":     1,
				},
				"rerun": map[string]any{
					"type":        "boolean",
					"description": "Run notebooks that already succeeded",
				},
			},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunQueue)
}

func (s *MCPServer) registerPruneEnvironmentsTool() {
	tool := mcp.Tool{
		Name:        "prune_environments",
		Description: "Remove cached environments that have not been used recently",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"days": map[string]any{
					"type":        "integer",
					"description": "Eviction age in days (optional)",
					"minimum":     1,
				},
				"dry_run": map[string]any{
					"type":        "boolean",
					"description": "List environments that would be removed without removing them",
				},
			},
		},
	}

	s.mcpServer.AddTool(tool, s.handlePruneEnvironments)
}

func (s *MCPServer) registerFingerprintManifestsTool() {
	tool := mcp.Tool{
		Name:        "fingerprint_manifests",
		Description: "Compute the dependency fingerprint of a checkout directory",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"dir": map[string]any{
					"type":        "string",
					"description": "Checkout directory containing the dependency manifests",
				},
				"identity": map[string]any{
					"type":        "string",
					"description": "Source identity, e.g. owner/repo, to include the environment key (optional)",
				},
			},
			Required: []string{"dir"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleFingerprintManifests)
}

func (s *MCPServer) handleRunQueue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := harvest.RunOptions{
		PerUnitTimeout: time.Duration(request.GetInt("per_unit_timeout_sec", 0)) * time.Second,
		TotalBudget:    time.Duration(request.GetInt("total_budget_sec", 0)) * time.Second,
		Rerun:          request.GetBool("rerun", false),
	}
	if opts.PerUnitTimeout < 0 || opts.TotalBudget < 0 {
		return nil, fmt.Errorf("timeouts must be positive")
	}

	s.logger.Info("queue run requested",
		zap.Duration("per_unit_timeout", opts.PerUnitTimeout),
		zap.Duration("total_budget", opts.TotalBudget),
		zap.Bool("rerun", opts.Rerun))

	summary, err := s.harvester.RunQueue(ctx, opts)
	if err != nil {
		s.logger.Error("queue run failed", zap.Error(err))
		return errorResult(fmt.Sprintf("Run failed: %v", err)), nil
	}

	return jsonResult(summary)
}

func (s *MCPServer) handlePruneEnvironments(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	days := request.GetInt("days", 0)
	if days < 0 {
		return nil, fmt.Errorf("days must be positive, got: %d", days)
	}
	dryRun := request.GetBool("dry_run", false)

	s.logger.Info("prune requested", zap.Int("days", days), zap.Bool("dry_run", dryRun))

	summary, err := s.harvester.Prune(time.Duration(days)*24*time.Hour, dryRun)
	if err != nil {
		s.logger.Error("prune failed", zap.Error(err))
		return errorResult(fmt.Sprintf("Prune failed: %v", err)), nil
	}

	return jsonResult(summary)
}

func (s *MCPServer) handleFingerprintManifests(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir, err := request.RequireString("dir")
	if err != nil {
		return nil, fmt.Errorf("dir parameter is required: %w", err)
	}

	return jsonResult(s.harvester.Fingerprint(dir, request.GetString("identity", "")))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
	}, nil
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
