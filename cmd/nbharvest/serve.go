package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/nbharvest/config"
	"github.com/isdmx/nbharvest/harvest"
	"github.com/isdmx/nbharvest/mcpserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose run, prune and fingerprint as MCP tools",
	RunE: func(*cobra.Command, []string) error {
		app := fx.New(
			appModule(),

			fx.Provide(
				func(svc *harvest.Service) mcpserver.Harvester { return svc },

				// MCP Server
				mcpserver.New,
			),

			// Start the appropriate transport based on config
			fx.Invoke(startTransport),
		)
		if err := app.Err(); err != nil {
			return err
		}

		app.Run()
		return nil
	},
}

func startTransport(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, server *mcpserver.MCPServer, log *zap.Logger) error {
	var serve func() error
	switch cfg.Server.Transport {
	case "stdio":
		serve = server.ServeStdio
	case "http":
		serve = server.ServeHTTP
	default:
		return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := serve(); err != nil {
					log.Error("MCP server stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				_ = shutdowner.Shutdown()
			}()
			return nil
		},
	})

	return nil
}
