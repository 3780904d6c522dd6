// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the harvester operations as MCP tools using
// the mark3labs/mcp-go library:
//
//   - run_queue executes the configured queue under the time budget
//   - prune_environments evicts environments unused for a number of days
//   - fingerprint_manifests reports the dependency fingerprint of a directory
//
// Tool results are JSON documents carried as text content. The server supports
// both stdio and HTTP transports as configured by the application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, harvestService)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
