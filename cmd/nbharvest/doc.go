// Package main is the entry point for the nbharvest command.
//
// nbharvest executes a queue of third-party Jupyter notebooks, each inside a
// cached virtual environment selected by the fingerprint of its dependency
// manifests, under a per-notebook timeout and a global time budget. Every
// outcome is recorded in a CSV dataset.
//
// Subcommands:
//
//	nbharvest run     execute the queue and merge results into the dataset
//	nbharvest prune   evict environments unused for a number of days
//	nbharvest serve   expose the same operations as MCP tools
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging, viper for configuration and
// cobra for the command line.
package main
