// Package logger provides structured logging capabilities.
//
// The logger package builds the zap logger shared by the environment cache,
// the execution runner and the scheduler. Components scope it with a
// "component" field.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("run started", zap.Int("units", n))
package logger
