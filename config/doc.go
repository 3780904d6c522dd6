// Package config provides application configuration management.
//
// The config package loads the environment cache, runner, scheduler and
// dataset settings from an optional YAML file and NBHARVEST_* environment
// variables on top of built-in defaults, then validates the result.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Per-unit timeout: %s\n", cfg.PerUnitTimeout())
package config
