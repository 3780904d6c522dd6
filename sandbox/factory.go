package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/nbharvest/config"
)

// NewExecutor creates the unit executor from application configuration
func NewExecutor(logger *zap.Logger, cfg *config.Config) (Executor, error) {
	if len(cfg.Runner.Command) == 0 {
		return nil, fmt.Errorf("runner.command is empty")
	}
	if cfg.Runner.LogDir == "" {
		return nil, fmt.Errorf("runner.log_dir is empty")
	}

	command := make([]string, len(cfg.Runner.Command))
	copy(command, cfg.Runner.Command)

	return NewLocalExecutor(logger, &Config{
		LogDir:    cfg.Runner.LogDir,
		TailBytes: cfg.Runner.MessageTailBytes,
		Command:   command,
	}), nil
}
