package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Dataset   DatasetConfig   `mapstructure:"dataset"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig holds MCP server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// CacheConfig holds environment cache configuration
type CacheConfig struct {
	Root             string   `mapstructure:"root"`
	BaseInterpreter  string   `mapstructure:"base_interpreter"`
	EvictionAgeDays  int      `mapstructure:"eviction_age_days"`
	BaselinePackages []string `mapstructure:"baseline_packages"`
	ManifestNames    []string `mapstructure:"manifest_names"`
	RegisterKernel   bool     `mapstructure:"register_kernel"`
}

// RunnerConfig holds execution runner configuration
type RunnerConfig struct {
	PerUnitTimeoutSec int      `mapstructure:"per_unit_timeout_sec"`
	LogDir            string   `mapstructure:"log_dir"`
	MessageTailBytes  int      `mapstructure:"message_tail_bytes"`
	Command           []string `mapstructure:"command"`
}

// SchedulerConfig holds budget scheduler configuration
type SchedulerConfig struct {
	TotalBudgetSec int `mapstructure:"total_budget_sec"`
}

// DatasetConfig holds queue and result file locations
type DatasetConfig struct {
	QueuePath   string `mapstructure:"queue_path"`
	ResultsPath string `mapstructure:"results_path"`
}

// MetricsConfig holds prometheus configuration
type MetricsConfig struct {
	Namespace  string `mapstructure:"namespace"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// DefaultBaselinePackages is installed into every fresh environment.
var DefaultBaselinePackages = []string{
	"pip", "wheel", "setuptools",
	"numpy", "pandas", "matplotlib", "scikit-learn",
	"papermill", "nbclient", "ipykernel", "jupyter",
}

// DefaultManifestNames lists the dependency manifests that feed the fingerprint, in order.
var DefaultManifestNames = []string{
	"requirements.txt",
	"pyproject.toml",
	"setup.cfg",
	"environment.yml",
	".python-version",
	"runtime.txt",
}

// DefaultCommand executes a notebook with papermill inside the unit's environment.
var DefaultCommand = []string{
	"{interpreter}", "-m", "papermill", "{body}", "{output}",
	"--cwd", "{dir}",
	"--request-save-on-cell-execute",
	"--log-output",
	"--kernel", "{kernel}",
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("cache.root", "work/envs")
	v.SetDefault("cache.base_interpreter", "python3")
	v.SetDefault("cache.eviction_age_days", 14)
	v.SetDefault("cache.baseline_packages", DefaultBaselinePackages)
	v.SetDefault("cache.manifest_names", DefaultManifestNames)
	v.SetDefault("cache.register_kernel", true)

	v.SetDefault("runner.per_unit_timeout_sec", 480)
	v.SetDefault("runner.log_dir", "artifacts/nb_runs")
	v.SetDefault("runner.message_tail_bytes", 1200)
	v.SetDefault("runner.command", DefaultCommand)

	v.SetDefault("scheduler.total_budget_sec", 3600)

	v.SetDefault("dataset.queue_path", "artifacts/queue.yaml")
	v.SetDefault("dataset.results_path", "notebook_dataset.csv")

	v.SetDefault("metrics.namespace", "nbharvest")
	v.SetDefault("metrics.listen_addr", "")
}

// New loads and validates the application configuration from the global viper instance
func New() (*Config, error) {
	return Load(viper.GetViper())
}

// Load reads configuration through v, falling back to defaults when no file is present
func Load(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("NBHARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Cache.Root == "" {
		return fmt.Errorf("cache.root must not be empty")
	}

	if c.Cache.BaseInterpreter == "" {
		return fmt.Errorf("cache.base_interpreter must not be empty")
	}

	if c.Cache.EvictionAgeDays <= 0 {
		return fmt.Errorf("cache.eviction_age_days must be positive, got: %d", c.Cache.EvictionAgeDays)
	}

	if len(c.Cache.BaselinePackages) == 0 {
		return fmt.Errorf("cache.baseline_packages must not be empty")
	}

	if len(c.Cache.ManifestNames) == 0 {
		return fmt.Errorf("cache.manifest_names must not be empty")
	}

	if c.Runner.PerUnitTimeoutSec <= 0 {
		return fmt.Errorf("runner.per_unit_timeout_sec must be positive, got: %d", c.Runner.PerUnitTimeoutSec)
	}

	if c.Runner.MessageTailBytes <= 0 {
		return fmt.Errorf("runner.message_tail_bytes must be positive, got: %d", c.Runner.MessageTailBytes)
	}

	if len(c.Runner.Command) == 0 {
		return fmt.Errorf("runner.command must not be empty")
	}

	if c.Scheduler.TotalBudgetSec <= 0 {
		return fmt.Errorf("scheduler.total_budget_sec must be positive, got: %d", c.Scheduler.TotalBudgetSec)
	}

	return nil
}

// PerUnitTimeout returns the per-unit execution allowance as a duration
func (c *Config) PerUnitTimeout() time.Duration {
	return time.Duration(c.Runner.PerUnitTimeoutSec) * time.Second
}

// TotalBudget returns the global execution budget as a duration
func (c *Config) TotalBudget() time.Duration {
	return time.Duration(c.Scheduler.TotalBudgetSec) * time.Second
}

// EvictionAge returns the cache eviction age as a duration
func (c *Config) EvictionAge() time.Duration {
	return time.Duration(c.Cache.EvictionAgeDays) * 24 * time.Hour
}
