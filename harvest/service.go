// Package harvest ties the queue, the environment cache, the runner and the
// results file into the operations exposed by the CLI and the MCP server.
package harvest

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/isdmx/nbharvest/config"
	"github.com/isdmx/nbharvest/dataset"
	"github.com/isdmx/nbharvest/envcache"
	"github.com/isdmx/nbharvest/sandbox"
	"github.com/isdmx/nbharvest/scheduler"
	"github.com/isdmx/nbharvest/unit"
)

// Cache is the environment cache as used by the service
type Cache interface {
	scheduler.Provisioner
	Prune(olderThan time.Duration) (envcache.PruneReport, error)
	Stale(olderThan time.Duration) (time.Time, []envcache.Entry, error)
}

// Service runs harvest operations against one configuration
type Service struct {
	config   *config.Config
	logger   *zap.Logger
	cache    Cache
	executor sandbox.Executor
	metrics  scheduler.Metrics
	fs       afero.Fs
}

// Option defines a functional option for Service
type Option func(*Service)

// WithFs sets the filesystem holding the queue, results and notebooks
func WithFs(fs afero.Fs) Option {
	return func(s *Service) {
		s.fs = fs
	}
}

// WithMetrics sets the execution metrics sink
func WithMetrics(m scheduler.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// New creates a Service
func New(cfg *config.Config, logger *zap.Logger, cache Cache, executor sandbox.Executor, opts ...Option) *Service {
	s := &Service{
		config:   cfg,
		logger:   logger.With(zap.String("component", "harvest")),
		cache:    cache,
		executor: executor,
		fs:       afero.NewOsFs(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// RunOptions adjusts a single run. Zero durations keep the configured values.
type RunOptions struct {
	PerUnitTimeout time.Duration
	TotalBudget    time.Duration
	Rerun          bool
}

// RunSummary describes a completed or interrupted run
type RunSummary struct {
	RunID       string                `json:"run_id"`
	Queued      int                   `json:"queued"`
	Skipped     int                   `json:"skipped"`
	Recorded    int                   `json:"recorded"`
	Remaining   int                   `json:"remaining"`
	Stopped     scheduler.State       `json:"stopped"`
	SpentSec    float64               `json:"spent_seconds"`
	TotalSec    float64               `json:"total_seconds"`
	Statuses    []dataset.StatusCount `json:"statuses"`
	ResultsPath string                `json:"results_path"`
}

// RunQueue executes the pending units of the configured queue and merges each
// record into the results file as it is produced.
func (s *Service) RunQueue(ctx context.Context, opts RunOptions) (RunSummary, error) {
	queue, err := dataset.LoadQueue(s.fs, s.config.Dataset.QueuePath)
	if err != nil {
		return RunSummary{}, err
	}

	results := dataset.NewStore(s.fs, s.config.Dataset.ResultsPath)
	prior, err := results.Load()
	if err != nil {
		return RunSummary{}, err
	}
	pending := dataset.Pending(queue, dataset.ByKey(prior), opts.Rerun)

	cfg := scheduler.ConfigFrom(s.config)
	if opts.PerUnitTimeout > 0 {
		cfg.PerUnitTimeout = opts.PerUnitTimeout
	}
	if opts.TotalBudget > 0 {
		cfg.TotalBudget = opts.TotalBudget
	}

	schedOpts := []scheduler.Option{
		scheduler.WithFs(s.fs),
		scheduler.WithOnRecord(func(r dataset.Record) error {
			return results.Append(r)
		}),
	}
	if s.metrics != nil {
		schedOpts = append(schedOpts, scheduler.WithMetrics(s.metrics))
	}

	s.logger.Info("running queue",
		zap.String("queue", s.config.Dataset.QueuePath),
		zap.Int("queued", len(queue)),
		zap.Int("pending", len(pending)),
		zap.Bool("rerun", opts.Rerun))

	report, runErr := scheduler.New(s.logger, s.cache, s.executor, cfg, schedOpts...).Run(ctx, pending)

	summary := RunSummary{
		RunID:       report.RunID,
		Queued:      len(queue),
		Skipped:     len(queue) - len(pending),
		Recorded:    len(report.Records),
		Remaining:   report.Remaining,
		Stopped:     report.Stopped,
		SpentSec:    report.Spent.Seconds(),
		TotalSec:    report.Total.Seconds(),
		Statuses:    dataset.Summary(report.Records),
		ResultsPath: results.Path(),
	}
	if runErr != nil {
		return summary, fmt.Errorf("run %s stopped: %w", report.RunID, runErr)
	}
	return summary, nil
}

// PruneSummary describes a prune or a dry run
type PruneSummary struct {
	Cutoff  time.Time `json:"cutoff"`
	DryRun  bool      `json:"dry_run"`
	Removed []string  `json:"removed"`
	Kept    []string  `json:"kept,omitempty"`
}

// Prune evicts environments unused for olderThan, or only lists them when dryRun is set.
// A zero olderThan uses the configured eviction age.
func (s *Service) Prune(olderThan time.Duration, dryRun bool) (PruneSummary, error) {
	if olderThan <= 0 {
		olderThan = s.config.EvictionAge()
	}

	if dryRun {
		cutoff, stale, err := s.cache.Stale(olderThan)
		if err != nil {
			return PruneSummary{}, err
		}
		summary := PruneSummary{Cutoff: cutoff, DryRun: true, Removed: []string{}}
		for _, e := range stale {
			summary.Removed = append(summary.Removed, e.Key)
		}
		return summary, nil
	}

	report, err := s.cache.Prune(olderThan)
	if err != nil {
		return PruneSummary{}, err
	}
	s.logger.Info("environments pruned",
		zap.Time("cutoff", report.Cutoff),
		zap.Int("removed", len(report.Removed)),
		zap.Int("kept", len(report.Kept)))

	removed := report.Removed
	if removed == nil {
		removed = []string{}
	}
	return PruneSummary{Cutoff: report.Cutoff, Removed: removed, Kept: report.Kept}, nil
}

// FingerprintSummary is the cache identity of a checkout directory
type FingerprintSummary struct {
	Dir         string   `json:"dir"`
	Manifests   []string `json:"manifests"`
	Fingerprint string   `json:"fingerprint"`
	Key         string   `json:"env_key,omitempty"`
}

// Fingerprint computes the fingerprint of the manifests found in dir. The
// environment key is included when identity is not empty.
func (s *Service) Fingerprint(dir, identity string) FingerprintSummary {
	names := s.config.Cache.ManifestNames
	manifests := unit.LoadManifests(s.fs, dir, names)

	summary := FingerprintSummary{
		Dir:         dir,
		Manifests:   make([]string, 0, len(manifests)),
		Fingerprint: unit.Fingerprint(manifests, names),
	}
	for _, m := range manifests {
		summary.Manifests = append(summary.Manifests, m.Name)
	}
	if identity != "" {
		summary.Key = envcache.Key(identity, summary.Fingerprint)
	}
	return summary
}
