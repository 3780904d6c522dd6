package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/isdmx/nbharvest/config"
	"github.com/isdmx/nbharvest/dataset"
	"github.com/isdmx/nbharvest/envcache"
	"github.com/isdmx/nbharvest/sandbox"
	"github.com/isdmx/nbharvest/triage"
	"github.com/isdmx/nbharvest/unit"
)

// State is the position of the scheduler loop
type State string

// Scheduler states
const (
	StateIdle         State = "idle"
	StateAdmitting    State = "admitting"
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateRecording    State = "recording"
	StateExhausted    State = "exhausted"
	StateDrained      State = "drained"
	StateInterrupted  State = "interrupted"
)

// Provisioner returns a ready environment for a unit
type Provisioner interface {
	Acquire(ctx context.Context, identity string, manifests []unit.Manifest, extras []string) (*envcache.Handle, error)
}

// Metrics receives per-unit outcomes and budget progress
type Metrics interface {
	Execution(kind string, elapsed time.Duration)
	BudgetSpent(spent time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) Execution(string, time.Duration) {}
func (nopMetrics) BudgetSpent(time.Duration)       {}

// Config holds configuration for the scheduler
type Config struct {
	TotalBudget      time.Duration
	PerUnitTimeout   time.Duration
	ManifestNames    []string
	MessageTailBytes int
}

// Report is the outcome of one Run
type Report struct {
	RunID   string           `json:"run_id"`
	Records []dataset.Record `json:"records"`
	Spent   time.Duration    `json:"spent"`
	Total   time.Duration    `json:"total"`
	Stopped State            `json:"stopped"`
	// Remaining counts units that were never admitted.
	Remaining int `json:"remaining"`
}

// Scheduler drives units through provisioning and execution
type Scheduler struct {
	logger   *zap.Logger
	cache    Provisioner
	executor sandbox.Executor
	config   *Config
	fs       afero.Fs
	now      func() time.Time
	newRunID func() string
	metrics  Metrics
	onRecord func(dataset.Record) error
	onState  func(State)
}

// Option defines a functional option for Scheduler
type Option func(*Scheduler)

// WithFs sets the filesystem used to read manifests and notebook source
func WithFs(fs afero.Fs) Option {
	return func(s *Scheduler) {
		s.fs = fs
	}
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithRunID sets the run ID generator
func WithRunID(newRunID func() string) Option {
	return func(s *Scheduler) {
		s.newRunID = newRunID
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithOnRecord sets a hook called with every record as soon as it is
// produced. An error from the hook stops the run.
func WithOnRecord(fn func(dataset.Record) error) Option {
	return func(s *Scheduler) {
		s.onRecord = fn
	}
}

// WithOnState sets a hook called on every state transition
func WithOnState(fn func(State)) Option {
	return func(s *Scheduler) {
		s.onState = fn
	}
}

// New creates a Scheduler
func New(logger *zap.Logger, cache Provisioner, executor sandbox.Executor, cfg *Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:   logger.With(zap.String("component", "scheduler")),
		cache:    cache,
		executor: executor,
		config:   cfg,
		fs:       afero.NewOsFs(),
		now:      time.Now,
		newRunID: func() string { return uuid.NewString() },
		metrics:  nopMetrics{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// NewFromConfig creates a Scheduler from application configuration
func NewFromConfig(logger *zap.Logger, cfg *config.Config, cache Provisioner, executor sandbox.Executor, opts ...Option) *Scheduler {
	return New(logger, cache, executor, ConfigFrom(cfg), opts...)
}

// ConfigFrom derives scheduler configuration from application configuration
func ConfigFrom(cfg *config.Config) *Config {
	return &Config{
		TotalBudget:      cfg.TotalBudget(),
		PerUnitTimeout:   cfg.PerUnitTimeout(),
		ManifestNames:    cfg.Cache.ManifestNames,
		MessageTailBytes: cfg.Runner.MessageTailBytes,
	}
}

func (s *Scheduler) validate() error {
	if s.cache == nil {
		return fmt.Errorf("scheduler has no environment provisioner")
	}
	if s.executor == nil {
		return fmt.Errorf("scheduler has no executor")
	}
	if s.config == nil {
		return fmt.Errorf("scheduler has no configuration")
	}
	if s.config.TotalBudget <= 0 {
		return fmt.Errorf("total budget must be positive, got: %s", s.config.TotalBudget)
	}
	if s.config.PerUnitTimeout <= 0 {
		return fmt.Errorf("per-unit timeout must be positive, got: %s", s.config.PerUnitTimeout)
	}
	return nil
}

func (s *Scheduler) enter(state State) {
	if s.onState != nil {
		s.onState(state)
	}
}

// Run processes units in order until the queue drains, the budget cannot
// admit another unit, or ctx is cancelled. On cancellation the records
// produced so far are returned together with ctx.Err().
func (s *Scheduler) Run(ctx context.Context, queue []unit.Unit) (Report, error) {
	if err := s.validate(); err != nil {
		return Report{Stopped: StateIdle}, err
	}

	budget := Budget{Total: s.config.TotalBudget, PerUnit: s.config.PerUnitTimeout}
	report := Report{RunID: s.newRunID(), Total: budget.Total, Stopped: StateDrained}
	logger := s.logger.With(zap.String("run_id", report.RunID))
	s.metrics.BudgetSpent(0)
	s.enter(StateIdle)

	logger.Info("run started",
		zap.Int("units", len(queue)),
		zap.Duration("total_budget", budget.Total),
		zap.Duration("per_unit", budget.PerUnit))

	for i, u := range queue {
		s.enter(StateAdmitting)
		if ctx.Err() != nil {
			report.Stopped = StateInterrupted
			report.Remaining = len(queue) - i
			break
		}
		if !budget.CanAdmit() {
			report.Stopped = StateExhausted
			report.Remaining = len(queue) - i
			logger.Info("budget exhausted",
				zap.Duration("spent", budget.Spent),
				zap.Int("remaining", report.Remaining))
			break
		}

		result, err := s.process(ctx, logger, u)
		if err != nil {
			report.Stopped = StateInterrupted
			report.Remaining = len(queue) - i
			logger.Warn("unit interrupted, leaving it unrecorded", zap.String("unit", u.Key()), zap.Error(err))
			break
		}

		s.enter(StateRecording)
		if result.charged {
			budget.Charge(result.record.Runtime)
		}
		result.record.RunID = report.RunID
		result.record.FinishedAt = s.now()
		report.Records = append(report.Records, result.record)
		report.Spent = budget.Spent

		s.metrics.Execution(result.record.Status, result.record.Runtime)
		s.metrics.BudgetSpent(budget.Spent)

		logger.Info("unit recorded",
			zap.String("identity", u.Identity),
			zap.String("path", u.Path),
			zap.String("env_key", result.record.EnvKey),
			zap.String("kind", result.record.Status),
			zap.Duration("elapsed", result.record.Runtime),
			zap.Duration("spent", budget.Spent))

		if s.onRecord != nil {
			if err := s.onRecord(result.record); err != nil {
				report.Stopped = StateInterrupted
				report.Remaining = len(queue) - i - 1
				return report, fmt.Errorf("failed to persist record for %s: %w", u.Key(), err)
			}
		}
	}

	s.enter(report.Stopped)
	logger.Info("run finished",
		zap.String("stopped", string(report.Stopped)),
		zap.Int("recorded", len(report.Records)),
		zap.Int("remaining", report.Remaining),
		zap.Duration("spent", report.Spent))

	if report.Stopped == StateInterrupted {
		return report, ctx.Err()
	}
	return report, nil
}

type unitResult struct {
	record  dataset.Record
	charged bool
}

// process takes one unit through provisioning and execution. The error is
// non-nil only when ctx was cancelled. Only time spent after provisioning
// is charged.
func (s *Scheduler) process(ctx context.Context, logger *zap.Logger, u unit.Unit) (result unitResult, err error) {
	var started time.Time
	result.record = dataset.Record{Identity: u.Identity, Path: u.Path}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("unit panicked",
				zap.String("unit", u.Key()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			s.recordInternalError(&result, fmt.Sprintf("panic: %v", r), started)
			err = nil
		}
	}()

	manifests, extras, libs := s.inspect(logger, u)
	result.record.Libs = libs

	s.enter(StateProvisioning)
	env, err := s.cache.Acquire(ctx, u.Identity, manifests, extras)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		s.recordProvisionFailure(&result.record, err)
		logger.Warn("provisioning failed",
			zap.String("unit", u.Key()),
			zap.String("env_key", result.record.EnvKey),
			zap.Error(err))
		return result, nil
	}
	result.record.EnvKey = env.Key
	result.record.CacheHit = env.Hit

	s.enter(StateRunning)
	started = s.now()
	execResult, err := s.executor.Execute(ctx, u, env, s.config.PerUnitTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		logger.Error("runner failed", zap.String("unit", u.Key()), zap.Error(err))
		s.recordInternalError(&result, err.Error(), started)
		return result, nil
	}

	result.charged = true
	result.record.Status = string(execResult.Kind)
	result.record.ErrorType = execResult.ErrorType
	result.record.ErrorMessage = execResult.Message
	result.record.Runtime = execResult.Elapsed
	result.record.LogPath = execResult.LogPath
	return result, nil
}

// recordInternalError fills result with an internal_error outcome. Time is
// charged from started; a zero started charges nothing.
func (s *Scheduler) recordInternalError(result *unitResult, message string, started time.Time) {
	result.record.Status = string(sandbox.KindInternalError)
	result.record.ErrorType = sandbox.KindInternalError.ErrorType()
	result.record.ErrorMessage = sandbox.Head(message, s.config.MessageTailBytes)
	result.record.Runtime = 0
	result.charged = false
	if !started.IsZero() {
		result.record.Runtime = s.now().Sub(started)
		result.charged = true
	}
}

// inspect resolves the manifests and extras used to provision u, and the
// libraries reported in its record.
func (s *Scheduler) inspect(logger *zap.Logger, u unit.Unit) (manifests []unit.Manifest, extras, libs []string) {
	manifests = u.Manifests
	if manifests == nil && u.Dir != "" {
		manifests = unit.LoadManifests(s.fs, u.Dir, s.config.ManifestNames)
	}

	report, err := triage.InspectFile(s.fs, u.BodyPath())
	if err != nil {
		logger.Debug("notebook triage incomplete", zap.String("unit", u.Key()), zap.Error(err))
	}

	extras = u.Extras
	if extras == nil {
		extras = report.Extras
	}
	return manifests, extras, report.Libs
}

func (s *Scheduler) recordProvisionFailure(rec *dataset.Record, err error) {
	rec.Status = string(sandbox.KindProvisionError)
	rec.ErrorType = sandbox.KindProvisionError.ErrorType()

	message := err.Error()
	var provisionErr *envcache.ProvisionError
	if errors.As(err, &provisionErr) {
		rec.EnvKey = provisionErr.Key
		if provisionErr.Output != "" {
			message += "\n" + provisionErr.Output
		}
	}
	rec.ErrorMessage = sandbox.Tail(message, s.config.MessageTailBytes)
}
