package envcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/isdmx/nbharvest/config"
	"github.com/isdmx/nbharvest/unit"
)

const (
	// MarkerFile holds the Unix time an environment was last acquired.
	MarkerFile = ".last_used"
	// RequirementsFile is the only manifest that is installed, not just fingerprinted.
	RequirementsFile = "requirements.txt"

	// DefaultKernel is used when kernel registration is disabled.
	DefaultKernel = "python3"

	dirPermission  = 0o755
	filePermission = 0o644
	outputTailSize = 2000
)

// Provisioning step names
const (
	StepCreate   = "create"
	StepBaseline = "baseline"
	StepManifest = "manifest"
	StepExtras   = "extras"
	StepKernel   = "kernel"
)

var stepTimeouts = map[string]time.Duration{
	StepCreate:   5 * time.Minute,
	StepBaseline: 20 * time.Minute,
	StepManifest: 30 * time.Minute,
	StepExtras:   15 * time.Minute,
	StepKernel:   5 * time.Minute,
}

// Config holds configuration for the environment store
type Config struct {
	Root             string
	BaseInterpreter  string
	BaselinePackages []string
	ManifestNames    []string
	RegisterKernel   bool
}

// Handle is a ready-to-use environment
type Handle struct {
	Key         string
	Fingerprint string
	Root        string
	Interpreter string
	Kernel      string
	CreatedAt   time.Time
	LastUsed    time.Time
	// Hit reports whether the environment was served from cache.
	Hit bool
}

// Metrics receives cache events
type Metrics interface {
	CacheRequest(hit bool)
	ProvisionFailed(step string)
	ProvisionDuration(d time.Duration)
	Pruned(n int)
}

type nopMetrics struct{}

func (nopMetrics) CacheRequest(bool)               {}
func (nopMetrics) ProvisionFailed(string)          {}
func (nopMetrics) ProvisionDuration(time.Duration) {}
func (nopMetrics) Pruned(int)                      {}

// Store maps (identity, fingerprint) to provisioned environments under Root
type Store struct {
	logger    *zap.Logger
	config    *Config
	cmdRunner CommandRunner
	fs        afero.Fs
	now       func() time.Time
	metrics   Metrics
}

// Option defines a functional option for Store
type Option func(*Store)

// WithCommandRunner sets the CommandRunner used for provisioning
func WithCommandRunner(cmdRunner CommandRunner) Option {
	return func(s *Store) {
		s.cmdRunner = cmdRunner
	}
}

// WithFs sets the filesystem holding the cache
func WithFs(fs afero.Fs) Option {
	return func(s *Store) {
		s.fs = fs
	}
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithMetrics sets the metrics sink. A nil sink is ignored.
func WithMetrics(m Metrics) Option {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// New creates a Store with default implementations and optional overrides
func New(logger *zap.Logger, cfg *Config, opts ...Option) *Store {
	s := &Store{
		logger:    logger.With(zap.String("component", "envcache")),
		config:    cfg,
		cmdRunner: RealCommandRunner{},
		fs:        afero.NewOsFs(),
		now:       time.Now,
		metrics:   nopMetrics{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// NewFromConfig creates a Store from application configuration
func NewFromConfig(logger *zap.Logger, cfg *config.Config, m Metrics) *Store {
	return New(logger, &Config{
		Root:             cfg.Cache.Root,
		BaseInterpreter:  cfg.Cache.BaseInterpreter,
		BaselinePackages: cfg.Cache.BaselinePackages,
		ManifestNames:    cfg.Cache.ManifestNames,
		RegisterKernel:   cfg.Cache.RegisterKernel,
	}, WithMetrics(m))
}

// Root returns the cache directory
func (s *Store) Root() string {
	return s.config.Root
}

// Fingerprint computes the fingerprint of manifests under the configured manifest names
func (s *Store) Fingerprint(manifests []unit.Manifest) string {
	return unit.Fingerprint(manifests, s.config.ManifestNames)
}

// Key returns the cache key for identity and fingerprint
func Key(identity, fingerprint string) string {
	return unit.SourceSlug(identity) + "-" + fingerprint
}

// InterpreterPath returns the interpreter location inside an environment root
func InterpreterPath(root string) string {
	return filepath.Join(root, "bin", "python")
}

// Acquire returns a ready environment for identity and manifests, provisioning
// it on a cache miss. Installation steps never run on a hit.
func (s *Store) Acquire(ctx context.Context, identity string, manifests []unit.Manifest, extras []string) (*Handle, error) {
	fp := s.Fingerprint(manifests)
	key := Key(identity, fp)
	root := filepath.Join(s.config.Root, key)

	h := &Handle{
		Key:         key,
		Fingerprint: fp,
		Root:        root,
		Interpreter: InterpreterPath(root),
		Kernel:      s.kernelName(key),
	}

	if info, ok := s.interpreterReady(h.Interpreter); ok {
		h.Hit = true
		h.CreatedAt = info.ModTime()
		if err := s.touch(h); err != nil {
			s.logger.Warn("failed to update last-used marker", zap.String("env_key", key), zap.Error(err))
		}
		s.metrics.CacheRequest(true)
		s.logger.Debug("environment cache hit", zap.String("env_key", key))
		return h, nil
	}

	s.metrics.CacheRequest(false)
	s.logger.Info("environment cache miss, provisioning",
		zap.String("env_key", key),
		zap.String("identity", identity),
		zap.Int("manifests", len(manifests)),
		zap.Strings("extras", extras))

	started := s.now()
	if err := s.provision(ctx, h, manifests, extras); err != nil {
		return nil, err
	}
	s.metrics.ProvisionDuration(s.now().Sub(started))

	h.CreatedAt = s.now()
	if err := s.touch(h); err != nil {
		s.logger.Warn("failed to write last-used marker", zap.String("env_key", key), zap.Error(err))
	}

	s.logger.Info("environment provisioned",
		zap.String("env_key", key),
		zap.Duration("elapsed", s.now().Sub(started)))

	return h, nil
}

func (s *Store) kernelName(key string) string {
	if !s.config.RegisterKernel {
		return DefaultKernel
	}
	return "nb-" + key
}

func (s *Store) interpreterReady(path string) (os.FileInfo, bool) {
	info, err := s.fs.Stat(path)
	if err != nil || info.IsDir() {
		return nil, false
	}
	return info, info.Mode().Perm()&0o111 != 0
}

func (s *Store) touch(h *Handle) error {
	h.LastUsed = s.now()
	stamp := strconv.FormatInt(h.LastUsed.Unix(), 10)
	return afero.WriteFile(s.fs, filepath.Join(h.Root, MarkerFile), []byte(stamp), filePermission)
}

// StepOutcome is the result of one provisioning step
type StepOutcome struct {
	Name     string
	Required bool
	ExitCode int
	Output   string
	Elapsed  time.Duration
	Err      error
}

type step struct {
	name     string
	required bool
	args     []string
	prepare  func() error
}

func (s *Store) steps(h *Handle, manifests []unit.Manifest, extras []string) []step {
	py := h.Interpreter
	steps := []step{
		{
			name:     StepCreate,
			required: true,
			args:     []string{s.config.BaseInterpreter, "-m", "venv", h.Root},
		},
		{
			name:     StepBaseline,
			required: true,
			args:     append([]string{py, "-m", "pip", "install", "--upgrade"}, s.config.BaselinePackages...),
		},
	}

	for _, m := range manifests {
		if m.Name != RequirementsFile {
			continue
		}
		reqPath := filepath.Join(h.Root, RequirementsFile)
		content := m.Content
		steps = append(steps, step{
			name: StepManifest,
			args: []string{py, "-m", "pip", "install", "-r", reqPath},
			prepare: func() error {
				return afero.WriteFile(s.fs, reqPath, []byte(content), filePermission)
			},
		})
		break
	}

	if len(extras) > 0 {
		steps = append(steps, step{
			name: StepExtras,
			args: append([]string{py, "-m", "pip", "install"}, extras...),
		})
	}

	if s.config.RegisterKernel {
		steps = append(steps, step{
			name: StepKernel,
			args: []string{py, "-m", "ipykernel", "install", "--user", "--name", h.Kernel},
		})
	}

	return steps
}

// provision builds a fresh environment at h.Root. Only required steps abort it.
func (s *Store) provision(ctx context.Context, h *Handle, manifests []unit.Manifest, extras []string) error {
	if err := s.fs.RemoveAll(h.Root); err != nil {
		return &ProvisionError{Key: h.Key, Step: StepCreate, ExitCode: -1, Err: fmt.Errorf("failed to remove stale environment: %w", err)}
	}
	if err := s.fs.MkdirAll(s.config.Root, dirPermission); err != nil {
		return &ProvisionError{Key: h.Key, Step: StepCreate, ExitCode: -1, Err: fmt.Errorf("failed to create cache root: %w", err)}
	}

	for _, st := range s.steps(h, manifests, extras) {
		outcome := s.runStep(ctx, st)
		if outcome.Err == nil {
			s.logger.Debug("provisioning step completed",
				zap.String("env_key", h.Key),
				zap.String("step", outcome.Name),
				zap.Duration("elapsed", outcome.Elapsed))
			continue
		}

		s.metrics.ProvisionFailed(outcome.Name)

		if !outcome.Required {
			s.logger.Warn("optional provisioning step failed",
				zap.String("env_key", h.Key),
				zap.String("step", outcome.Name),
				zap.Int("exit_code", outcome.ExitCode),
				zap.String("output", outcome.Output),
				zap.Error(outcome.Err))
			continue
		}

		if rmErr := s.fs.RemoveAll(h.Root); rmErr != nil {
			s.logger.Error("failed to remove partial environment", zap.String("path", h.Root), zap.Error(rmErr))
		}
		return &ProvisionError{
			Key:      h.Key,
			Step:     outcome.Name,
			ExitCode: outcome.ExitCode,
			Output:   outcome.Output,
			Err:      outcome.Err,
		}
	}

	return nil
}

func (s *Store) runStep(ctx context.Context, st step) (outcome StepOutcome) {
	outcome = StepOutcome{Name: st.name, Required: st.required}
	started := s.now()
	defer func() {
		outcome.Elapsed = s.now().Sub(started)
	}()

	if st.prepare != nil {
		if err := st.prepare(); err != nil {
			outcome.ExitCode = -1
			outcome.Err = fmt.Errorf("failed to prepare step: %w", err)
			return outcome
		}
	}

	stepCtx, cancel := context.WithTimeout(ctx, stepTimeouts[st.name])
	defer cancel()

	stdout, stderr, exitCode, err := s.cmdRunner.RunCommand(stepCtx, st.args)
	outcome.ExitCode = exitCode
	outcome.Output = tail(firstNonEmpty(stderr, stdout), outputTailSize)

	switch {
	case err != nil:
		outcome.Err = err
	case exitCode != 0:
		outcome.Err = fmt.Errorf("%w: %s exited with code %d", ErrStepFailed, strings.Join(st.args[:min(3, len(st.args))], " "), exitCode)
	}

	return outcome
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
