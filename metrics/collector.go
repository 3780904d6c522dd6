package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector records nbharvest metrics
type Collector struct {
	// Cache metrics
	cacheRequests      *prometheus.CounterVec
	provisionFailures  *prometheus.CounterVec
	provisionDuration  prometheus.Histogram
	environmentsPruned prometheus.Counter

	// Execution metrics
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	budgetSpent       prometheus.Gauge

	logger *zap.Logger
}

// NewRegistry creates a registry with the Go runtime and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewCollector creates a Collector registered on reg
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.cacheRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "env_cache_requests_total",
			Help:      "Total number of environment acquisitions",
		},
		[]string{"result"}, // hit, miss
	)

	c.provisionFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "env_provision_failures_total",
			Help:      "Total number of failed provisioning steps",
		},
		[]string{"step"},
	)

	c.provisionDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_duration_seconds",
			Help:      "Environment provisioning duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
	)

	c.environmentsPruned = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envs_pruned_total",
			Help:      "Total number of evicted environments",
		},
	)

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of recorded units by outcome kind",
		},
		[]string{"kind"},
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Unit execution duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 240, 480, 960},
		},
		[]string{"kind"},
	)

	c.budgetSpent = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_spent_seconds",
			Help:      "Execution budget charged in the current run",
		},
	)

	return c
}

// CacheRequest records an environment acquisition
func (c *Collector) CacheRequest(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheRequests.WithLabelValues(result).Inc()
}

// ProvisionFailed records a failed provisioning step
func (c *Collector) ProvisionFailed(step string) {
	c.provisionFailures.WithLabelValues(step).Inc()
}

// ProvisionDuration records the time taken to build an environment
func (c *Collector) ProvisionDuration(d time.Duration) {
	c.provisionDuration.Observe(d.Seconds())
}

// Pruned records evicted environments
func (c *Collector) Pruned(n int) {
	c.environmentsPruned.Add(float64(n))
}

// Execution records one unit outcome
func (c *Collector) Execution(kind string, elapsed time.Duration) {
	c.executionsTotal.WithLabelValues(kind).Inc()
	c.executionDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// BudgetSpent sets the charged budget of the current run
func (c *Collector) BudgetSpent(spent time.Duration) {
	c.budgetSpent.Set(spent.Seconds())
}

// Server serves a registry over HTTP
type Server struct {
	addr   string
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates a metrics server for gatherer on addr
func NewServer(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// Start begins listening in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
