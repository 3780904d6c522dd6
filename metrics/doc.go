// Package metrics exposes cache, execution and budget metrics to Prometheus.
//
// A Collector registers its vectors on an injected registry so that tests and
// the serving process never share global state. The Collector satisfies
// envcache.Metrics and is consumed by the scheduler for execution metrics.
package metrics
