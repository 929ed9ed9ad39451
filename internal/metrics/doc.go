// Package metrics exposes detection counters and latencies in Prometheus
// format on a private registry.
package metrics
