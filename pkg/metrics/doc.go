// Package metrics registers the Prometheus collectors the interchange
// exposes over /metrics: queue throughput, spool depth, reconnects, and
// scaling decisions.
package metrics
