// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Order placement outcomes, fills and cancellations
//   - Primary purchase outcomes and reaper expirations
//   - HTTP request counts and latencies
//   - Event buffer depth and audit writer throughput
//
// All recording methods are safe to call on a nil *Metrics.
package metrics
