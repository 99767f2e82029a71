// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Feed connection state, reconnects and dropped messages
//   - Router throughput, duplicates and parse errors
//   - Candle closes, late ticks and gap fills
//   - Writer batches, latencies and the storage degraded flag
//   - Trade opens, settlements by outcome, feed gaps and CAS conflicts
//   - Hub connections, evictions and published events
package metrics
