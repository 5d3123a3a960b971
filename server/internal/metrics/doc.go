// Package metrics keeps the relay's process-wide counters and gauges and
// renders them in the Prometheus text exposition format.
//
// Counters are created on first use, so relay and webhook code can report
// by name without registering anything up front. Gauges are sampled from
// callbacks at scrape time.
package metrics
