// Package metrics exposes Prometheus collectors for the controller: state
// gauges refreshed by a background Collector, counters bumped on the
// dispatch and artifact paths, and an API request counter fed by the HTTP
// middleware. Handler serves the standard /metrics endpoint.
package metrics
