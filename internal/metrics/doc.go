// Package metrics collects Prometheus metrics for the query engine:
// provider call outcomes, pipeline stage transitions and durations,
// retrieval result counts and cache effectiveness.
package metrics
