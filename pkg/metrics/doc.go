// Package metrics exposes Prometheus collectors for the pipeline: item and
// task histograms, stage execution counts and durations, quota state, and
// reconciler activity. The daemon serves them on an optional /metrics
// listener; everything is registered at init.
package metrics
