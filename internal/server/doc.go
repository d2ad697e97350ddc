// Package server exposes the local HTTP status surface of a pipeline run:
// health, statistics, the active configuration, archived records and
// Prometheus metrics.
package server
