// Package sinks implements progress consumers: structured logging,
// Prometheus collectors, and the run store behind the admin API.
package sinks
