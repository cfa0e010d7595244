// Package integration provides cross-package integration tests for steward.
// These tests wire the graph, scorer, gate, breakers, store and a real
// command executor together the way 'steward run' does.
//
// Build tag: integration
// Run with: go test -tags integration ./internal/integration/...
package integration
