// Package exec runs dispatched actions outside the steward process, either as
// a local command or as a NATS request.
package exec

import (
	"context"
)

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	// env entries are appended to the current process environment.
	Run(ctx context.Context, env []string, name string, args ...string) (output []byte, err error)
}
