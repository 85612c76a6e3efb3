// Package isolation confines the external interpreters that run Code node
// programs: memory and CPU ceilings, a private network namespace and a
// wall-clock timeout, as far as the platform allows.
package isolation

import (
	"context"
	"os/exec"
	"time"
)

// ResourceLimits bound one Code node program.
type ResourceLimits struct {
	MaxMemoryBytes int64         `json:"max_memory_bytes,omitempty"`
	MaxCPUPercent  int           `json:"max_cpu_percent,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	AllowNetwork   bool          `json:"allow_network"`
}

// DefaultLimits apply when a sandbox is created without explicit limits.
var DefaultLimits = ResourceLimits{
	MaxMemoryBytes: 256 << 20,
	MaxCPUPercent:  50,
}

// Caps describes what an Isolator can enforce on this host.
type Caps struct {
	CanLimitMemory  bool `json:"can_limit_memory"`
	CanLimitCPU     bool `json:"can_limit_cpu"`
	CanLimitNetwork bool `json:"can_limit_network"`
	CanIsolatePID   bool `json:"can_isolate_pid"`
}

// Isolator wraps a prepared command so that it runs under limits.
// The caller must run the returned command, not the original, and must
// call the cleanup function once the process has exited.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error)
	Capabilities() Caps
}

// pipeDrainDelay bounds how long Wait waits for output pipes after a kill.
const pipeDrainDelay = 5 * time.Second

// clone copies cmd onto a command bound to ctx so cancellation kills it.
// exec.Cmd.Cancel is only honoured for commands built by CommandContext.
func clone(ctx context.Context, cmd *exec.Cmd) *exec.Cmd {
	wrapped := exec.CommandContext(ctx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	wrapped.WaitDelay = pipeDrainDelay
	return wrapped
}

// withTimeout derives the execution context for limits.Timeout, if any.
func withTimeout(ctx context.Context, limits ResourceLimits) (context.Context, context.CancelFunc) {
	if limits.Timeout > 0 {
		return context.WithTimeout(ctx, limits.Timeout)
	}
	return ctx, func() {}
}
