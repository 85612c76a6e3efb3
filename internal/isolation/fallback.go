package isolation

import (
	"context"
	"os/exec"
)

var _ Isolator = (*FallbackIsolator)(nil)

// FallbackIsolator only enforces the timeout. It is used where cgroups v2
// is unavailable or not writable by the current user.
type FallbackIsolator struct{}

// NewFallbackIsolator creates a FallbackIsolator.
func NewFallbackIsolator() *FallbackIsolator {
	return &FallbackIsolator{}
}

func (f *FallbackIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	execCtx, cancel := withTimeout(ctx, limits)
	return clone(execCtx, cmd), cancel, nil
}

func (f *FallbackIsolator) Capabilities() Caps {
	return Caps{}
}
