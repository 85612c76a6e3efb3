//go:build linux

package isolation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCPUMax(t *testing.T) {
	assert.Equal(t, "50000 100000", cpuMax(50))
	assert.Equal(t, "100000 100000", cpuMax(100))
	assert.Equal(t, "max 100000", cpuMax(0))
	assert.Equal(t, "max 100000", cpuMax(150))
}

func TestCapsFor(t *testing.T) {
	caps := capsFor(parseControllers("cpuset cpu io memory pids\n"))
	assert.Equal(t, Caps{CanLimitMemory: true, CanLimitCPU: true, CanLimitNetwork: true, CanIsolatePID: true}, caps)

	caps = capsFor(parseControllers("io"))
	assert.False(t, caps.CanLimitMemory)
	assert.False(t, caps.CanLimitCPU)
	assert.False(t, caps.CanIsolatePID)
}
