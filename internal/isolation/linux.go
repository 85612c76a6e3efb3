//go:build linux

package isolation

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	cgroupRoot   = "/sys/fs/cgroup"
	cgroupPrefix = "flowengine"
	// cpuPeriod is the cpu.max period in microseconds.
	cpuPeriod      = 100000
	removeRetries  = 10
	removeInterval = 50 * time.Millisecond
)

var _ Isolator = (*LinuxIsolator)(nil)

// LinuxIsolator runs each program in its own cgroup v2 leaf, optionally in
// fresh PID and network namespaces.
type LinuxIsolator struct {
	base   string
	caps   Caps
	logger *slog.Logger
}

// NewLinuxIsolator prepares <cgroup root>/flowengine and enables the memory,
// cpu and pids controllers for its children.
func NewLinuxIsolator(logger *slog.Logger) (*LinuxIsolator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(filepath.Join(cgroupRoot, "cgroup.controllers"))
	if err != nil {
		return nil, fmt.Errorf("cgroups v2 not available: %w", err)
	}
	controllers := parseControllers(string(data))

	base := filepath.Join(cgroupRoot, cgroupPrefix)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", base, err)
	}
	if err := enableControllers(base, controllers); err != nil {
		return nil, fmt.Errorf("enable cgroup controllers: %w", err)
	}
	return &LinuxIsolator{base: base, caps: capsFor(controllers), logger: logger}, nil
}

func (l *LinuxIsolator) Capabilities() Caps {
	return l.caps
}

func (l *LinuxIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	cg, err := l.newCgroup(limits)
	if err != nil {
		return nil, nil, err
	}

	execCtx, cancel := withTimeout(ctx, limits)
	wrapped := clone(execCtx, cmd)

	var flags uintptr
	if l.caps.CanIsolatePID {
		flags |= syscall.CLONE_NEWPID
	}
	if !limits.AllowNetwork && l.caps.CanLimitNetwork {
		flags |= syscall.CLONE_NEWNET
	}
	wrapped.SysProcAttr = &syscall.SysProcAttr{
		UseCgroupFD: true,
		CgroupFD:    cg.fd,
		Cloneflags:  flags,
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			cancel()
			cg.destroy()
		})
	}
	return wrapped, cleanup, nil
}

// cgroup is one per-program leaf and the directory fd handed to clone3.
type cgroup struct {
	path   string
	fd     int
	logger *slog.Logger
}

func (l *LinuxIsolator) newCgroup(limits ResourceLimits) (*cgroup, error) {
	cg := &cgroup{path: filepath.Join(l.base, uuid.NewString()), fd: -1, logger: l.logger}
	if err := os.Mkdir(cg.path, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", cg.path, err)
	}

	if limits.MaxMemoryBytes > 0 && l.caps.CanLimitMemory {
		if err := cg.write("memory.max", strconv.FormatInt(limits.MaxMemoryBytes, 10)); err != nil {
			cg.destroy()
			return nil, err
		}
		// Without this the program spills into swap instead of being OOM-killed.
		_ = cg.write("memory.swap.max", "0")
	}
	if limits.MaxCPUPercent > 0 && l.caps.CanLimitCPU {
		if err := cg.write("cpu.max", cpuMax(limits.MaxCPUPercent)); err != nil {
			cg.destroy()
			return nil, err
		}
	}

	fd, err := syscall.Open(cg.path, syscall.O_DIRECTORY|syscall.O_RDONLY, 0)
	if err != nil {
		cg.destroy()
		return nil, fmt.Errorf("open cgroup fd: %w", err)
	}
	cg.fd = fd
	return cg, nil
}

func (cg *cgroup) write(file, value string) error {
	if err := os.WriteFile(filepath.Join(cg.path, file), []byte(value), 0o644); err != nil {
		return fmt.Errorf("set %s: %w", file, err)
	}
	return nil
}

// destroy kills whatever is left in the cgroup and removes it.
func (cg *cgroup) destroy() {
	if cg.fd >= 0 {
		_ = syscall.Close(cg.fd)
		cg.fd = -1
	}
	if err := cg.write("cgroup.kill", "1"); err != nil {
		cg.killProcs()
	}
	for range removeRetries {
		if err := os.Remove(cg.path); err == nil || os.IsNotExist(err) {
			return
		}
		time.Sleep(removeInterval)
	}
	cg.logger.Warn("cgroup not removed", slog.String("path", cg.path))
}

// killProcs is the fallback for kernels without cgroup.kill.
func (cg *cgroup) killProcs() {
	f, err := os.Open(filepath.Join(cg.path, "cgroup.procs"))
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil || pid <= 0 {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			cg.logger.Warn("kill sandboxed process", slog.Int("pid", pid), slog.String("error", err.Error()))
		}
	}
}

// cpuMax renders a CPU percentage as the cpu.max "QUOTA PERIOD" pair.
// Out-of-range values mean unlimited.
func cpuMax(percent int) string {
	if percent <= 0 || percent > 100 {
		return fmt.Sprintf("max %d", cpuPeriod)
	}
	return fmt.Sprintf("%d %d", cpuPeriod*percent/100, cpuPeriod)
}

func parseControllers(data string) map[string]bool {
	m := make(map[string]bool)
	for _, c := range strings.Fields(data) {
		m[c] = true
	}
	return m
}

func capsFor(controllers map[string]bool) Caps {
	return Caps{
		CanLimitMemory: controllers["memory"],
		CanLimitCPU:    controllers["cpu"],
		// CLONE_NEWNET, not a controller.
		CanLimitNetwork: true,
		CanIsolatePID:   controllers["pids"],
	}
}

func enableControllers(base string, controllers map[string]bool) error {
	var enable []string
	for _, c := range []string{"memory", "cpu", "pids"} {
		if controllers[c] {
			enable = append(enable, "+"+c)
		}
	}
	if len(enable) == 0 {
		return nil
	}
	return os.WriteFile(filepath.Join(base, "cgroup.subtree_control"), []byte(strings.Join(enable, " ")), 0o644)
}
