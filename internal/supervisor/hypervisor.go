package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// SpawnSpec describes one hypervisor process to start.
type SpawnSpec struct {
	Binary     string
	SocketPath string
	// ConsolePath captures the process stdout/stderr (the guest serial
	// console ends up here too).
	ConsolePath string
}

// Hypervisor starts and signals hypervisor processes. Injected so the
// lifecycle logic is testable without a real firecracker binary.
type Hypervisor interface {
	Spawn(ctx context.Context, spec SpawnSpec) (pid int, err error)
	Alive(pid int) bool
	Signal(pid int, sig syscall.Signal) error
}

// ExecHypervisor spawns real firecracker processes. Children are detached
// into their own session so they outlive the short-lived CLI process.
type ExecHypervisor struct{}

func (h *ExecHypervisor) Spawn(ctx context.Context, spec SpawnSpec) (int, error) {
	console, err := os.OpenFile(spec.ConsolePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open console log: %w", err)
	}
	defer console.Close()

	// Plain Command: the child is detached into its own session and must
	// not be killed when the CLI's context ends.
	cmd := exec.Command(spec.Binary, "--api-sock", spec.SocketPath)
	cmd.Stdout = console
	cmd.Stderr = console
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn hypervisor: %w", err)
	}

	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release hypervisor process: %w", err)
	}

	return pid, nil
}

// Alive reports whether pid still exists. EPERM still means alive, just
// owned by someone else.
func (h *ExecHypervisor) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// Signal sends sig; a process that is already gone is not an error.
func (h *ExecHypervisor) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}
