// Package supervisor drives the instance lifecycle: spawning hypervisor
// processes, sequencing boot configuration, probing readiness and tearing
// everything down again. Every state transition is persisted to the
// registry before control moves on, so a crashed command never leaves an
// undescribed instance behind.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/zer0touch/stoker/internal/config"
	"github.com/zer0touch/stoker/internal/firecracker"
	"github.com/zer0touch/stoker/internal/guest"
	"github.com/zer0touch/stoker/internal/registry"
	"github.com/zer0touch/stoker/pkg/fs"
	"github.com/zer0touch/stoker/pkg/lock"
	"github.com/zer0touch/stoker/pkg/network"
)

// ControlPlane is the per-instance hypervisor API surface the supervisor
// depends on.
type ControlPlane interface {
	WaitSocket(ctx context.Context, timeout time.Duration) error
	ConfigureBoot(ctx context.Context, spec firecracker.BootSpec) error
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// ControlFactory builds a control plane client for one instance socket.
type ControlFactory func(socketPath string) ControlPlane

// ReadinessProbe is one attempt at deciding whether the guest workload is
// reachable. The supervisor retries it until the boot timeout.
type ReadinessProbe func(ctx context.Context, guestIP string) error

// GuestSetup applies in-guest configuration once the instance is reachable.
type GuestSetup func(ctx context.Context, inst *registry.Instance) error

// Deps are the supervisor's collaborators. Zero fields get production
// defaults in New.
type Deps struct {
	Registry   *registry.Registry
	Allocator  *network.Allocator
	Locker     lock.Locker
	Hypervisor Hypervisor
	Control    ControlFactory
	Probe      ReadinessProbe
	SetupGuest GuestSetup
	Logger     *slog.Logger
}

type Supervisor struct {
	cfg        config.Config
	registry   *registry.Registry
	allocator  *network.Allocator
	locker     lock.Locker
	hypervisor Hypervisor
	control    ControlFactory
	probe      ReadinessProbe
	setupGuest GuestSetup
	logger     *slog.Logger
}

func New(cfg config.Config, deps Deps) *Supervisor {
	s := &Supervisor{
		cfg:        cfg,
		registry:   deps.Registry,
		allocator:  deps.Allocator,
		locker:     deps.Locker,
		hypervisor: deps.Hypervisor,
		control:    deps.Control,
		probe:      deps.Probe,
		setupGuest: deps.SetupGuest,
		logger:     deps.Logger,
	}

	if s.hypervisor == nil {
		s.hypervisor = &ExecHypervisor{}
	}
	if s.control == nil {
		s.control = func(socketPath string) ControlPlane {
			return firecracker.NewClient(socketPath)
		}
	}
	if s.probe == nil {
		s.probe = guest.ProbeSSH
	}
	if s.setupGuest == nil {
		s.setupGuest = func(ctx context.Context, inst *registry.Instance) error {
			return guest.ConfigureNetwork(ctx, guest.Config{
				GuestIP:   inst.Network.GuestIP.String(),
				GatewayIP: inst.Network.HostIP.String(),
				KeyPath:   cfg.SSHKeyPath(),
			}, s.logger)
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	return s
}

// RunSpec is one `run` request.
type RunSpec struct {
	Name       string
	Image      string
	VCPUs      int
	MemSizeMiB int
}

// Run creates and boots a new instance. On success the instance is in state
// running with a live hypervisor process behind it.
//
// Failure handling follows one rule: a boot timeout leaves the instance in
// state booting with its process alive for inspection; every other failure
// is persisted as failed, then fully rolled back so no record, process or
// network resource survives.
func (s *Supervisor) Run(ctx context.Context, spec RunSpec) (*registry.Instance, error) {
	img, err := s.registry.GetImage(ctx, spec.Image)
	if err != nil {
		return nil, err
	}

	assignment, err := s.allocator.Allocate(ctx)
	if err != nil {
		return nil, err
	}

	id := fmt.Sprintf("fc_%02x", assignment.Index)
	machineDir := s.cfg.MachineDir(id)

	instLock, err := s.locker.Acquire(ctx, "instance-"+id)
	if err != nil {
		_ = s.allocator.Release(ctx, assignment)
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	defer func() { _ = instLock.Release() }()

	inst := &registry.Instance{
		ID:         id,
		Name:       spec.Name,
		Image:      spec.Image,
		State:      registry.StateCreating,
		SocketPath: filepath.Join(machineDir, "api.sock"),
		LogPath:    filepath.Join(machineDir, "firecracker.log"),
		RootfsPath: filepath.Join(machineDir, "rootfs.ext4"),
		Network:    assignment,
	}

	// The row exists before any process does. A name conflict loses the
	// race here, before anything hard to undo has happened.
	if err := s.registry.Upsert(ctx, inst); err != nil {
		_ = s.allocator.Release(ctx, assignment)
		return nil, err
	}

	if err := s.boot(ctx, inst, img, spec); err != nil {
		if errors.Is(err, firecracker.ErrBootTimeout) {
			s.logger.WarnContext(ctx, "boot timed out, leaving instance for inspection",
				"instance", id, "pid", inst.PID)
			return nil, err
		}
		s.fail(ctx, inst)
		return nil, err
	}

	if err := s.registry.UpdateState(ctx, id, registry.StateRunning, inst.PID); err != nil {
		s.fail(ctx, inst)
		return nil, err
	}
	inst.State = registry.StateRunning

	s.logger.InfoContext(ctx, "instance running",
		"instance", id, "name", spec.Name, "guest_ip", assignment.GuestIP.String())

	return inst, nil
}

// boot takes a creating instance to the point where the guest answers its
// readiness probe. inst.PID is set as soon as the process exists.
func (s *Supervisor) boot(ctx context.Context, inst *registry.Instance, img *registry.Image, spec RunSpec) error {
	machineDir := s.cfg.MachineDir(inst.ID)
	if err := os.MkdirAll(machineDir, 0o755); err != nil {
		return fmt.Errorf("create machine directory: %w", err)
	}

	// Every instance boots a private clone of the image artifact.
	if err := fs.CopyFile(img.Path, inst.RootfsPath); err != nil {
		return fmt.Errorf("clone rootfs: %w", err)
	}

	pid, err := s.hypervisor.Spawn(ctx, SpawnSpec{
		Binary:      s.cfg.FirecrackerPath(),
		SocketPath:  inst.SocketPath,
		ConsolePath: filepath.Join(machineDir, "console.log"),
	})
	if err != nil {
		return err
	}
	inst.PID = pid

	if err := s.registry.UpdateState(ctx, inst.ID, registry.StateBooting, pid); err != nil {
		return err
	}
	inst.State = registry.StateBooting

	vcpus := spec.VCPUs
	if vcpus <= 0 {
		vcpus = s.cfg.VCPUs
	}
	memory := spec.MemSizeMiB
	if memory <= 0 {
		memory = s.cfg.MemSizeMiB
	}

	control := s.control(inst.SocketPath)
	if err := control.WaitSocket(ctx, s.cfg.BootTimeout); err != nil {
		return err
	}

	err = control.ConfigureBoot(ctx, firecracker.BootSpec{
		KernelPath: s.cfg.KernelPath(),
		RootfsPath: inst.RootfsPath,
		VCPUs:      vcpus,
		MemSizeMiB: memory,
		TapDevice:  inst.Network.TapDevice,
		GuestMAC:   inst.Network.MACAddress,
		GuestIP:    inst.Network.GuestIP.String(),
		GatewayIP:  inst.Network.HostIP.String(),
		LogPath:    inst.LogPath,
	})
	if err != nil {
		return err
	}

	if err := control.Start(ctx); err != nil {
		return err
	}

	if err := s.awaitReady(ctx, inst.Network.GuestIP.String()); err != nil {
		return err
	}

	if err := s.setupGuest(ctx, inst); err != nil {
		return fmt.Errorf("configure guest: %w", err)
	}

	return nil
}

// awaitReady retries the readiness probe until it succeeds or the boot
// timeout expires.
func (s *Supervisor) awaitReady(ctx context.Context, guestIP string) error {
	deadline := time.Now().Add(s.cfg.BootTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, time.Second)
		err := s.probe(attemptCtx, guestIP)
		cancel()
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("%w: guest not ready after %v", firecracker.ErrBootTimeout, s.cfg.BootTimeout)
			}
		}
	}
}

// fail records the failure, then rolls everything back: process killed,
// network released, machine directory removed, record deleted.
func (s *Supervisor) fail(ctx context.Context, inst *registry.Instance) {
	if err := s.registry.UpdateState(ctx, inst.ID, registry.StateFailed, inst.PID); err != nil {
		s.logger.ErrorContext(ctx, "persist failed state", "instance", inst.ID, "error", err)
	}

	if inst.PID > 0 && s.hypervisor.Alive(inst.PID) {
		if err := s.hypervisor.Signal(inst.PID, syscall.SIGKILL); err != nil {
			s.logger.ErrorContext(ctx, "kill hypervisor", "instance", inst.ID, "error", err)
		}
	}

	if err := s.cleanup(ctx, inst); err != nil {
		s.logger.WarnContext(ctx, "rollback cleanup incomplete", "instance", inst.ID, "error", err)
	}

	if err := s.registry.Delete(ctx, inst.ID); err != nil {
		s.logger.ErrorContext(ctx, "delete instance record", "instance", inst.ID, "error", err)
	}
}

func (s *Supervisor) cleanup(ctx context.Context, inst *registry.Instance) error {
	return errors.Join(
		s.allocator.Release(ctx, inst.Network),
		os.RemoveAll(s.cfg.MachineDir(inst.ID)),
	)
}
