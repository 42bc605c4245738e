package supervisor

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/zer0touch/stoker/internal/registry"
)

// Remove stops an instance and reclaims everything it owns. Shutdown is
// graceful first: the guest gets ctrl-alt-del and the grace period to exit
// before SIGKILL. Cleanup afterwards is unconditional and best-effort so a
// half-dead instance can always be removed.
func (s *Supervisor) Remove(ctx context.Context, idOrName string) error {
	inst, err := s.registry.Get(ctx, idOrName)
	if err != nil {
		return err
	}

	instLock, err := s.locker.Acquire(ctx, "instance-"+inst.ID)
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer func() { _ = instLock.Release() }()

	if err := s.registry.UpdateState(ctx, inst.ID, registry.StateStopping, inst.PID); err != nil {
		return err
	}

	if inst.PID > 0 && s.hypervisor.Alive(inst.PID) {
		s.stopProcess(ctx, inst)
	}

	if err := s.cleanup(ctx, inst); err != nil {
		s.logger.WarnContext(ctx, "cleanup incomplete", "instance", inst.ID, "error", err)
	}

	if err := s.registry.UpdateState(ctx, inst.ID, registry.StateStopped, 0); err != nil {
		return err
	}
	if err := s.registry.Delete(ctx, inst.ID); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "instance removed", "instance", inst.ID, "name", inst.Name)
	return nil
}

// stopProcess asks the guest to shut down, waits out the grace period and
// escalates to SIGKILL if the process is still there.
func (s *Supervisor) stopProcess(ctx context.Context, inst *registry.Instance) {
	control := s.control(inst.SocketPath)
	if err := control.Shutdown(ctx); err != nil {
		s.logger.DebugContext(ctx, "graceful shutdown request failed",
			"instance", inst.ID, "error", err)
	} else if s.waitExit(ctx, inst.PID, s.cfg.ShutdownGrace) {
		return
	}

	s.logger.InfoContext(ctx, "escalating to SIGKILL", "instance", inst.ID, "pid", inst.PID)
	if err := s.hypervisor.Signal(inst.PID, syscall.SIGKILL); err != nil {
		s.logger.ErrorContext(ctx, "kill hypervisor", "instance", inst.ID, "error", err)
	}
	s.waitExit(ctx, inst.PID, 2*time.Second)
}

func (s *Supervisor) waitExit(ctx context.Context, pid int, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !s.hypervisor.Alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if time.Now().After(deadline) {
				return false
			}
		}
	}
}

// List returns all instances, reconciling records against reality first:
// a booting or running row whose process is gone becomes stopped.
func (s *Supervisor) List(ctx context.Context) ([]*registry.Instance, error) {
	instances, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	for _, inst := range instances {
		s.reconcile(ctx, inst)
	}

	return instances, nil
}

// Get resolves one instance by id or name, reconciled the same way List is.
func (s *Supervisor) Get(ctx context.Context, idOrName string) (*registry.Instance, error) {
	inst, err := s.registry.Get(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	s.reconcile(ctx, inst)
	return inst, nil
}

// reconcile flips a live-looking record to stopped when its process is
// gone.
func (s *Supervisor) reconcile(ctx context.Context, inst *registry.Instance) {
	if inst.State != registry.StateRunning && inst.State != registry.StateBooting {
		return
	}
	if s.hypervisor.Alive(inst.PID) {
		return
	}

	if err := s.registry.UpdateState(ctx, inst.ID, registry.StateStopped, 0); err != nil {
		s.logger.WarnContext(ctx, "reconcile state", "instance", inst.ID, "error", err)
		return
	}
	inst.State = registry.StateStopped
	inst.PID = 0
}
