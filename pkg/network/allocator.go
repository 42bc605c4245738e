// Package network manages the pool of isolated point-to-point /30 segments
// and the host-side TAP devices bound to them. One segment per instance,
// lowest free index first, so addressing stays stable and predictable
// across runs.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/zer0touch/stoker/pkg/lock"
)

const poolLockName = "network-pool"

// UsedFunc returns the segment indexes of all currently-active assignments
// as recorded by the instance registry.
type UsedFunc func(ctx context.Context) ([]int, error)

// Allocator hands out and reclaims network assignments. Pool state is not
// held in memory: it is derived on every call from the registry plus the TAP
// devices physically present on the host, under a cross-process pool lock.
//
// Create one at startup and pass it as a dependency to components that need
// networking.
type Allocator struct {
	cfg     Config
	used    UsedFunc
	devices DeviceManager
	locker  lock.Locker
	logger  *slog.Logger
}

func NewAllocator(cfg Config, used UsedFunc, devices DeviceManager, locker lock.Locker) *Allocator {
	return &Allocator{
		cfg:     cfg.Normalize(),
		used:    used,
		devices: devices,
		locker:  locker,
		logger:  slog.Default(),
	}
}

// EnsureInfrastructure makes the shared bridge and NAT rules exist.
// Idempotent; called before the first allocation of every run command.
func (a *Allocator) EnsureInfrastructure() error {
	if err := a.devices.EnsureBridge(a.cfg.BridgeName); err != nil {
		return err
	}

	return EnableNAT(a.cfg)
}

// Allocate reserves the lowest free /30 segment, creates its TAP device,
// attaches it to the bridge and adds the gateway address. From the caller's
// perspective the whole step is atomic: on any failure after TAP creation
// the TAP is rolled back and ErrNetworkSetup is returned.
func (a *Allocator) Allocate(ctx context.Context) (Assignment, error) {
	l, err := a.locker.Acquire(ctx, poolLockName)
	if err != nil {
		return Assignment{}, fmt.Errorf("acquire pool lock: %w", err)
	}
	defer func() { _ = l.Release() }()

	index, err := a.lowestFreeIndex(ctx)
	if err != nil {
		return Assignment{}, err
	}

	as, err := AssignmentForIndex(a.cfg, index)
	if err != nil {
		return Assignment{}, err
	}

	if err := a.devices.CreateTap(as.TapDevice, a.cfg.BridgeName); err != nil {
		if errors.Is(err, ErrTapNameExists) {
			return Assignment{}, err
		}
		return Assignment{}, fmt.Errorf("%w: %v", ErrNetworkSetup, err)
	}

	gateway := netip.PrefixFrom(as.HostIP, SegmentBits)
	if err := a.devices.AddGatewayAddress(a.cfg.BridgeName, gateway); err != nil {
		_ = a.devices.DeleteTap(as.TapDevice)
		return Assignment{}, fmt.Errorf("%w: %v", ErrNetworkSetup, err)
	}

	a.logger.InfoContext(ctx, "allocated network segment",
		"segment", as.Segment.String(),
		"tap", as.TapDevice,
		"guest_ip", as.GuestIP.String())

	return as, nil
}

// Release tears down an assignment: gateway address removed, TAP deleted.
// Idempotent - releasing an already-released or never-allocated assignment
// succeeds silently so cleanup after partial failures can always run.
func (a *Allocator) Release(ctx context.Context, as Assignment) error {
	l, err := a.locker.Acquire(ctx, poolLockName)
	if err != nil {
		return fmt.Errorf("acquire pool lock: %w", err)
	}
	defer func() { _ = l.Release() }()

	var errs []error

	if as.HostIP.IsValid() {
		gateway := netip.PrefixFrom(as.HostIP, SegmentBits)
		if err := a.devices.RemoveGatewayAddress(a.cfg.BridgeName, gateway); err != nil {
			errs = append(errs, fmt.Errorf("remove gateway address: %w", err))
		}
	}

	if as.TapDevice != "" {
		if err := a.devices.DeleteTap(as.TapDevice); err != nil {
			errs = append(errs, fmt.Errorf("delete tap: %w", err))
		}
	}

	return errors.Join(errs...)
}

// lowestFreeIndex merges registry-recorded assignments with TAPs present on
// the host and returns the first index not in either set. Host links without
// a registry record count as used until someone cleans them up.
func (a *Allocator) lowestFreeIndex(ctx context.Context) (int, error) {
	count, err := SegmentCount(a.cfg.PoolCIDR)
	if err != nil {
		return 0, err
	}

	taken := make(map[int]struct{})

	registered, err := a.used(ctx)
	if err != nil {
		return 0, fmt.Errorf("read active assignments: %w", err)
	}
	for _, i := range registered {
		taken[i] = struct{}{}
	}

	live, err := a.devices.ActiveTapIndexes()
	if err != nil {
		return 0, fmt.Errorf("list host taps: %w", err)
	}
	for _, i := range live {
		taken[i] = struct{}{}
	}

	for i := 0; i < count; i++ {
		if _, ok := taken[i]; !ok {
			return i, nil
		}
	}

	return 0, ErrPoolExhausted
}
