package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"testing"

	"github.com/zer0touch/stoker/pkg/lock"
)

// fakeDevices is an in-memory DeviceManager so allocation logic can be
// exercised without root or a kernel.
type fakeDevices struct {
	mu          sync.Mutex
	taps        map[string]struct{}
	addrs       map[string]struct{}
	bridge      string
	failGateway bool
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		taps:  make(map[string]struct{}),
		addrs: make(map[string]struct{}),
	}
}

func (f *fakeDevices) EnsureBridge(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridge = name
	return nil
}

func (f *fakeDevices) TapExists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.taps[name]
	return ok
}

func (f *fakeDevices) CreateTap(name, bridgeName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.taps[name]; ok {
		return fmt.Errorf("%w: %s", ErrTapNameExists, name)
	}
	f.taps[name] = struct{}{}
	return nil
}

func (f *fakeDevices) DeleteTap(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.taps, name)
	return nil
}

func (f *fakeDevices) AddGatewayAddress(bridgeName string, addr netip.Prefix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGateway {
		return errors.New("injected gateway failure")
	}
	f.addrs[addr.String()] = struct{}{}
	return nil
}

func (f *fakeDevices) RemoveGatewayAddress(bridgeName string, addr netip.Prefix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.addrs, addr.String())
	return nil
}

func (f *fakeDevices) ActiveTapIndexes() ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var indexes []int
	for name := range f.taps {
		var i int
		if _, err := fmt.Sscanf(name, TapPrefix+"%02x", &i); err == nil {
			indexes = append(indexes, i)
		}
	}
	return indexes, nil
}

func (f *fakeDevices) tapCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.taps)
}

func noUsed(ctx context.Context) ([]int, error) { return nil, nil }

func newTestAllocator(t *testing.T, cfg Config, used UsedFunc, devices DeviceManager) *Allocator {
	t.Helper()

	locker, err := lock.NewFileLocker(t.TempDir())
	if err != nil {
		t.Fatalf("create locker: %v", err)
	}

	return NewAllocator(cfg, used, devices, locker)
}

func TestAllocateLowestFreeFirst(t *testing.T) {
	devices := newFakeDevices()
	a := newTestAllocator(t, Config{}, noUsed, devices)

	want := []struct {
		segment string
		hostIP  string
		guestIP string
		tap     string
	}{
		{"172.16.0.0/30", "172.16.0.1", "172.16.0.2", "stk-tap00"},
		{"172.16.0.4/30", "172.16.0.5", "172.16.0.6", "stk-tap01"},
		{"172.16.0.8/30", "172.16.0.9", "172.16.0.10", "stk-tap02"},
	}

	for i, w := range want {
		as, err := a.Allocate(context.Background())
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if as.Segment.String() != w.segment {
			t.Errorf("allocation %d segment = %s, want %s", i, as.Segment, w.segment)
		}
		if as.HostIP.String() != w.hostIP {
			t.Errorf("allocation %d host ip = %s, want %s", i, as.HostIP, w.hostIP)
		}
		if as.GuestIP.String() != w.guestIP {
			t.Errorf("allocation %d guest ip = %s, want %s", i, as.GuestIP, w.guestIP)
		}
		if as.TapDevice != w.tap {
			t.Errorf("allocation %d tap = %s, want %s", i, as.TapDevice, w.tap)
		}
	}
}

func TestAllocateReleaseNoLeak(t *testing.T) {
	devices := newFakeDevices()
	a := newTestAllocator(t, Config{PoolCIDR: "172.16.0.0/26"}, noUsed, devices)

	ctx := context.Background()
	const n = 16 // the whole /26

	var assignments []Assignment
	for i := 0; i < n; i++ {
		as, err := a.Allocate(ctx)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		assignments = append(assignments, as)
	}

	if _, err := a.Allocate(ctx); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("allocate on full pool: err = %v, want ErrPoolExhausted", err)
	}

	for _, as := range assignments {
		if err := a.Release(ctx, as); err != nil {
			t.Fatalf("release %d: %v", as.Index, err)
		}
	}

	if devices.tapCount() != 0 {
		t.Fatalf("taps left after full release: %d", devices.tapCount())
	}

	// Pool is back to its original allocatable size.
	for i := 0; i < n; i++ {
		if _, err := a.Allocate(ctx); err != nil {
			t.Fatalf("re-allocate %d: %v", i, err)
		}
	}
}

func TestReleaseIdempotent(t *testing.T) {
	devices := newFakeDevices()
	a := newTestAllocator(t, Config{}, noUsed, devices)

	ctx := context.Background()
	as, err := a.Allocate(ctx)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if err := a.Release(ctx, as); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := a.Release(ctx, as); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if err := a.Release(ctx, Assignment{}); err != nil {
		t.Fatalf("release of zero assignment: %v", err)
	}
}

func TestAllocateSkipsStrayHostTap(t *testing.T) {
	devices := newFakeDevices()
	// A tap from a partially failed prior run, not in any registry.
	_ = devices.CreateTap(TapName(0), DefaultBridgeName)

	a := newTestAllocator(t, Config{}, noUsed, devices)

	as, err := a.Allocate(context.Background())
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if as.Index != 1 {
		t.Fatalf("index = %d, want 1 (index 0 held by stray tap)", as.Index)
	}
}

func TestAllocateSkipsRegisteredAssignments(t *testing.T) {
	devices := newFakeDevices()
	used := func(ctx context.Context) ([]int, error) { return []int{0, 1, 3}, nil }

	a := newTestAllocator(t, Config{}, used, devices)

	as, err := a.Allocate(context.Background())
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if as.Index != 2 {
		t.Fatalf("index = %d, want 2", as.Index)
	}
}

func TestAllocateRollsBackTapOnGatewayFailure(t *testing.T) {
	devices := newFakeDevices()
	devices.failGateway = true

	a := newTestAllocator(t, Config{}, noUsed, devices)

	_, err := a.Allocate(context.Background())
	if !errors.Is(err, ErrNetworkSetup) {
		t.Fatalf("err = %v, want ErrNetworkSetup", err)
	}
	if devices.tapCount() != 0 {
		t.Fatalf("tap not rolled back, %d taps left", devices.tapCount())
	}
}

// TestConcurrentAllocateRelease drives randomized allocate/release
// interleavings and checks that no two simultaneously-active assignments
// ever share a segment, tap device or MAC.
func TestConcurrentAllocateRelease(t *testing.T) {
	devices := newFakeDevices()

	var (
		activeMu sync.Mutex
		active   = make(map[int]Assignment)
	)
	used := func(ctx context.Context) ([]int, error) {
		activeMu.Lock()
		defer activeMu.Unlock()
		indexes := make([]int, 0, len(active))
		for i := range active {
			indexes = append(indexes, i)
		}
		return indexes, nil
	}

	a := newTestAllocator(t, Config{PoolCIDR: "172.16.0.0/24"}, used, devices)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))

			var held []Assignment
			for op := 0; op < 25; op++ {
				if len(held) == 0 || rng.Intn(2) == 0 {
					as, err := a.Allocate(ctx)
					if errors.Is(err, ErrPoolExhausted) {
						continue
					}
					if err != nil {
						t.Errorf("allocate: %v", err)
						return
					}

					activeMu.Lock()
					if prev, clash := active[as.Index]; clash {
						t.Errorf("segment %s handed out twice (tap %s and %s)",
							as.Segment, prev.TapDevice, as.TapDevice)
					}
					active[as.Index] = as
					activeMu.Unlock()

					held = append(held, as)
					continue
				}

				as := held[len(held)-1]
				held = held[:len(held)-1]

				activeMu.Lock()
				delete(active, as.Index)
				activeMu.Unlock()

				if err := a.Release(ctx, as); err != nil {
					t.Errorf("release: %v", err)
					return
				}
			}

			for _, as := range held {
				activeMu.Lock()
				delete(active, as.Index)
				activeMu.Unlock()
				if err := a.Release(ctx, as); err != nil {
					t.Errorf("final release: %v", err)
				}
			}
		}(int64(g))
	}
	wg.Wait()

	// Cross-check the invariant over everything that was ever concurrently
	// active: taps and MACs derive from the index, so index uniqueness above
	// implies tap and MAC uniqueness; verify the derivation is injective.
	seenTaps := make(map[string]struct{})
	seenMACs := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		tap := TapName(i)
		mac := MACForIndex(i)
		if _, ok := seenTaps[tap]; ok {
			t.Errorf("duplicate tap name %s", tap)
		}
		if _, ok := seenMACs[mac]; ok {
			t.Errorf("duplicate mac %s", mac)
		}
		seenTaps[tap] = struct{}{}
		seenMACs[mac] = struct{}{}
	}

	if devices.tapCount() != 0 {
		t.Fatalf("%d taps leaked", devices.tapCount())
	}
}
