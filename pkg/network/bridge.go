package network

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// EnsureBridge creates the shared bridge if it doesn't exist and brings it
// up. This is idempotent - safe to call multiple times. Segment gateway
// addresses are added per allocation, not here.
func (m *NetlinkDeviceManager) EnsureBridge(name string) error {
	bridge, ok := getBridge(name)
	if !ok {
		la := netlink.NewLinkAttrs()
		la.Name = name
		bridge = &netlink.Bridge{LinkAttrs: la}

		if err := netlink.LinkAdd(bridge); err != nil {
			return fmt.Errorf("%w: %v", ErrBridgeCreateFailed, err)
		}
	}

	if err := netlink.LinkSetUp(bridge); err != nil {
		return fmt.Errorf("failed to bring bridge up: %w", err)
	}

	return nil
}

// DestroyBridge removes the shared bridge.
// This will fail if any TAP devices are still attached.
func (m *NetlinkDeviceManager) DestroyBridge(name string) error {
	bridge, ok := getBridge(name)
	if !ok {
		return nil
	}

	if err := netlink.LinkDel(bridge); err != nil {
		return fmt.Errorf("failed to delete bridge: %w", err)
	}

	return nil
}

func getBridge(name string) (*netlink.Bridge, bool) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, false
	}

	bridge, ok := link.(*netlink.Bridge)
	if !ok {
		return nil, false
	}

	return bridge, ok
}
