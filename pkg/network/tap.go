package network

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"
)

// NetlinkDeviceManager implements DeviceManager against the running kernel.
type NetlinkDeviceManager struct{}

func NewNetlinkDeviceManager() *NetlinkDeviceManager {
	return &NetlinkDeviceManager{}
}

// TapExists checks if a TAP device with the given name exists.
func (m *NetlinkDeviceManager) TapExists(name string) bool {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return false
	}

	_, ok := link.(*netlink.Tuntap)
	return ok
}

// CreateTap creates a TAP device and attaches it to the bridge.
func (m *NetlinkDeviceManager) CreateTap(name, bridgeName string) error {
	if _, err := netlink.LinkByName(name); err == nil {
		return fmt.Errorf("%w: %s", ErrTapNameExists, name)
	}

	la := netlink.NewLinkAttrs()
	la.Name = name
	tap := &netlink.Tuntap{
		LinkAttrs: la,
		Mode:      netlink.TUNTAP_MODE_TAP,
	}

	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("%w: %v", ErrTapCreateFailed, err)
	}

	bridge, err := netlink.LinkByName(bridgeName)
	if err != nil {
		// Cleanup TAP device if we can't find the bridge
		_ = netlink.LinkDel(tap)
		return fmt.Errorf("%w: %v", ErrBridgeNotFound, err)
	}

	if err := netlink.LinkSetMaster(tap, bridge); err != nil {
		_ = netlink.LinkDel(tap)
		return fmt.Errorf("failed to attach TAP to bridge: %w", err)
	}

	if err := netlink.LinkSetUp(tap); err != nil {
		_ = netlink.LinkDel(tap)
		return fmt.Errorf("failed to bring TAP up: %w", err)
	}

	return nil
}

// DeleteTap removes a TAP device.
func (m *NetlinkDeviceManager) DeleteTap(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		// TAP doesn't exist, nothing to do
		return nil
	}

	if _, ok := link.(*netlink.Tuntap); !ok {
		return fmt.Errorf("device %s exists but is not a TAP device", name)
	}

	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("failed to delete TAP device %s: %w", name, err)
	}

	return nil
}

// AddGatewayAddress puts a segment gateway /30 on the bridge.
func (m *NetlinkDeviceManager) AddGatewayAddress(bridgeName string, addr netip.Prefix) error {
	bridge, err := netlink.LinkByName(bridgeName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBridgeNotFound, err)
	}

	nlAddr, err := netlink.ParseAddr(addr.String())
	if err != nil {
		return fmt.Errorf("parse gateway address: %w", err)
	}

	if err := netlink.AddrReplace(bridge, nlAddr); err != nil {
		return fmt.Errorf("add gateway address %s: %w", addr, err)
	}

	return nil
}

// RemoveGatewayAddress drops a gateway address from the bridge.
func (m *NetlinkDeviceManager) RemoveGatewayAddress(bridgeName string, addr netip.Prefix) error {
	bridge, err := netlink.LinkByName(bridgeName)
	if err != nil {
		// Bridge gone means the address is gone too.
		return nil
	}

	nlAddr, err := netlink.ParseAddr(addr.String())
	if err != nil {
		return fmt.Errorf("parse gateway address: %w", err)
	}

	if err := netlink.AddrDel(bridge, nlAddr); err != nil {
		// Address already absent is fine for release idempotency.
		return nil
	}

	return nil
}

// ActiveTapIndexes lists segment indexes of stoker TAPs present on the host.
// Interfaces that exist but are not in the registry count as allocated so a
// partially failed prior run can never hand out a segment twice.
func (m *NetlinkDeviceManager) ActiveTapIndexes() ([]int, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}

	var indexes []int
	for _, link := range links {
		name := link.Attrs().Name
		if !strings.HasPrefix(name, TapPrefix) {
			continue
		}

		i, err := strconv.ParseInt(strings.TrimPrefix(name, TapPrefix), 16, 32)
		if err != nil {
			continue
		}
		indexes = append(indexes, int(i))
	}

	return indexes, nil
}
