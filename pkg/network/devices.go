package network

import "net/netip"

// DeviceManager abstracts the host network operations the allocator needs.
// The netlink-backed implementation lives in tap.go and bridge.go; tests
// inject a fake so allocation logic can be exercised without privileges.
type DeviceManager interface {
	// EnsureBridge creates the shared bridge if missing and brings it up.
	EnsureBridge(name string) error

	// TapExists reports whether a link with the given name is present.
	TapExists(name string) bool

	// CreateTap creates a TAP device, enslaves it to the bridge and brings
	// it up. Rolls the device back on partial failure.
	CreateTap(name, bridgeName string) error

	// DeleteTap removes a TAP device. Deleting a missing device is a no-op.
	DeleteTap(name string) error

	// AddGatewayAddress puts a segment's host gateway /30 on the bridge.
	AddGatewayAddress(bridgeName string, addr netip.Prefix) error

	// RemoveGatewayAddress drops a gateway address. Missing address is a no-op.
	RemoveGatewayAddress(bridgeName string, addr netip.Prefix) error

	// ActiveTapIndexes lists the segment indexes of stoker TAP devices
	// physically present on the host, registered or not.
	ActiveTapIndexes() ([]int, error)
}
