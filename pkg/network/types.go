package network

import "net/netip"

// Network configuration constants
const (
	// Bridge configuration
	DefaultBridgeName = "stoker-br0"

	// Pool configuration. The pool is carved into /30 segments, one per
	// instance: network, host gateway, guest, broadcast.
	DefaultPoolCIDR = "172.16.0.0/16"
	SegmentBits     = 30
	SegmentSize     = 4

	// MAC address configuration
	MACPrefix = "AA:FC:00" // Locally administered, Firecracker hint

	// TAP device naming: stk-tap{index hex}, within the Linux 15 char
	// interface name limit.
	TapPrefix = "stk-tap"
)

// Config holds the pool parameters. Zero values fall back to the defaults
// above via Normalize.
type Config struct {
	PoolCIDR   string
	BridgeName string
}

func (c Config) Normalize() Config {
	if c.PoolCIDR == "" {
		c.PoolCIDR = DefaultPoolCIDR
	}
	if c.BridgeName == "" {
		c.BridgeName = DefaultBridgeName
	}

	return c
}

// Assignment is the network identity of one instance: an isolated /30
// point-to-point segment plus the host-side TAP device bound to it.
type Assignment struct {
	Index      int          // segment index within the pool, lowest-free-first
	Segment    netip.Prefix // the /30 block
	HostIP     netip.Addr   // gateway address, lives on the bridge
	GuestIP    netip.Addr   // address handed to the booted instance
	TapDevice  string       // host-side TAP name, unique per host
	MACAddress string       // guest MAC, unique among active assignments
}
