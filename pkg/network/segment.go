package network

import (
	"fmt"
	"net/netip"
)

// SegmentCount returns how many /30 segments the pool CIDR holds.
func SegmentCount(poolCIDR string) (int, error) {
	pool, err := netip.ParsePrefix(poolCIDR)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPool, err)
	}
	if !pool.Addr().Is4() {
		return 0, fmt.Errorf("%w: pool must be IPv4", ErrInvalidPool)
	}
	if pool.Bits() > SegmentBits {
		return 0, fmt.Errorf("%w: pool %s is smaller than a /30", ErrInvalidPool, poolCIDR)
	}

	return 1 << (SegmentBits - pool.Bits()), nil
}

// AssignmentForIndex computes the full network identity of segment index i
// within the pool. The mapping is pure so the same index always yields the
// same segment, tap name and MAC across process restarts.
func AssignmentForIndex(cfg Config, i int) (Assignment, error) {
	cfg = cfg.Normalize()

	count, err := SegmentCount(cfg.PoolCIDR)
	if err != nil {
		return Assignment{}, err
	}
	if i < 0 || i >= count {
		return Assignment{}, fmt.Errorf("%w: segment index %d out of range", ErrInvalidPool, i)
	}

	pool, _ := netip.ParsePrefix(cfg.PoolCIDR)
	base := ipToUint32(pool.Addr())
	network := base + uint32(i)*SegmentSize

	segment := netip.PrefixFrom(uint32ToIP(network), SegmentBits)

	return Assignment{
		Index:      i,
		Segment:    segment,
		HostIP:     uint32ToIP(network + 1),
		GuestIP:    uint32ToIP(network + 2),
		TapDevice:  TapName(i),
		MACAddress: MACForIndex(i),
	}, nil
}

// TapName derives the deterministic host interface name for a segment index.
func TapName(i int) string {
	return fmt.Sprintf("%s%02x", TapPrefix, i)
}

// Helper functions for IP address arithmetic
func ipToUint32(ip netip.Addr) uint32 {
	b := ip.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func uint32ToIP(n uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
}
