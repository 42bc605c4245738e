package network

import (
	"fmt"
	"os"

	"github.com/coreos/go-iptables/iptables"
)

// EnableNAT sets up IP forwarding and MASQUERADE for internet access.
// This enables guests to reach the internet via the host.
func EnableNAT(cfg Config) error {
	cfg = cfg.Normalize()

	if err := enableIPForwarding(); err != nil {
		return fmt.Errorf("failed to enable IP forwarding: %w", err)
	}

	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("failed to initialize iptables: %w", err)
	}

	// iptables -t nat -A POSTROUTING -s 172.16.0.0/16 -j MASQUERADE
	err = ipt.AppendUnique("nat", "POSTROUTING", "-s", cfg.PoolCIDR, "-j", "MASQUERADE")
	if err != nil {
		return fmt.Errorf("%w: failed to add MASQUERADE rule: %v", ErrNATSetupFailed, err)
	}

	// iptables -A FORWARD -i stoker-br0 -j ACCEPT
	err = ipt.AppendUnique("filter", "FORWARD", "-i", cfg.BridgeName, "-j", "ACCEPT")
	if err != nil {
		return fmt.Errorf("%w: failed to add FORWARD rule: %v", ErrNATSetupFailed, err)
	}

	// iptables -A FORWARD -o stoker-br0 -j ACCEPT
	err = ipt.AppendUnique("filter", "FORWARD", "-o", cfg.BridgeName, "-j", "ACCEPT")
	if err != nil {
		return fmt.Errorf("%w: failed to add FORWARD rule: %v", ErrNATSetupFailed, err)
	}

	return nil
}

// DisableNAT removes NAT rules (cleanup).
func DisableNAT(cfg Config) error {
	cfg = cfg.Normalize()

	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("failed to initialize iptables: %w", err)
	}

	_ = ipt.Delete("nat", "POSTROUTING", "-s", cfg.PoolCIDR, "-j", "MASQUERADE")
	_ = ipt.Delete("filter", "FORWARD", "-i", cfg.BridgeName, "-j", "ACCEPT")
	_ = ipt.Delete("filter", "FORWARD", "-o", cfg.BridgeName, "-j", "ACCEPT")

	// Note: we don't disable IP forwarding as other services might be using it

	return nil
}

// enableIPForwarding enables IPv4 forwarding in the kernel.
func enableIPForwarding() error {
	const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("failed to read ip_forward: %w", err)
	}

	// Already enabled
	if len(data) > 0 && data[0] == '1' {
		return nil
	}

	err = os.WriteFile(ipForwardPath, []byte("1"), 0o644)
	if err != nil {
		return fmt.Errorf("%w: failed to write ip_forward: %v", ErrForwardingDisabled, err)
	}

	return nil
}
