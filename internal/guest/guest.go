// Package guest talks to a booted instance over SSH: readiness probing,
// in-guest network configuration and the interactive shell for `stoker ssh`.
package guest

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"time"

	"golang.org/x/crypto/ssh"
)

const sshUser = "root"

// ProbeSSH reports whether the guest accepts TCP connections on port 22.
// Used as the default readiness probe after InstanceStart.
func ProbeSSH(ctx context.Context, guestIP string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(guestIP, "22"))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Config describes how to reach and configure a guest.
type Config struct {
	GuestIP    string
	GatewayIP  string
	KeyPath    string
	DNSServers []string

	// LocalOnly leaves out the default route and DNS, keeping the guest
	// reachable from the host segment only.
	LocalOnly bool
}

func (c Config) dnsServers() []string {
	if len(c.DNSServers) > 0 {
		return c.DNSServers
	}
	return []string{"1.1.1.1", "8.8.8.8"}
}

// ConfigureNetwork applies the segment addressing inside the guest: eth0
// address, default route and DNS. The commands are idempotent so a retry
// after a dropped connection is safe.
func ConfigureNetwork(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("dial guest %s: %w", cfg.GuestIP, err)
	}
	defer client.Close()

	script := fmt.Sprintf("ip addr replace %s/30 dev eth0 && ip link set eth0 up", cfg.GuestIP)
	if !cfg.LocalOnly {
		script += fmt.Sprintf(" && ip route replace default via %s dev eth0", cfg.GatewayIP)
		script += " && : > /etc/resolv.conf"
		for _, server := range cfg.dnsServers() {
			script += fmt.Sprintf(" && echo 'nameserver %s' >> /etc/resolv.conf", server)
		}
	}

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	if out, err := session.CombinedOutput(script); err != nil {
		return fmt.Errorf("configure guest network: %w: %s", err, out)
	}

	logger.Debug("configured guest network", "guest_ip", cfg.GuestIP, "gateway_ip", cfg.GatewayIP)
	return nil
}

// dial retries the SSH handshake until ctx expires; sshd inside the guest
// comes up a moment after the TCP port does.
func dial(ctx context.Context, cfg Config) (*ssh.Client, error) {
	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            sshUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	}
	addr := net.JoinHostPort(cfg.GuestIP, "22")

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		client, err := ssh.Dial("tcp", addr, clientCfg)
		if err == nil {
			return client, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w (last attempt: %v)", ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

// InteractiveSSH hands the terminal to the system ssh binary; it handles
// the pty, window resizing and signal plumbing better than we ever would.
func InteractiveSSH(ctx context.Context, guestIP, keyPath string) error {
	cmd := exec.CommandContext(ctx, "ssh",
		"-i", keyPath,
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
		fmt.Sprintf("%s@%s", sshUser, guestIP),
	)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
