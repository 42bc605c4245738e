// Package firecracker implements the client side of the hypervisor's
// control protocol: a synchronous request/response API over a per-instance
// unix socket. Boot sequencing is strict - the socket must be live before
// configuration, configuration must fully succeed before start, and start
// is irreversible.
package firecracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"
)

// Client drives one hypervisor process through its boot configuration and
// lifecycle endpoints.
type Client struct {
	socketPath string
	http       *http.Client
	logger     *slog.Logger
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}
}

// WaitSocket blocks until the hypervisor has created the control socket and
// answers on it, or the timeout passes. Must succeed before any
// configuration call.
func (c *Client) WaitSocket(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(c.socketPath); err == nil {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost/", nil)
			if err != nil {
				return err
			}
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("%w: control socket after %v", ErrBootTimeout, timeout)
			}
		}
	}
}

// ConfigureBoot pushes the full boot configuration in the order the API
// requires: logger, boot source, root drive, machine config, network
// interface. Each call is one request and one response; the first failure
// aborts the sequence.
func (c *Client) ConfigureBoot(ctx context.Context, spec BootSpec) error {
	if spec.LogPath != "" {
		err := c.put(ctx, "/logger", loggerConfig{
			LogPath:       spec.LogPath,
			Level:         "Warning",
			ShowLevel:     true,
			ShowLogOrigin: true,
		})
		if err != nil {
			return fmt.Errorf("configure logger: %w", err)
		}
	}

	bootArgs := spec.BootArgs
	if bootArgs == "" {
		bootArgs = spec.DefaultBootArgs()
	}

	err := c.put(ctx, "/boot-source", bootSource{
		KernelImagePath: spec.KernelPath,
		BootArgs:        bootArgs,
	})
	if err != nil {
		return fmt.Errorf("configure boot source: %w", err)
	}

	err = c.put(ctx, "/drives/rootfs", drive{
		DriveID:      "rootfs",
		PathOnHost:   spec.RootfsPath,
		IsRootDevice: true,
		IsReadOnly:   false,
	})
	if err != nil {
		return fmt.Errorf("configure root drive: %w", err)
	}

	err = c.put(ctx, "/machine-config", machineConfig{
		VCPUCount:  spec.VCPUs,
		MemSizeMiB: spec.MemSizeMiB,
		SMT:        false,
	})
	if err != nil {
		return fmt.Errorf("configure machine: %w", err)
	}

	err = c.put(ctx, "/network-interfaces/net1", networkInterface{
		IfaceID:     "net1",
		GuestMAC:    spec.GuestMAC,
		HostDevName: spec.TapDevice,
	})
	if err != nil {
		return fmt.Errorf("configure network interface: %w", err)
	}

	return nil
}

// Start issues InstanceStart. Irreversible: recovery from a bad
// configuration after this point means full process teardown.
func (c *Client) Start(ctx context.Context) error {
	if err := c.put(ctx, "/actions", instanceAction{ActionType: "InstanceStart"}); err != nil {
		return fmt.Errorf("start instance: %w", err)
	}
	return nil
}

// Shutdown requests a graceful guest shutdown (ctrl-alt-del). The caller
// supervises whether the process actually exits within its grace period.
func (c *Client) Shutdown(ctx context.Context) error {
	if err := c.put(ctx, "/actions", instanceAction{ActionType: "SendCtrlAltDel"}); err != nil {
		return fmt.Errorf("shutdown instance: %w", err)
	}
	return nil
}

func (c *Client) put(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://localhost"+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if isChannelClosed(err) {
			return fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: PUT %s: %s: %s",
			ErrProtocolRejected, path, resp.Status, bytes.TrimSpace(detail))
	}

	return nil
}

// isChannelClosed classifies transport failures that mean the owning
// process died or never listened, as opposed to it answering with an error.
func isChannelClosed(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
