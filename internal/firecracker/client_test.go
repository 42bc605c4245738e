package firecracker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeAPI is a minimal firecracker API double listening on a unix socket.
type fakeAPI struct {
	mu       sync.Mutex
	requests []string // "PUT /boot-source" style, in arrival order
	bodies   map[string]map[string]any
	status   int // response status, default 204
	server   *http.Server
}

func startFakeAPI(t *testing.T, socketPath string) *fakeAPI {
	t.Helper()

	f := &fakeAPI{bodies: make(map[string]map[string]any), status: http.StatusNoContent}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen on %s: %v", socketPath, err)
	}

	f.server = &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		f.requests = append(f.requests, r.Method+" "+r.URL.Path)

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.bodies[r.URL.Path] = body

		if f.status >= 400 {
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(`{"fault_message":"bad config"}`))
			return
		}
		w.WriteHeader(f.status)
	})}

	go func() { _ = f.server.Serve(ln) }()
	t.Cleanup(func() { _ = f.server.Close() })

	return f
}

func (f *fakeAPI) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func testSpec() BootSpec {
	return BootSpec{
		KernelPath: "/assets/vmlinux.bin",
		RootfsPath: "/tmp/rootfs-web.ext4",
		VCPUs:      2,
		MemSizeMiB: 512,
		TapDevice:  "stk-tap00",
		GuestMAC:   "AA:FC:00:00:00:00",
		GuestIP:    "172.16.0.2",
		GatewayIP:  "172.16.0.1",
		LogPath:    "/tmp/firecracker-web.log",
	}
}

func TestConfigureBootSequence(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "api.sock")
	api := startFakeAPI(t, socketPath)

	c := NewClient(socketPath)
	ctx := context.Background()

	if err := c.WaitSocket(ctx, time.Second); err != nil {
		t.Fatalf("wait socket: %v", err)
	}
	if err := c.ConfigureBoot(ctx, testSpec()); err != nil {
		t.Fatalf("configure boot: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	want := []string{
		"GET /",
		"PUT /logger",
		"PUT /boot-source",
		"PUT /drives/rootfs",
		"PUT /machine-config",
		"PUT /network-interfaces/net1",
		"PUT /actions",
	}
	got := api.recorded()
	if len(got) != len(want) {
		t.Fatalf("requests = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d = %s, want %s", i, got[i], want[i])
		}
	}

	api.mu.Lock()
	defer api.mu.Unlock()

	boot := api.bodies["/boot-source"]
	args, _ := boot["boot_args"].(string)
	if args == "" {
		t.Fatal("boot-source missing boot_args")
	}
	for _, fragment := range []string{"console=ttyS0", "ip=172.16.0.2::172.16.0.1"} {
		if !strings.Contains(args, fragment) {
			t.Errorf("boot_args %q missing %q", args, fragment)
		}
	}

	iface := api.bodies["/network-interfaces/net1"]
	if iface["host_dev_name"] != "stk-tap00" {
		t.Errorf("host_dev_name = %v, want stk-tap00", iface["host_dev_name"])
	}
	if iface["guest_mac"] != "AA:FC:00:00:00:00" {
		t.Errorf("guest_mac = %v", iface["guest_mac"])
	}

	action := api.bodies["/actions"]
	if action["action_type"] != "InstanceStart" {
		t.Errorf("action_type = %v, want InstanceStart", action["action_type"])
	}
}

func TestProtocolRejected(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "api.sock")
	api := startFakeAPI(t, socketPath)
	api.status = http.StatusBadRequest

	c := NewClient(socketPath)

	err := c.ConfigureBoot(context.Background(), testSpec())
	if !errors.Is(err, ErrProtocolRejected) {
		t.Fatalf("err = %v, want ErrProtocolRejected", err)
	}
	if !strings.Contains(err.Error(), "bad config") {
		t.Errorf("error %q missing response detail", err)
	}
}

func TestChannelClosed(t *testing.T) {
	// No listener behind the socket path at all.
	socketPath := filepath.Join(t.TempDir(), "api.sock")
	c := NewClient(socketPath)

	err := c.Start(context.Background())
	if !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("err = %v, want ErrChannelClosed", err)
	}
}

func TestWaitSocketTimeout(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "api.sock")
	c := NewClient(socketPath)

	err := c.WaitSocket(context.Background(), 150*time.Millisecond)
	if !errors.Is(err, ErrBootTimeout) {
		t.Fatalf("err = %v, want ErrBootTimeout", err)
	}
}

func TestShutdownAction(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "api.sock")
	api := startFakeAPI(t, socketPath)

	c := NewClient(socketPath)
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.bodies["/actions"]["action_type"] != "SendCtrlAltDel" {
		t.Errorf("action_type = %v, want SendCtrlAltDel", api.bodies["/actions"]["action_type"])
	}
}

