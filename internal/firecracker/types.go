package firecracker

import "fmt"

// BootSpec carries everything the hypervisor needs to boot one instance.
type BootSpec struct {
	KernelPath string
	RootfsPath string
	BootArgs   string // empty means DefaultBootArgs
	VCPUs      int
	MemSizeMiB int

	// Guest network identity, wired into the kernel command line and the
	// network-interface endpoint.
	TapDevice string
	GuestMAC  string
	GuestIP   string
	GatewayIP string

	// Optional hypervisor log file, configured before anything else.
	LogPath string
}

// DefaultBootArgs builds the kernel command line. The ip= parameter brings
// eth0 up with the segment addressing before userspace starts; the guest
// SSH configuration pass later is idempotent on top of it.
func (s BootSpec) DefaultBootArgs() string {
	args := "console=ttyS0 reboot=k panic=1 pci=off keep_bootcon"
	if s.GuestIP != "" && s.GatewayIP != "" {
		args += fmt.Sprintf(" ip=%s::%s:255.255.255.252::eth0:off", s.GuestIP, s.GatewayIP)
	}
	return args
}

// Request payloads for the firecracker API endpoints.

type loggerConfig struct {
	LogPath       string `json:"log_path"`
	Level         string `json:"level"`
	ShowLevel     bool   `json:"show_level"`
	ShowLogOrigin bool   `json:"show_log_origin"`
}

type bootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type machineConfig struct {
	VCPUCount  int  `json:"vcpu_count"`
	MemSizeMiB int  `json:"mem_size_mib"`
	SMT        bool `json:"smt"`
}

type networkInterface struct {
	IfaceID     string `json:"iface_id"`
	GuestMAC    string `json:"guest_mac"`
	HostDevName string `json:"host_dev_name"`
}

type instanceAction struct {
	ActionType string `json:"action_type"`
}
