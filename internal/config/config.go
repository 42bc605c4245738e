// Package config loads the stoker host configuration. Everything has a
// compiled default; a TOML file only overrides what it defines.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const DefaultPath = "/etc/stoker/config.toml"

type Config struct {
	// DataDir holds the registry database, lock files, per-instance
	// machine directories and published images.
	DataDir string

	// AssetDir holds downloaded kernel, base rootfs, firecracker binary
	// and ssh key.
	AssetDir string

	// FirecrackerBin overrides the firecracker binary location; empty
	// means <AssetDir>/firecracker.
	FirecrackerBin string

	PoolCIDR   string
	BridgeName string

	BootTimeout   time.Duration
	ShutdownGrace time.Duration

	VCPUs      int
	MemSizeMiB int

	// LimaInstance is the name of the Linux execution environment used
	// when the host cannot run firecracker natively.
	LimaInstance string
}

func Default() Config {
	return Config{
		DataDir:       "/var/lib/stoker",
		AssetDir:      "/var/lib/stoker/assets",
		PoolCIDR:      "172.16.0.0/16",
		BridgeName:    "stoker-br0",
		BootTimeout:   60 * time.Second,
		ShutdownGrace: 10 * time.Second,
		VCPUs:         1,
		MemSizeMiB:    512,
		LimaInstance:  "stoker-vm",
	}
}

type fileConfig struct {
	DataDir        string `toml:"data_dir"`
	AssetDir       string `toml:"asset_dir"`
	FirecrackerBin string `toml:"firecracker_bin"`
	PoolCIDR       string `toml:"pool_cidr"`
	BridgeName     string `toml:"bridge_name"`
	BootTimeout    string `toml:"boot_timeout"`
	ShutdownGrace  string `toml:"shutdown_grace"`
	VCPUs          int    `toml:"vcpus"`
	MemSizeMiB     int    `toml:"memory_mib"`
	LimaInstance   string `toml:"lima_instance"`
}

// Load reads the config file at path on top of the defaults. A missing file
// at the default location is fine; a missing file at an explicit path is an
// error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath
		if _, err := os.Stat(path); err != nil {
			return cfg, nil
		}
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.DataDir)
	}
	if meta.IsDefined("asset_dir") {
		cfg.AssetDir = strings.TrimSpace(raw.AssetDir)
	}
	if meta.IsDefined("firecracker_bin") {
		cfg.FirecrackerBin = strings.TrimSpace(raw.FirecrackerBin)
	}
	if meta.IsDefined("pool_cidr") {
		cfg.PoolCIDR = strings.TrimSpace(raw.PoolCIDR)
	}
	if meta.IsDefined("bridge_name") {
		cfg.BridgeName = strings.TrimSpace(raw.BridgeName)
	}
	if meta.IsDefined("boot_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.BootTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse boot_timeout: %w", err)
		}
		cfg.BootTimeout = d
	}
	if meta.IsDefined("shutdown_grace") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ShutdownGrace))
		if err != nil {
			return Config{}, fmt.Errorf("parse shutdown_grace: %w", err)
		}
		cfg.ShutdownGrace = d
	}
	if meta.IsDefined("vcpus") {
		cfg.VCPUs = raw.VCPUs
	}
	if meta.IsDefined("memory_mib") {
		cfg.MemSizeMiB = raw.MemSizeMiB
	}
	if meta.IsDefined("lima_instance") {
		cfg.LimaInstance = strings.TrimSpace(raw.LimaInstance)
	}

	return cfg, nil
}

// Derived locations under DataDir.

func (c Config) DatabasePath() string { return filepath.Join(c.DataDir, "stoker.db") }
func (c Config) LockDir() string      { return filepath.Join(c.DataDir, "locks") }
func (c Config) MachineDir(id string) string {
	return filepath.Join(c.DataDir, "machines", id)
}
func (c Config) ImageDir() string { return filepath.Join(c.DataDir, "images") }

func (c Config) FirecrackerPath() string {
	if c.FirecrackerBin != "" {
		return c.FirecrackerBin
	}
	return filepath.Join(c.AssetDir, "firecracker")
}

func (c Config) KernelPath() string { return filepath.Join(c.AssetDir, "vmlinux.bin") }
func (c Config) SSHKeyPath() string { return filepath.Join(c.AssetDir, "ubuntu-24.04.id_rsa") }
