package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zer0touch/stoker/internal/config"
	"github.com/zer0touch/stoker/internal/registry"
	"github.com/zer0touch/stoker/internal/supervisor"
	"github.com/zer0touch/stoker/pkg/lock"
	"github.com/zer0touch/stoker/pkg/network"
)

var rootCmd = &cobra.Command{
	Use:           "stoker",
	Short:         "A docker-like CLI for managing Firecracker microVMs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var rootFlags = struct {
	config string
}{}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.config, "config", "", "path to config file")
}

// app bundles the shared dependencies a command needs. Open it at the start
// of a command, close it on the way out.
type app struct {
	cfg       config.Config
	registry  *registry.Registry
	locker    *lock.FileLocker
	allocator *network.Allocator
	sup       *supervisor.Supervisor
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(rootFlags.config)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	reg, err := registry.Open(ctx, cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	locker, err := lock.NewFileLocker(cfg.LockDir())
	if err != nil {
		_ = reg.Close()
		return nil, err
	}

	allocator := network.NewAllocator(
		network.Config{PoolCIDR: cfg.PoolCIDR, BridgeName: cfg.BridgeName},
		reg.ActiveSegmentIndexes,
		network.NewNetlinkDeviceManager(),
		locker,
	)

	sup := supervisor.New(cfg, supervisor.Deps{
		Registry:  reg,
		Allocator: allocator,
		Locker:    locker,
	})

	return &app{
		cfg:       cfg,
		registry:  reg,
		locker:    locker,
		allocator: allocator,
		sup:       sup,
	}, nil
}

func (a *app) Close() error {
	return a.registry.Close()
}
