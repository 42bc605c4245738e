package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zer0touch/stoker/internal/guest"
	"github.com/zer0touch/stoker/internal/registry"
	"github.com/zer0touch/stoker/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a microVM instance",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

var runFlags = struct {
	name   string
	image  string
	mode   string
	vcpus  int
	memory int
}{}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runFlags.name, "name", "", "name for the instance (generated when empty)")
	runCmd.Flags().StringVar(&runFlags.image, "image", "ubuntu", "image to boot")
	runCmd.Flags().StringVar(&runFlags.mode, "mode", "internet", "network mode: internet or local")
	runCmd.Flags().IntVar(&runFlags.vcpus, "vcpus", 0, "vcpu count (config default when 0)")
	runCmd.Flags().IntVar(&runFlags.memory, "memory", 0, "memory in MiB (config default when 0)")
}

func runRun(cmd *cobra.Command, _ []string) error {
	if runFlags.mode != "internet" && runFlags.mode != "local" {
		return fmt.Errorf("unknown mode %q, want internet or local", runFlags.mode)
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.allocator.EnsureInfrastructure(); err != nil {
		return fmt.Errorf("prepare host network: %w", err)
	}

	name := runFlags.name
	if name == "" {
		name = "stoker-" + uuid.NewString()[:8]
	}

	sup := supervisor.New(a.cfg, supervisor.Deps{
		Registry:  a.registry,
		Allocator: a.allocator,
		Locker:    a.locker,
		SetupGuest: func(ctx context.Context, inst *registry.Instance) error {
			return guest.ConfigureNetwork(ctx, guest.Config{
				GuestIP:   inst.Network.GuestIP.String(),
				GatewayIP: inst.Network.HostIP.String(),
				KeyPath:   a.cfg.SSHKeyPath(),
				LocalOnly: runFlags.mode == "local",
			}, nil)
		},
	})

	inst, err := sup.Run(ctx, supervisor.RunSpec{
		Name:       name,
		Image:      runFlags.image,
		VCPUs:      runFlags.vcpus,
		MemSizeMiB: runFlags.memory,
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", inst.ID)
	fmt.Printf("Instance %q running, guest ip %s. Connect with: stoker ssh %s\n",
		inst.Name, inst.Network.GuestIP, inst.Name)
	return nil
}
