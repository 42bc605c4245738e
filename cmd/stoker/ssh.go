package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zer0touch/stoker/internal/guest"
	"github.com/zer0touch/stoker/internal/registry"
)

var sshCmd = &cobra.Command{
	Use:   "ssh <name>",
	Short: "Open an interactive shell in a running microVM",
	Args:  cobra.ExactArgs(1),
	RunE:  runSSH,
}

func init() {
	rootCmd.AddCommand(sshCmd)
}

func runSSH(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	inst, err := a.sup.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if inst.State != registry.StateRunning {
		return fmt.Errorf("instance %q is %s, not running", args[0], inst.State)
	}

	return guest.InteractiveSSH(ctx, inst.Network.GuestIP.String(), a.cfg.SSHKeyPath())
}
