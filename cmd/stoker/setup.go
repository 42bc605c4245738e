package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// On non-Linux hosts `setup` never reaches cobra: main intercepts it and
// provisions the Lima VM. Here it prepares the host network instead.
var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Prepare the host for running microVMs",
	Args:  cobra.NoArgs,
	RunE:  runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

func runSetup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.allocator.EnsureInfrastructure(); err != nil {
		return err
	}

	fmt.Println("stoker setup complete! You can now run `stoker download-assets`.")
	return nil
}
