package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zer0touch/stoker/internal/builder"
	"github.com/zer0touch/stoker/pkg/oci"
)

var importCmd = &cobra.Command{
	Use:   "import <name> <ref>",
	Short: "Import a container image from an OCI registry as a microVM image",
	Long: `Import pulls a container image, flattens its layers and packs the result
into a bootable ext4 image under the given name, e.g.

  stoker import web nginx:latest`,
	Args: cobra.ExactArgs(2),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	src, err := oci.NewRegistrySource(args[1])
	if err != nil {
		return err
	}

	b := builder.New(a.cfg, a.registry)
	img, err := b.Import(ctx, args[0], src)
	if err != nil {
		return err
	}

	fmt.Printf("Imported %s as image %q (%d MB).\n", src.Ref(), img.Name, img.SizeBytes/1024/1024)
	return nil
}
