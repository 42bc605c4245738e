package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zer0touch/stoker/internal/assets"
	"github.com/zer0touch/stoker/internal/registry"
)

var downloadAssetsCmd = &cobra.Command{
	Use:   "download-assets",
	Short: "Download kernel, base rootfs, ssh key and firecracker binary",
	Args:  cobra.NoArgs,
	RunE:  runDownloadAssets,
}

func init() {
	rootCmd.AddCommand(downloadAssetsCmd)
}

func runDownloadAssets(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	d := assets.NewDownloader(a.cfg.AssetDir)
	if err := d.DownloadAll(ctx); err != nil {
		return err
	}

	// The base rootfs doubles as the default bootable image.
	if err := registerBaseImage(cmd, a, d); err != nil {
		return err
	}

	fmt.Println("Assets downloaded successfully.")
	return nil
}

func registerBaseImage(cmd *cobra.Command, a *app, d *assets.Downloader) error {
	ctx := cmd.Context()

	path := d.BaseRootfsPath()
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	return a.registry.UpsertImage(ctx, &registry.Image{
		Name:      "ubuntu",
		Path:      path,
		SizeBytes: info.Size(),
	})
}
