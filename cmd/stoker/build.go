package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zer0touch/stoker/internal/builder"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a custom microVM image from a shell script",
	Args:  cobra.NoArgs,
	RunE:  runBuild,
}

var buildFlags = struct {
	imageName  string
	scriptPath string
}{}

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().StringVar(&buildFlags.imageName, "image-name", "", "name of the resulting image")
	buildCmd.Flags().StringVar(&buildFlags.scriptPath, "script-path", "", "script executed inside the build container")
	_ = buildCmd.MarkFlagRequired("image-name")
	_ = buildCmd.MarkFlagRequired("script-path")
}

func runBuild(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	b := builder.New(a.cfg, a.registry)
	img, err := b.BuildFromScript(ctx, buildFlags.imageName, buildFlags.scriptPath)
	if err != nil {
		return err
	}

	fmt.Printf("Built image %q (%d MB).\n", img.Name, img.SizeBytes/1024/1024)
	return nil
}
