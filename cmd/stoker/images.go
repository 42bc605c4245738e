package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List available microVM images",
	Args:  cobra.NoArgs,
	RunE:  runImages,
}

func init() {
	rootCmd.AddCommand(imagesCmd)
}

func runImages(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	images, err := a.registry.ListImages(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 3, ' ', 0)
	fmt.Fprintln(w, "IMAGE\tSIZE\tDIGEST")
	for _, img := range images {
		dgst := img.Digest.String()
		if len(dgst) > 19 {
			dgst = dgst[:19]
		}
		fmt.Fprintf(w, "%s\t%.2f MB\t%s\n", img.Name, float64(img.SizeBytes)/(1<<20), dgst)
	}
	return w.Flush()
}
