// Package fs turns OCI layers into a directory tree and directory trees
// into bootable ext4 block devices.
package fs

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zer0touch/stoker/pkg/oci"
)

// Flattener extracts ordered OCI layers into one directory, applying
// whiteout markers so later layers can delete what earlier layers created.
type Flattener struct{}

func NewFlattener() *Flattener { return &Flattener{} }

func (f *Flattener) Flatten(ctx context.Context, layers []oci.Layer, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}

	for i, layer := range layers {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := f.extractLayer(ctx, layer, targetDir); err != nil {
			return fmt.Errorf("extract layer %d (%s): %w", i, layer.Digest(), err)
		}
	}

	return nil
}

func (f *Flattener) extractLayer(ctx context.Context, layer oci.Layer, targetDir string) error {
	reader, err := layer.Compressed(ctx)
	if err != nil {
		return fmt.Errorf("open layer: %w", err)
	}
	defer reader.Close()

	gz, err := gzip.NewReader(reader)
	if err != nil {
		return fmt.Errorf("decompress layer: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		if isWhiteout(header.Name) {
			if err := applyWhiteout(targetDir, header.Name); err != nil {
				return fmt.Errorf("apply whiteout %q: %w", header.Name, err)
			}
			continue
		}

		if err := extractEntry(targetDir, header, tr); err != nil {
			return fmt.Errorf("extract %q: %w", header.Name, err)
		}
	}

	return nil
}

// isWhiteout reports whether a tar entry is an OCI whiteout marker:
// .wh.NAME deletes NAME, .wh..wh..opq clears the containing directory.
func isWhiteout(name string) bool {
	_, file := filepath.Split(filepath.Clean(name))
	return strings.HasPrefix(file, ".wh.")
}

func applyWhiteout(targetDir, whiteoutPath string) error {
	dir, file := filepath.Split(filepath.Clean(whiteoutPath))
	actual := strings.TrimPrefix(file, ".wh.")

	// .wh..opq is the marker the image spec defines; some producers emit
	// the longer .wh..opaque form.
	if actual == ".wh..opq" || actual == ".wh..opaque" {
		opaqueDir := filepath.Join(targetDir, dir)
		if err := os.RemoveAll(opaqueDir); err != nil && !os.IsNotExist(err) {
			return err
		}
		return os.MkdirAll(opaqueDir, 0o755)
	}

	if err := os.RemoveAll(filepath.Join(targetDir, dir, actual)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func extractEntry(targetDir string, header *tar.Header, reader io.Reader) error {
	targetPath := filepath.Join(targetDir, filepath.Clean(header.Name))
	if !strings.HasPrefix(targetPath, filepath.Clean(targetDir)+string(os.PathSeparator)) &&
		targetPath != filepath.Clean(targetDir) {
		return fmt.Errorf("path escapes target directory")
	}

	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(targetPath, os.FileMode(header.Mode)); err != nil {
			return err
		}
		_ = os.Lchown(targetPath, header.Uid, header.Gid)

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return err
		}
		file, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
		if err != nil {
			return err
		}
		if _, err := io.CopyN(file, reader, header.Size); err != nil && err != io.EOF {
			_ = file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
		_ = os.Lchown(targetPath, header.Uid, header.Gid)

	case tar.TypeSymlink:
		_ = os.Remove(targetPath)
		if err := os.Symlink(header.Linkname, targetPath); err != nil {
			return err
		}

	case tar.TypeLink:
		linkTarget := filepath.Join(targetDir, filepath.Clean(header.Linkname))
		if !strings.HasPrefix(linkTarget, filepath.Clean(targetDir)+string(os.PathSeparator)) {
			return fmt.Errorf("hardlink escapes target directory")
		}
		_ = os.Remove(targetPath)
		if err := os.Link(linkTarget, targetPath); err != nil {
			return err
		}

	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		// Device nodes need root to create; the guest init recreates them.
		return nil
	}

	return nil
}
