package fs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Ext4Device is a formatted ext4 image file that can be loop-mounted.
type Ext4Device struct {
	path      string
	sizeBytes int64
	label     string
}

func (d *Ext4Device) Path() string     { return d.path }
func (d *Ext4Device) SizeBytes() int64 { return d.sizeBytes }
func (d *Ext4Device) Label() string    { return d.label }

// NewExt4Device creates a sparse file of sizeBytes and formats it. The file
// stays sparse, so disk usage grows with content, not with the declared size.
func NewExt4Device(_ context.Context, path string, sizeBytes int64, label string) (*Ext4Device, error) {
	if err := createSparseFile(path, sizeBytes); err != nil {
		return nil, fmt.Errorf("create sparse file: %w", err)
	}

	args := []string{"-F"}
	if label != "" {
		args = append(args, "-L", label)
	}
	args = append(args, path)
	if out, err := exec.Command("mkfs.ext4", args...).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("mkfs.ext4 %s: %w: %s", path, err, out)
	}

	return &Ext4Device{path: path, sizeBytes: sizeBytes, label: label}, nil
}

// OpenExt4Device wraps an existing image file.
func OpenExt4Device(path string) (*Ext4Device, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat device file: %w", err)
	}
	return &Ext4Device{path: path, sizeBytes: info.Size()}, nil
}

// Grow extends the image by extraBytes and resizes the filesystem into the
// new space. resize2fs insists on a clean fs, hence the e2fsck first.
func (d *Ext4Device) Grow(extraBytes int64) error {
	info, err := os.Stat(d.path)
	if err != nil {
		return fmt.Errorf("stat device file: %w", err)
	}
	newSize := info.Size() + extraBytes

	if err := os.Truncate(d.path, newSize); err != nil {
		return fmt.Errorf("truncate device file: %w", err)
	}
	if out, err := exec.Command("e2fsck", "-fp", d.path).CombinedOutput(); err != nil {
		return fmt.Errorf("e2fsck %s: %w: %s", d.path, err, out)
	}
	if out, err := exec.Command("resize2fs", d.path).CombinedOutput(); err != nil {
		return fmt.Errorf("resize2fs %s: %w: %s", d.path, err, out)
	}

	d.sizeBytes = newSize
	return nil
}

// Mount loop-mounts the image and returns the mount point.
func (d *Ext4Device) Mount() (string, error) {
	mountDir := filepath.Join(os.TempDir(), d.mountDirName())
	if err := os.MkdirAll(mountDir, 0o755); err != nil {
		return "", fmt.Errorf("create mount dir: %w", err)
	}

	if out, err := exec.Command("mount", "-o", "loop", d.path, mountDir).CombinedOutput(); err != nil {
		return "", fmt.Errorf("mount %s on %s: %w: %s", d.path, mountDir, err, out)
	}

	return mountDir, nil
}

func (d *Ext4Device) Unmount() error {
	mountDir := filepath.Join(os.TempDir(), d.mountDirName())
	if _, err := os.Stat(mountDir); err != nil {
		return nil
	}

	if out, err := exec.Command("umount", mountDir).CombinedOutput(); err != nil {
		return fmt.Errorf("umount %s: %w: %s", mountDir, err, out)
	}

	return os.RemoveAll(mountDir)
}

func (d *Ext4Device) mountDirName() string {
	base := filepath.Base(d.path)
	return strings.TrimSuffix(base, filepath.Ext(base)) + "_mount"
}

func createSparseFile(path string, sizeBytes int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// One byte at the end marks the size; the rest stays unallocated.
	if _, err := f.Seek(sizeBytes-1, 0); err != nil {
		return err
	}
	if _, err := f.Write([]byte{0}); err != nil {
		return err
	}
	return nil
}
