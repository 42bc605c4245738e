// Package builder produces bootable ext4 image artifacts, either by
// customizing the downloaded base rootfs with a build script or by
// flattening a container image pulled from an OCI registry. Finished
// artifacts are published into the image directory and recorded in the
// registry under their user-chosen name.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/zer0touch/stoker/internal/assets"
	"github.com/zer0touch/stoker/internal/config"
	"github.com/zer0touch/stoker/internal/registry"
	"github.com/zer0touch/stoker/pkg/fs"
	"github.com/zer0touch/stoker/pkg/oci"
)

// buildGrowBytes is the extra space grafted onto the base image so build
// scripts have room for package installs.
const buildGrowBytes = 2 << 30

// minImageBytes is the floor for imported images; tiny container images
// still need room for the guest to write.
const minImageBytes = 256 << 20

type Builder struct {
	cfg        config.Config
	registry   *registry.Registry
	baseRootfs string
	logger     *slog.Logger
}

func New(cfg config.Config, reg *registry.Registry) *Builder {
	return &Builder{
		cfg:        cfg,
		registry:   reg,
		baseRootfs: assets.NewDownloader(cfg.AssetDir).BaseRootfsPath(),
		logger:     slog.Default(),
	}
}

// BuildFromScript clones the base rootfs, grows it for build space, and
// runs the script inside the mounted image via systemd-nspawn. nspawn gets
// /dev, /proc and /sys right for things like apt, which raw chroot does not.
func (b *Builder) BuildFromScript(ctx context.Context, name, scriptPath string) (*registry.Image, error) {
	if _, err := os.Stat(b.baseRootfs); err != nil {
		return nil, fmt.Errorf("base rootfs missing at %s, run download-assets first: %w", b.baseRootfs, err)
	}
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("read build script: %w", err)
	}

	workDir, err := b.newWorkDir()
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	artifact := filepath.Join(workDir, name+".ext4")
	if err := fs.CopyFile(b.baseRootfs, artifact); err != nil {
		return nil, fmt.Errorf("clone base rootfs: %w", err)
	}

	device, err := fs.OpenExt4Device(artifact)
	if err != nil {
		return nil, err
	}
	if err := device.Grow(buildGrowBytes); err != nil {
		return nil, fmt.Errorf("grow build image: %w", err)
	}

	mountDir, err := device.Mount()
	if err != nil {
		return nil, err
	}

	runErr := b.runBuildScript(ctx, mountDir, script)
	if err := device.Unmount(); err != nil {
		b.logger.WarnContext(ctx, "unmount build image", "error", err)
	}
	if runErr != nil {
		return nil, runErr
	}

	return b.publish(ctx, name, artifact)
}

// runBuildScript drops the script into the image root and executes it in a
// throwaway container rooted there.
func (b *Builder) runBuildScript(ctx context.Context, mountDir string, script []byte) error {
	guestScript := filepath.Join(mountDir, "stoker-build.sh")
	if err := os.WriteFile(guestScript, script, 0o755); err != nil {
		return fmt.Errorf("install build script: %w", err)
	}
	defer func() { _ = os.Remove(guestScript) }()

	cmd := exec.CommandContext(ctx, "systemd-nspawn", "-D", mountDir, "--as-pid2", "/stoker-build.sh")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("build script failed: %w", err)
	}
	return nil
}

// Import pulls a container image, flattens its layers and packs the result
// into a bootable ext4 artifact.
func (b *Builder) Import(ctx context.Context, name string, src oci.Source) (*registry.Image, error) {
	b.logger.InfoContext(ctx, "importing image", "name", name, "ref", src.Ref())

	img, err := src.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	workDir, err := b.newWorkDir()
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	rootfsDir := filepath.Join(workDir, "rootfs")
	if err := fs.NewFlattener().Flatten(ctx, img.Layers, rootfsDir); err != nil {
		return nil, err
	}

	size, err := dirSize(rootfsDir)
	if err != nil {
		return nil, err
	}
	// Double the content size so the guest has working room.
	size *= 2
	if size < minImageBytes {
		size = minImageBytes
	}

	artifact := filepath.Join(workDir, name+".ext4")
	device, err := fs.NewExt4Device(ctx, artifact, size, name)
	if err != nil {
		return nil, err
	}

	mountDir, err := device.Mount()
	if err != nil {
		return nil, err
	}

	copyErr := copyTree(rootfsDir, mountDir)
	if err := device.Unmount(); err != nil {
		b.logger.WarnContext(ctx, "unmount import image", "error", err)
	}
	if copyErr != nil {
		return nil, copyErr
	}

	return b.publish(ctx, name, artifact)
}

// publish moves the finished artifact into the image directory and records
// it. The artifact is digested after the move so the record always
// describes the published bytes.
func (b *Builder) publish(ctx context.Context, name, artifact string) (*registry.Image, error) {
	if err := os.MkdirAll(b.cfg.ImageDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create image directory: %w", err)
	}

	finalPath := filepath.Join(b.cfg.ImageDir(), name+".ext4")
	if err := os.Rename(artifact, finalPath); err != nil {
		return nil, fmt.Errorf("publish image artifact: %w", err)
	}

	dgst, size, err := digestFile(finalPath)
	if err != nil {
		return nil, err
	}

	img := &registry.Image{
		Name:      name,
		Path:      finalPath,
		SizeBytes: size,
		Digest:    dgst,
	}
	if err := b.registry.UpsertImage(ctx, img); err != nil {
		return nil, fmt.Errorf("record image: %w", err)
	}

	b.logger.InfoContext(ctx, "image published",
		"name", name, "size_mb", size/1024/1024, "digest", dgst.String())

	return img, nil
}

// newWorkDir creates a unique build directory on the same filesystem as
// the image directory so publishing stays a rename.
func (b *Builder) newWorkDir() (string, error) {
	dir := filepath.Join(b.cfg.DataDir, "build-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work directory: %w", err)
	}
	return dir, nil
}

func digestFile(path string) (digest.Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}

	dgst, err := digest.FromReader(f)
	if err != nil {
		return "", 0, fmt.Errorf("digest artifact: %w", err)
	}

	return dgst, info.Size(), nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// copyTree copies the flattened rootfs into the mounted image preserving
// ownership, modes and symlinks.
func copyTree(src, dst string) error {
	if out, err := exec.Command("cp", "-a", src+"/.", dst).CombinedOutput(); err != nil {
		return fmt.Errorf("copy rootfs into image: %w: %s", err, out)
	}
	return nil
}
