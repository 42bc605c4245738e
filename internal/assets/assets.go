// Package assets fetches the boot artifacts stoker needs: a guest kernel,
// an SSH-enabled base rootfs, its private key and the firecracker binary.
package assets

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

const firecrackerVersion = "v1.10.1"

// Downloader fetches assets into one directory. Downloads are skipped when
// the file already exists, so re-running the command is cheap.
type Downloader struct {
	dir    string
	arch   string
	http   *http.Client
	logger *slog.Logger
}

func NewDownloader(dir string) *Downloader {
	return &Downloader{
		dir:    dir,
		arch:   hostArch(),
		http:   &http.Client{Timeout: 15 * time.Minute},
		logger: slog.Default(),
	}
}

func hostArch() string {
	if runtime.GOARCH == "arm64" {
		return "aarch64"
	}
	return "x86_64"
}

func (d *Downloader) kernelURL() string {
	return fmt.Sprintf("https://s3.amazonaws.com/spec.ccfc.min/firecracker-ci/v1.13/%s/vmlinux-5.10.239", d.arch)
}

func (d *Downloader) rootfsURL() string {
	return fmt.Sprintf("https://s3.amazonaws.com/spec.ccfc.min/img/%s/ubuntu_with_ssh/fsfiles/xenial.rootfs.ext4", d.arch)
}

func (d *Downloader) sshKeyURL() string {
	return fmt.Sprintf("https://s3.amazonaws.com/spec.ccfc.min/img/%s/ubuntu_with_ssh/fsfiles/xenial.rootfs.id_rsa", d.arch)
}

func (d *Downloader) firecrackerURL() string {
	return fmt.Sprintf("https://github.com/firecracker-microvm/firecracker/releases/download/%s/firecracker-%s-%s.tgz",
		firecrackerVersion, firecrackerVersion, d.arch)
}

// Path returns the location of a named asset inside the asset directory.
func (d *Downloader) Path(name string) string {
	return filepath.Join(d.dir, name)
}

// BaseRootfsPath is where the SSH-enabled base image lands; the builder
// clones it for custom images.
func (d *Downloader) BaseRootfsPath() string {
	return d.Path("ubuntu-rootfs.ext4")
}

// DownloadAll fetches everything concurrently, then extracts the
// firecracker binary and locks down the key permissions.
func (d *Downloader) DownloadAll(ctx context.Context) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create asset directory: %w", err)
	}

	tgz := d.Path(fmt.Sprintf("firecracker-%s.tgz", d.arch))
	keyPath := d.Path("ubuntu-24.04.id_rsa")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.fetch(gctx, d.kernelURL(), d.Path("vmlinux.bin")) })
	g.Go(func() error { return d.fetch(gctx, d.rootfsURL(), d.BaseRootfsPath()) })
	g.Go(func() error { return d.fetch(gctx, d.firecrackerURL(), tgz) })
	g.Go(func() error { return d.fetch(gctx, d.sshKeyURL(), keyPath) })
	if err := g.Wait(); err != nil {
		return err
	}

	if err := os.Chmod(keyPath, 0o400); err != nil {
		return fmt.Errorf("restrict key permissions: %w", err)
	}

	return d.extractFirecracker(tgz)
}

// fetch downloads url to dest unless dest already exists. The write goes
// through a temp file so an interrupted download never leaves a truncated
// asset behind.
func (d *Downloader) fetch(ctx context.Context, url, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		d.logger.InfoContext(ctx, "asset present, skipping", "path", dest)
		return nil
	}

	d.logger.InfoContext(ctx, "downloading asset", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(d.dir, "download-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, dest)
}

// extractFirecracker unpacks the release tarball and moves the versioned
// binary to a stable name.
func (d *Downloader) extractFirecracker(tgz string) error {
	binPath := d.Path("firecracker")
	if _, err := os.Stat(binPath); err == nil {
		return nil
	}

	if out, err := exec.Command("tar", "-xzf", tgz, "-C", d.dir).CombinedOutput(); err != nil {
		return fmt.Errorf("extract firecracker: %w: %s", err, out)
	}

	releaseDir := d.Path(fmt.Sprintf("release-%s-%s", firecrackerVersion, d.arch))
	versioned := filepath.Join(releaseDir, fmt.Sprintf("firecracker-%s-%s", firecrackerVersion, d.arch))
	if err := os.Rename(versioned, binPath); err != nil {
		return fmt.Errorf("install firecracker binary: %w", err)
	}
	_ = os.RemoveAll(releaseDir)

	return os.Chmod(binPath, 0o755)
}
