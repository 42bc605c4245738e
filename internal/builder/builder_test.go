package builder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/zer0touch/stoker/internal/config"
	"github.com/zer0touch/stoker/internal/registry"
)

func newTestBuilder(t *testing.T) (*Builder, *registry.Registry, config.Config) {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.AssetDir = t.TempDir()

	reg, err := registry.Open(context.Background(), cfg.DatabasePath())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	return New(cfg, reg), reg, cfg
}

func TestPublishRecordsImage(t *testing.T) {
	b, reg, cfg := newTestBuilder(t)
	ctx := context.Background()

	artifact := filepath.Join(cfg.DataDir, "web.ext4")
	content := []byte("pretend this is an ext4 filesystem")
	if err := os.WriteFile(artifact, content, 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	img, err := b.publish(ctx, "web", artifact)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	wantPath := filepath.Join(cfg.ImageDir(), "web.ext4")
	if img.Path != wantPath {
		t.Errorf("path = %s, want %s", img.Path, wantPath)
	}
	if img.SizeBytes != int64(len(content)) {
		t.Errorf("size = %d, want %d", img.SizeBytes, len(content))
	}
	if img.Digest != digest.FromBytes(content) {
		t.Errorf("digest = %s, want digest of published bytes", img.Digest)
	}

	// Artifact moved, not copied.
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Errorf("work artifact still present (err = %v)", err)
	}

	stored, err := reg.GetImage(ctx, "web")
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	if stored.Digest != img.Digest || stored.Path != img.Path {
		t.Errorf("stored = %+v, want %+v", stored, img)
	}
}

func TestPublishReplacesExisting(t *testing.T) {
	b, reg, cfg := newTestBuilder(t)
	ctx := context.Background()

	for _, content := range []string{"v1", "v2"} {
		artifact := filepath.Join(cfg.DataDir, "web.ext4")
		if err := os.WriteFile(artifact, []byte(content), 0o644); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
		if _, err := b.publish(ctx, "web", artifact); err != nil {
			t.Fatalf("publish %s: %v", content, err)
		}
	}

	stored, err := reg.GetImage(ctx, "web")
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	if stored.Digest != digest.FromString("v2") {
		t.Errorf("digest = %s, want digest of the rebuild", stored.Digest)
	}

	images, err := reg.ListImages(ctx)
	if err != nil {
		t.Fatalf("list images: %v", err)
	}
	if len(images) != 1 {
		t.Errorf("images = %d, want 1 after rebuild under same name", len(images))
	}
}

func TestBuildFromScriptRequiresBaseRootfs(t *testing.T) {
	b, _, cfg := newTestBuilder(t)

	script := filepath.Join(cfg.DataDir, "build.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\ntrue\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	_, err := b.BuildFromScript(context.Background(), "web", script)
	if err == nil {
		t.Fatal("expected error when base rootfs is missing")
	}
}

func TestBuildFromScriptRequiresScript(t *testing.T) {
	b, _, cfg := newTestBuilder(t)

	// Base exists but the script does not.
	if err := os.WriteFile(b.baseRootfs, []byte("base"), 0o644); err != nil {
		t.Fatalf("seed base rootfs: %v", err)
	}

	_, err := b.BuildFromScript(context.Background(), "web", filepath.Join(cfg.DataDir, "missing.sh"))
	if err == nil {
		t.Fatal("expected error for missing build script")
	}
}

func TestDirSize(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a"), make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "b"), make([]byte, 50), 0o644); err != nil {
		t.Fatal(err)
	}

	size, err := dirSize(dir)
	if err != nil {
		t.Fatalf("dir size: %v", err)
	}
	if size != 150 {
		t.Errorf("size = %d, want 150", size)
	}
}
