package oci

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"
)

// RegistrySource fetches images from a container registry for the host's
// architecture. Short references resolve against docker.io/library the way
// docker does.
type RegistrySource struct {
	ref name.Reference
}

// NewRegistrySource parses ref and returns a source for it. Accepted forms:
//
//	alpine
//	alpine:3.20
//	ghcr.io/owner/repo:tag
//	localhost:5000/image:tag
func NewRegistrySource(ref string) (*RegistrySource, error) {
	parsed, err := name.ParseReference(normalizeRef(ref))
	if err != nil {
		return nil, fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	return &RegistrySource{ref: parsed}, nil
}

func normalizeRef(ref string) string {
	if !strings.Contains(ref, "/") {
		return "docker.io/library/" + ref
	}
	first := strings.Split(ref, "/")[0]
	// No dot and no port in the first component means it is a repo owner,
	// not a registry host.
	if !strings.Contains(first, ".") && !strings.Contains(first, ":") {
		return "docker.io/" + ref
	}
	return ref
}

func (s *RegistrySource) Ref() string {
	return s.ref.String()
}

func (s *RegistrySource) Fetch(ctx context.Context) (*Image, error) {
	platform, err := v1.ParsePlatform("linux/" + runtime.GOARCH)
	if err != nil {
		return nil, fmt.Errorf("parse platform: %w", err)
	}

	img, err := remote.Image(s.ref, remote.WithContext(ctx), remote.WithPlatform(*platform))
	if err != nil {
		return nil, fmt.Errorf("fetch image %s: %w", s.ref, err)
	}

	dgst, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("image digest: %w", err)
	}

	cfgFile, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("image config: %w", err)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("image layers: %w", err)
	}
	wrapped := make([]Layer, len(layers))
	for i, l := range layers {
		wrapped[i] = &registryLayer{layer: l}
	}

	cfg := cfgFile.Config
	return &Image{
		Digest: digest.Digest(dgst.String()),
		Config: &ImageConfig{
			Entrypoint: cfg.Entrypoint,
			Cmd:        cfg.Cmd,
			Env:        cfg.Env,
			WorkingDir: cfg.WorkingDir,
			User:       cfg.User,
		},
		Layers: wrapped,
	}, nil
}

type registryLayer struct {
	layer v1.Layer
}

func (l *registryLayer) Digest() digest.Digest {
	dgst, err := l.layer.Digest()
	if err != nil {
		return ""
	}
	return digest.Digest(dgst.String())
}

func (l *registryLayer) Size() int64 {
	size, err := l.layer.Size()
	if err != nil {
		return 0
	}
	return size
}

func (l *registryLayer) MediaType() string {
	mt, err := l.layer.MediaType()
	if err != nil {
		return ""
	}
	return string(mt)
}

func (l *registryLayer) Compressed(_ context.Context) (io.ReadCloser, error) {
	return l.layer.Compressed()
}

// NoOpSource serves tests that need an image without network access.
type NoOpSource struct{}

func NewNoOpSource() *NoOpSource { return &NoOpSource{} }

func (s *NoOpSource) Ref() string { return "docker.io/library/noop:latest" }

func (s *NoOpSource) Fetch(context.Context) (*Image, error) {
	return &Image{
		Digest: digest.FromString("noop"),
		Config: &ImageConfig{
			Entrypoint: []string{"/bin/sh"},
			WorkingDir: "/",
			User:       "root",
		},
	}, nil
}
