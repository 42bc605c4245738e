package oci

import (
	"github.com/opencontainers/go-digest"
)

// Image is a fetched OCI image: identity, runtime config and ordered layers.
type Image struct {
	Digest digest.Digest
	Config *ImageConfig
	Layers []Layer
}

// ImageConfig is the subset of the OCI runtime config the builder cares
// about when turning a container image into a bootable rootfs.
type ImageConfig struct {
	Entrypoint []string
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string
}
