package oci

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"
)

// Layer is a single image layer. Content is fetched lazily; Compressed
// returns the tar.gz stream and the caller closes it.
type Layer interface {
	Digest() digest.Digest
	Size() int64
	MediaType() string
	Compressed(ctx context.Context) (io.ReadCloser, error)
}
