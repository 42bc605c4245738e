package oci

import "context"

// Source abstracts where images come from. Fetch downloads manifest and
// layer metadata; layer content stays remote until read.
type Source interface {
	Fetch(ctx context.Context) (*Image, error)
	Ref() string
}
