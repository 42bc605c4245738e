package oci

import (
	"context"
	"testing"
)

func TestNormalizeRef(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare name", "alpine", "docker.io/library/alpine"},
		{"name with tag", "alpine:3.20", "docker.io/library/alpine:3.20"},
		{"owner and repo", "owner/repo:v1", "docker.io/owner/repo:v1"},
		{"full docker.io reference", "docker.io/library/nginx:latest", "docker.io/library/nginx:latest"},
		{"ghcr reference", "ghcr.io/owner/repo:v1.0", "ghcr.io/owner/repo:v1.0"},
		{"registry with port", "localhost:5000/image:latest", "localhost:5000/image:latest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := NewRegistrySource(tt.input)
			if err != nil {
				t.Fatalf("NewRegistrySource(%q): %v", tt.input, err)
			}
			if got := src.Ref(); got != tt.want {
				t.Errorf("Ref() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRegistrySourceInvalid(t *testing.T) {
	if _, err := NewRegistrySource("UPPER CASE NOT ALLOWED"); err == nil {
		t.Fatal("expected error for invalid reference")
	}
}

func TestNoOpSource(t *testing.T) {
	src := NewNoOpSource()

	img, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if img.Digest == "" {
		t.Error("image has empty digest")
	}
	if img.Config == nil {
		t.Fatal("image has nil config")
	}
}
