package fs

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/zer0touch/stoker/pkg/oci"
)

type tarEntry struct {
	name     string
	content  string
	typeflag byte
	linkname string
}

// memLayer is an in-memory gzip'd tar implementing oci.Layer.
type memLayer struct {
	data []byte
}

func makeLayer(t *testing.T, entries []tarEntry) *memLayer {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		typeflag := e.typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     0o644,
			Size:     int64(len(e.content)),
			Typeflag: typeflag,
			Linkname: e.linkname,
		}
		if typeflag == tar.TypeDir {
			hdr.Mode = 0o755
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header: %v", err)
		}
		if typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.content)); err != nil {
				t.Fatalf("write tar content: %v", err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}

	return &memLayer{data: buf.Bytes()}
}

func (l *memLayer) Digest() digest.Digest { return digest.FromBytes(l.data) }
func (l *memLayer) Size() int64           { return int64(len(l.data)) }
func (l *memLayer) MediaType() string     { return "application/vnd.oci.image.layer.v1.tar+gzip" }
func (l *memLayer) Compressed(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.data)), nil
}

func TestFlattenOverwritesAcrossLayers(t *testing.T) {
	dir := t.TempDir()

	base := makeLayer(t, []tarEntry{
		{name: "etc/", typeflag: tar.TypeDir},
		{name: "etc/hostname", content: "base"},
		{name: "etc/motd", content: "hello"},
	})
	top := makeLayer(t, []tarEntry{
		{name: "etc/hostname", content: "top"},
	})

	f := NewFlattener()
	if err := f.Flatten(context.Background(), []oci.Layer{base, top}, dir); err != nil {
		t.Fatalf("flatten: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "etc/hostname"))
	if err != nil {
		t.Fatalf("read hostname: %v", err)
	}
	if string(got) != "top" {
		t.Errorf("hostname = %q, want value from upper layer", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "etc/motd")); err != nil {
		t.Errorf("motd from base layer missing: %v", err)
	}
}

func TestFlattenWhiteoutDeletesFile(t *testing.T) {
	dir := t.TempDir()

	base := makeLayer(t, []tarEntry{
		{name: "etc/", typeflag: tar.TypeDir},
		{name: "etc/secret", content: "gone soon"},
		{name: "etc/keep", content: "stays"},
	})
	top := makeLayer(t, []tarEntry{
		{name: "etc/.wh.secret"},
	})

	f := NewFlattener()
	if err := f.Flatten(context.Background(), []oci.Layer{base, top}, dir); err != nil {
		t.Fatalf("flatten: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "etc/secret")); !os.IsNotExist(err) {
		t.Errorf("whiteout target still exists (err = %v)", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "etc/keep")); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}
}

func TestFlattenOpaqueWhiteoutClearsDirectory(t *testing.T) {
	// .wh..wh..opq is the standard marker; .wh..wh..opaque shows up in the
	// wild and must clear the directory just the same.
	for _, marker := range []string{".wh..wh..opq", ".wh..wh..opaque"} {
		t.Run(marker, func(t *testing.T) {
			dir := t.TempDir()

			base := makeLayer(t, []tarEntry{
				{name: "data/", typeflag: tar.TypeDir},
				{name: "data/a", content: "a"},
				{name: "data/b", content: "b"},
			})
			top := makeLayer(t, []tarEntry{
				{name: "data/" + marker},
				{name: "data/c", content: "c"},
			})

			f := NewFlattener()
			if err := f.Flatten(context.Background(), []oci.Layer{base, top}, dir); err != nil {
				t.Fatalf("flatten: %v", err)
			}

			entries, err := os.ReadDir(filepath.Join(dir, "data"))
			if err != nil {
				t.Fatalf("read data dir: %v", err)
			}
			if len(entries) != 1 || entries[0].Name() != "c" {
				names := make([]string, 0, len(entries))
				for _, e := range entries {
					names = append(names, e.Name())
				}
				t.Errorf("data dir = %v, want only [c]", names)
			}
		})
	}
}

func TestFlattenRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()

	evil := makeLayer(t, []tarEntry{
		{name: "../escape", content: "nope"},
	})

	f := NewFlattener()
	if err := f.Flatten(context.Background(), []oci.Layer{evil}, dir); err == nil {
		t.Fatal("expected error for path traversal entry")
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.ext4")
	dst := filepath.Join(dir, "dst.ext4")

	if err := os.WriteFile(src, []byte("rootfs bytes"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := CopyFile(src, dst); err != nil {
		t.Fatalf("copy: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if string(got) != "rootfs bytes" {
		t.Errorf("content = %q", got)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	if err := WriteFileAtomic(path, []byte("v1"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("v2"), 0o600); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("content = %q, want v2", got)
	}
}
