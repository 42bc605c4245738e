package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
)

// Image is a named, immutable filesystem artifact produced by the builder
// and referenced by zero or more instances.
type Image struct {
	Name      string
	Path      string
	SizeBytes int64
	Digest    digest.Digest
	CreatedAt time.Time
}

// UpsertImage records a built image. Rebuilding under the same name replaces
// the record; the artifact itself is immutable once published.
func (r *Registry) UpsertImage(ctx context.Context, img *Image) error {
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO images (name, path, size_bytes, digest, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			path = excluded.path,
			size_bytes = excluded.size_bytes,
			digest = excluded.digest,
			created_at = excluded.created_at
	`
	_, err := r.db.ExecContext(ctx, query,
		img.Name, img.Path, img.SizeBytes, img.Digest.String(), img.CreatedAt.Unix())
	return err
}

// GetImage looks an image up by name.
func (r *Registry) GetImage(ctx context.Context, name string) (*Image, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT name, path, size_bytes, digest, created_at FROM images WHERE name = ?`, name)

	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, name)
	}
	if err != nil {
		return nil, err
	}

	return img, nil
}

// ListImages returns all recorded images ordered by name.
func (r *Registry) ListImages(ctx context.Context) ([]*Image, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, path, size_bytes, digest, created_at FROM images ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []*Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}

	return images, rows.Err()
}

func scanImage(row rowScanner) (*Image, error) {
	var img Image
	var dgst string
	var created int64

	if err := row.Scan(&img.Name, &img.Path, &img.SizeBytes, &dgst, &created); err != nil {
		return nil, err
	}

	img.Digest = digest.Digest(dgst)
	img.CreatedAt = time.Unix(created, 0)

	return &img, nil
}
