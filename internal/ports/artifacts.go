// Package ports declares the interfaces renderq needs from external systems.
package ports

import (
	"context"
	"io"
	"time"

	"renderq/internal/pkg/errors"
)

// ErrObjectNotFound is returned by GetObject for unknown keys.
var ErrObjectNotFound = errors.New(errors.CodeNotFound, "artifact not found")

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	// ObjectKey is the key to read the object back with. Providers that
	// assign their own ids (gdrive) return that id here.
	ObjectKey string
	Size      int64
}

type SignedURLOutput struct {
	URL       string
	ExpiresAt time.Time
}

// ArtifactStore holds rendered artifacts. Implementations: localfs, s3, gdrive.
type ArtifactStore interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	DeleteObject(ctx context.Context, objectKey string) error

	// GetSignedURL returns an empty URL when the provider cannot presign.
	GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (SignedURLOutput, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
}
