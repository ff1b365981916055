// Package localfs stores artifacts under a directory on the local disk.
package localfs

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"renderq/internal/pkg/errors"
	"renderq/internal/ports"
)

// LocalFS implements ports.ArtifactStore on the filesystem. Object keys are
// slash-separated paths relative to root.
type LocalFS struct {
	root string
}

func New(root string) *LocalFS {
	return &LocalFS{root: root}
}

func (l *LocalFS) Provider() string { return "localfs" }

// path resolves a key inside root and rejects keys that escape it.
func (l *LocalFS) path(objectKey string) (string, error) {
	if objectKey == "" {
		return "", errors.ValidationField("object_key", "object_key is required")
	}
	clean := filepath.Clean("/" + filepath.FromSlash(objectKey))
	p := filepath.Join(l.root, clean)
	rel, err := filepath.Rel(l.root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", errors.ValidationField("object_key", fmt.Sprintf("invalid object key: %s", objectKey))
	}
	return p, nil
}

// PutObject writes to a temp file and renames it into place, so readers
// never see a partial artifact.
func (l *LocalFS) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	dst, err := l.path(in.ObjectKey)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, "localfs.put", "failed to create directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, "localfs.put", "failed to create file")
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, in.Reader)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, "localfs.put", "failed to write object")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, "localfs.put", "failed to move object into place")
	}

	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: n}, nil
}

func (l *LocalFS) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	p, err := l.path(objectKey)
	if err != nil {
		return nil, "", 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", 0, ports.ErrObjectNotFound.WithField("object_key", objectKey)
		}
		return nil, "", 0, errors.Wrap(err, "localfs.get", "failed to open object")
	}

	if st, statErr := f.Stat(); statErr == nil {
		size = st.Size()
	}

	// Prefer extension-based type. If empty, sniff first bytes.
	contentType = mime.TypeByExtension(filepath.Ext(p))
	if contentType == "" {
		buf := make([]byte, 512)
		n, _ := f.Read(buf)
		_, _ = f.Seek(0, io.SeekStart)
		contentType = http.DetectContentType(buf[:n])
	}

	return f, contentType, size, nil
}

func (l *LocalFS) DeleteObject(ctx context.Context, objectKey string) error {
	p, err := l.path(objectKey)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "localfs.delete", "failed to delete object")
	}
	return nil
}

// GetSignedURL has nothing to sign; artifacts are served by the API.
func (l *LocalFS) GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	return ports.SignedURLOutput{ExpiresAt: time.Now().UTC().Add(expiresIn)}, nil
}

// Ping checks the root directory exists and is a directory.
func (l *LocalFS) Ping(ctx context.Context) error {
	st, err := os.Stat(l.root)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "localfs.ping", "storage root not accessible")
	}
	if !st.IsDir() {
		return errors.Newf(errors.CodeUnavailable, "storage root is not a directory: %s", l.root)
	}
	return nil
}
