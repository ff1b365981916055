// Package gdrive stores artifacts in a Google Drive folder.
package gdrive

import (
	"context"
	"io"
	"net/http"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"renderq/internal/pkg/errors"
	"renderq/internal/ports"
)

// Client implements ports.ArtifactStore backed by Google Drive. Uploads use
// the object key as the file name; PutObject returns the Drive file id, which
// is the key for every later read or delete.
type Client struct {
	srv      *drive.Service
	folderID string
}

func NewClient(srv *drive.Service, folderID string) *Client {
	return &Client{srv: srv, folderID: folderID}
}

func (c *Client) Provider() string { return "gdrive" }

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, errors.ValidationField("object_key", "object_key is required")
	}

	file := &drive.File{Name: in.ObjectKey, MimeType: in.ContentType}
	if c.folderID != "" {
		file.Parents = []string{c.folderID}
	}

	call := c.srv.Files.Create(file).SupportsAllDrives(true).Fields("id", "size")
	if in.ContentType != "" {
		call = call.Media(in.Reader, googleapi.ContentType(in.ContentType))
	} else {
		call = call.Media(in.Reader)
	}

	created, err := call.Context(ctx).Do()
	if err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, "gdrive.put", "upload failed")
	}

	size := created.Size
	if size == 0 {
		size = in.Size
	}
	return ports.PutObjectOutput{ObjectKey: created.Id, Size: size}, nil
}

func (c *Client) GetObject(ctx context.Context, objectKey string) (io.ReadCloser, string, int64, error) {
	resp, err := c.srv.Files.Get(objectKey).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		if isNotFound(err) {
			return nil, "", 0, ports.ErrObjectNotFound.WithField("object_key", objectKey)
		}
		return nil, "", 0, errors.Wrap(err, "gdrive.get", "download failed")
	}
	return resp.Body, resp.Header.Get("Content-Type"), resp.ContentLength, nil
}

func (c *Client) DeleteObject(ctx context.Context, objectKey string) error {
	err := c.srv.Files.Delete(objectKey).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil && !isNotFound(err) {
		return errors.Wrap(err, "gdrive.delete", "delete failed")
	}
	return nil
}

// GetSignedURL returns no URL; Drive files are streamed through the API.
func (c *Client) GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	return ports.SignedURLOutput{ExpiresAt: time.Now().UTC().Add(expiresIn)}, nil
}

// Ping reads the target folder, or the account when no folder is set.
func (c *Client) Ping(ctx context.Context) error {
	var err error
	if c.folderID != "" {
		_, err = c.srv.Files.Get(c.folderID).SupportsAllDrives(true).Fields("id").Context(ctx).Do()
	} else {
		_, err = c.srv.About.Get().Fields("user").Context(ctx).Do()
	}
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "gdrive.ping", "drive not reachable")
	}
	return nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
