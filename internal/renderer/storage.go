package renderer

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"renderq/internal/job"
	"renderq/internal/pkg/errors"
	"renderq/internal/pool"
	"renderq/internal/ports"
)

// Renderer is the render call the scheduler makes.
type Renderer interface {
	Render(ctx context.Context, j *job.Job, h pool.Handle) (*job.Artifact, error)
}

type storingRenderer struct {
	next   Renderer
	store  ports.ArtifactStore
	urlTTL time.Duration
}

// WithStorage uploads every successful artifact to store under
// renders/<jobId>/output<ext>. The upload runs inside the render call, so it
// counts against the job deadline. A positive urlTTL also asks the store for
// a presigned URL.
func WithStorage(next Renderer, store ports.ArtifactStore, urlTTL time.Duration) Renderer {
	return &storingRenderer{next: next, store: store, urlTTL: urlTTL}
}

func (r *storingRenderer) Render(ctx context.Context, j *job.Job, h pool.Handle) (*job.Artifact, error) {
	art, err := r.next.Render(ctx, j, h)
	if err != nil {
		return nil, err
	}

	key := ObjectKey(j.ID, art.ContentType)
	out, err := r.store.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: art.ContentType,
		Reader:      bytes.NewReader(art.Data),
		Size:        int64(len(art.Data)),
	})
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeRenderFailed, "renderer.store", "failed to store artifact").
			WithFields(map[string]any{"provider": r.store.Provider(), "object_key": key})
	}

	art.ObjectKey = out.ObjectKey
	art.Size = out.Size
	art.Data = nil

	if r.urlTTL > 0 {
		if signed, err := r.store.GetSignedURL(ctx, out.ObjectKey, r.urlTTL); err == nil {
			art.URL = signed.URL
		}
	}
	return art, nil
}

// ObjectKey returns where the artifact of jobID is stored.
func ObjectKey(jobID, contentType string) string {
	return fmt.Sprintf("renders/%s/output%s", jobID, ExtFromMime(contentType))
}

// ExtFromMime returns the file extension for a MIME type, or "".
func ExtFromMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	default:
		return ""
	}
}
