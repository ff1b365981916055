package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"renderq/internal/pkg/errors"
)

// StreamArtifact copies a stored artifact to the response.
func (h *Handler) StreamArtifact(w http.ResponseWriter, r *http.Request) error {
	objectKey := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if objectKey == "" {
		return errors.ValidationField("object_key", "object key is required")
	}

	rc, ct, size, err := h.store.GetObject(r.Context(), objectKey)
	if err != nil {
		return err
	}
	defer rc.Close()

	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if _, err := io.Copy(w, rc); err != nil {
		h.log.FromContext(r.Context()).WithError(err).Warn("artifact stream interrupted", "object_key", objectKey)
	}
	return nil
}
