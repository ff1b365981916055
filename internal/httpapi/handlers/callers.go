package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"renderq/internal/httpkit"
	"renderq/internal/pkg/errors"
)

// GetPosition reports the caller's advisory queue position, 0 when nothing
// is queued.
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) error {
	callerID := chi.URLParam(r, "callerId")
	pos := h.sched.QueryPosition(callerID)

	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"caller_id": callerID,
		"position":  pos,
		"queued":    pos > 0,
	})
	return nil
}

// ListCallerJobs returns the caller's most recent jobs from history.
func (h *Handler) ListCallerJobs(w http.ResponseWriter, r *http.Request) error {
	if h.history == nil {
		return errors.New(errors.CodeUnavailable, "job history is not configured")
	}

	callerID := chi.URLParam(r, "callerId")
	limit := httpkit.QueryInt(r, "limit", 20, 200)

	items, err := h.history.ListByCaller(r.Context(), callerID, limit)
	if err != nil {
		return err
	}

	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"caller_id": callerID,
		"items":     items,
	})
	return nil
}
