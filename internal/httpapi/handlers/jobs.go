package handlers

import (
	"net/http"
	"strings"

	"renderq/internal/httpkit"
	"renderq/internal/job"
	"renderq/internal/pkg/errors"
)

type CreateJobRequest struct {
	CallerID string      `json:"caller_id"`
	Payload  job.Payload `json:"payload"`
}

// PostJob submits a job. With ?wait=true it holds the request until the job
// reaches a terminal state.
func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	var req CreateJobRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		return err
	}
	req.CallerID = strings.TrimSpace(req.CallerID)
	if req.CallerID == "" {
		return errors.ValidationField("caller_id", "caller_id is required")
	}
	if req.Payload == nil {
		req.Payload = job.Payload{}
	}

	receipt, err := h.sched.Submit(ctx, req.CallerID, req.Payload)
	if err != nil {
		return err
	}

	if !httpkit.QueryBool(r, "wait") {
		httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{"job": receipt})
		return nil
	}

	out, err := receipt.Wait(ctx)
	if err != nil {
		// The client went away; the job keeps running and its outcome is
		// still delivered through the notifier.
		return errors.WrapWithCode(err, errors.CodeTimeout, "handlers.post_job", "stopped waiting for job").
			WithField("job_id", receipt.JobID)
	}

	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"job":        receipt,
		"outcome":    out,
		"elapsed_ms": out.Elapsed.Milliseconds(),
	})
	return nil
}
