// Package renderer talks to the rendering service over HTTP.
//
// The service keeps an expensive backend (a headless browser) per session:
//
//	POST   /sessions        -> {"session_id": "..."}
//	DELETE /sessions/{id}
//	POST   /render          {session_id, job_id, params} -> artifact bytes
//
// A 410 from /render means the session is gone; the handle then reports
// itself unusable and the pool opens a new session on the next acquire.
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"renderq/internal/job"
	"renderq/internal/pkg/errors"
	"renderq/internal/pool"
)

// maxArtifactBytes caps a single rendered artifact.
const maxArtifactBytes = 64 << 20

type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client. Per-call deadlines come from the context;
// the http.Client timeout is only a backstop.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

// Session is a pooled backend handle.
type Session struct {
	ID     string
	client *HTTPClient
	lost   atomic.Bool
}

// Reusable reports false once the service said the session is gone.
func (s *Session) Reusable() bool { return !s.lost.Load() }

// Close tears the backend session down.
func (s *Session) Close(ctx context.Context) error {
	if s.lost.Load() {
		return nil
	}
	res, err := s.client.do(ctx, http.MethodDelete, "/sessions/"+s.ID, nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusGone {
		return nil
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return statusError("renderer.close_session", res)
	}
	return nil
}

// OpenSession starts a backend session. It has the pool.Factory signature.
func (c *HTTPClient) OpenSession(ctx context.Context) (pool.Handle, error) {
	res, err := c.do(ctx, http.MethodPost, "/sessions", struct{}{})
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, statusError("renderer.open_session", res)
	}

	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "renderer.open_session", "invalid session response")
	}
	if body.SessionID == "" {
		return nil, errors.New(errors.CodeUnavailable, "renderer returned an empty session id")
	}
	return &Session{ID: body.SessionID, client: c}, nil
}

type renderRequest struct {
	SessionID string      `json:"session_id"`
	JobID     string      `json:"job_id"`
	Params    job.Payload `json:"params"`
}

// Render runs one job on the session held in h.
func (c *HTTPClient) Render(ctx context.Context, j *job.Job, h pool.Handle) (*job.Artifact, error) {
	s, ok := h.(*Session)
	if !ok {
		return nil, errors.Internalf("renderer: unexpected handle type %T", h)
	}

	res, err := c.do(ctx, http.MethodPost, "/render", renderRequest{
		SessionID: s.ID,
		JobID:     j.ID,
		Params:    j.Payload,
	})
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusGone {
		s.lost.Store(true)
		return nil, errors.New(errors.CodeUnavailable, "renderer session lost").WithField("session_id", s.ID)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, statusError("renderer.render", res)
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxArtifactBytes+1))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeRenderFailed, "renderer.render", "failed to read artifact")
	}
	if len(data) > maxArtifactBytes {
		return nil, errors.Newf(errors.CodeRenderFailed, "artifact exceeds %d bytes", maxArtifactBytes)
	}

	ct := res.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return &job.Artifact{
		ContentType: ct,
		Size:        int64(len(data)),
		Data:        data,
	}, nil
}

// Ping checks the service health endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	res, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return statusError("renderer.ping", res)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "renderer.request", "failed to encode request")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "renderer.request", "failed to build request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "renderer.request", fmt.Sprintf("%s %s failed", method, path))
	}
	return res, nil
}

func statusError(op string, res *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	code := errors.CodeRenderFailed
	if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
		code = errors.CodeUnavailable
	}
	return errors.Newf(code, "renderer http %d", res.StatusCode).
		WithFields(map[string]any{"op": op, "body": strings.TrimSpace(string(snippet))})
}
