package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderq/internal/job"
	"renderq/internal/pkg/errors"
	"renderq/internal/pool"
	"renderq/internal/ports"
)

type fakeService struct {
	mu       sync.Mutex
	sessions map[string]bool
	opened   int
	lastReq  renderRequest
	status   int
}

func newFakeService(t *testing.T) (*fakeService, *httptest.Server) {
	t.Helper()
	svc := &fakeService{sessions: map[string]bool{}}

	r := chi.NewRouter()
	r.Post("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		svc.mu.Lock()
		svc.opened++
		id := "s" + string(rune('0'+svc.opened))
		svc.sessions[id] = true
		svc.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": id})
	})
	r.Delete("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		svc.mu.Lock()
		delete(svc.sessions, chi.URLParam(r, "id"))
		svc.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/render", func(w http.ResponseWriter, r *http.Request) {
		var req renderRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		svc.mu.Lock()
		svc.lastReq = req
		alive := svc.sessions[req.SessionID]
		status := svc.status
		svc.mu.Unlock()

		switch {
		case !alive:
			w.WriteHeader(http.StatusGone)
		case status != 0:
			http.Error(w, "template exploded", status)
		default:
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("\x89PNG-data"))
		}
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return svc, srv
}

func TestOpenRenderClose(t *testing.T) {
	svc, srv := newFakeService(t)
	c := NewHTTPClient(srv.URL + "/")
	ctx := context.Background()

	h, err := c.OpenSession(ctx)
	require.NoError(t, err)

	j := job.New("alice", job.Payload{"template": "card", "text": "hi"}, time.Now())
	art, err := c.Render(ctx, j, h)
	require.NoError(t, err)

	assert.Equal(t, "image/png", art.ContentType)
	assert.Equal(t, int64(9), art.Size)
	assert.Equal(t, j.ID, svc.lastReq.JobID)
	assert.Equal(t, "card", svc.lastReq.Params["template"])

	require.NoError(t, h.Close(ctx))
	assert.Empty(t, svc.sessions)
	assert.NoError(t, c.Ping(ctx))
}

func TestGoneMarksSessionUnusable(t *testing.T) {
	svc, srv := newFakeService(t)
	c := NewHTTPClient(srv.URL)
	ctx := context.Background()

	h, err := c.OpenSession(ctx)
	require.NoError(t, err)

	svc.mu.Lock()
	svc.sessions = map[string]bool{}
	svc.mu.Unlock()

	_, err = c.Render(ctx, job.New("alice", nil, time.Now()), h)
	require.Error(t, err)
	assert.Equal(t, errors.CodeUnavailable, errors.GetCode(err))
	assert.False(t, h.(*Session).Reusable())
}

func TestPoolReplacesLostSession(t *testing.T) {
	svc, srv := newFakeService(t)
	c := NewHTTPClient(srv.URL)
	p := pool.New(c.OpenSession, pool.Options{InitTimeout: time.Second, IdleTimeout: time.Minute})
	ctx := context.Background()

	h, release, err := p.Acquire(ctx)
	require.NoError(t, err)
	svc.mu.Lock()
	svc.sessions = map[string]bool{}
	svc.mu.Unlock()
	_, err = c.Render(ctx, job.New("alice", nil, time.Now()), h)
	require.Error(t, err)
	release()

	h2, release, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer release()

	_, err = c.Render(ctx, job.New("alice", nil, time.Now()), h2)
	assert.NoError(t, err)
	assert.Equal(t, 2, svc.opened)
}

func TestRenderErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   errors.Code
	}{
		{"bad params", http.StatusUnprocessableEntity, errors.CodeRenderFailed},
		{"service down", http.StatusBadGateway, errors.CodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, srv := newFakeService(t)
			c := NewHTTPClient(srv.URL)
			h, err := c.OpenSession(context.Background())
			require.NoError(t, err)

			svc.mu.Lock()
			svc.status = tt.status
			svc.mu.Unlock()

			_, err = c.Render(context.Background(), job.New("alice", nil, time.Now()), h)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.GetCode(err))
			assert.Equal(t, "template exploded", errors.GetFields(err)["body"])
		})
	}
}

func TestRenderHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Render(ctx, job.New("alice", nil, time.Now()), &Session{ID: "s", client: c})
	assert.Error(t, err)
}

type memStore struct {
	objects map[string][]byte
}

func (m *memStore) Provider() string { return "mem" }

func (m *memStore) PutObject(_ context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Reader)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	m.objects[in.ObjectKey] = b
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: int64(len(b))}, nil
}

func (m *memStore) GetObject(_ context.Context, key string) (io.ReadCloser, string, int64, error) {
	b, ok := m.objects[key]
	if !ok {
		return nil, "", 0, ports.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), "", int64(len(b)), nil
}

func (m *memStore) DeleteObject(_ context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func (m *memStore) GetSignedURL(_ context.Context, key string, ttl time.Duration) (ports.SignedURLOutput, error) {
	return ports.SignedURLOutput{URL: "https://cdn.example/" + key, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (m *memStore) Ping(context.Context) error { return nil }

type staticRenderer struct{ art job.Artifact }

func (s staticRenderer) Render(context.Context, *job.Job, pool.Handle) (*job.Artifact, error) {
	a := s.art
	return &a, nil
}

func TestWithStorageUploadsArtifact(t *testing.T) {
	store := &memStore{objects: map[string][]byte{}}
	r := WithStorage(staticRenderer{art: job.Artifact{ContentType: "image/png", Data: []byte("png!")}}, store, time.Hour)

	j := job.New("alice", nil, time.Now())
	art, err := r.Render(context.Background(), j, nil)
	require.NoError(t, err)

	wantKey := "renders/" + j.ID + "/output.png"
	assert.Equal(t, wantKey, art.ObjectKey)
	assert.Equal(t, int64(4), art.Size)
	assert.Nil(t, art.Data)
	assert.Equal(t, "https://cdn.example/"+wantKey, art.URL)
	assert.Equal(t, []byte("png!"), store.objects[wantKey])
}

func TestExtFromMime(t *testing.T) {
	tests := map[string]string{
		"image/png":                ".png",
		"IMAGE/JPEG":               ".jpg",
		"video/mp4; codecs=avc1":   ".mp4",
		"application/octet-stream": "",
	}
	for in, want := range tests {
		assert.Equal(t, want, ExtFromMime(in), in)
	}
}
