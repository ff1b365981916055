package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"renderq/internal/pkg/errors"
)

// LimiterStore keeps one token bucket per client key and forgets keys that
// have been idle for longer than idleTTL.
type LimiterStore struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewLimiterStore(rps float64, burst int, idleTTL time.Duration) *LimiterStore {
	if idleTTL <= 0 {
		idleTTL = 15 * time.Minute
	}
	return &LimiterStore{
		entries: make(map[string]*limiterEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
	}
}

// Get returns the limiter for key, creating it on first use.
func (s *LimiterStore) Get(key string) *rate.Limiter {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}

	lim := rate.NewLimiter(s.rps, s.burst)
	s.entries[key] = &limiterEntry{lim: lim, lastSeen: now}
	return lim
}

// Cleanup drops limiters idle since before now-idleTTL.
func (s *LimiterStore) Cleanup(now time.Time) int {
	cutoff := now.Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (s *LimiterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartJanitor runs Cleanup every interval until ctx is done.
func (s *LimiterStore) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				s.Cleanup(now)
			}
		}
	}()
}

// Throttle rejects requests from a client whose bucket is empty. Clients are
// keyed by remote address. This guards the HTTP surface only; per-caller
// submission limits live in the scheduler.
func Throttle(store *LimiterStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lim := store.Get(clientKey(r))
			res := lim.Reserve()
			if !res.OK() {
				WriteErrorResponse(w, errors.CodeRateLimited, "too many requests", nil)
				return
			}
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(delay/time.Second)+1))
				WriteErrorResponse(w, errors.CodeRateLimited, "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
