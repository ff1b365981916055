package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"renderq/internal/httpkit"
)

const checkTimeout = 5 * time.Second

// Health performs a health check of the service. With ?deep=true every
// configured dependency is probed.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	health := map[string]any{
		"status":  "ok",
		"service": "renderq",
		"version": h.version,
	}

	if httpkit.QueryBool(r, "deep") {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks

		for name, check := range checks {
			if check["status"] != "ok" {
				health["status"] = "degraded"
				log.Warn("health check degraded", "dependency", name, "error", check["error"])
				break
			}
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
	return nil
}

func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]map[string]any, len(names))
	for _, name := range names {
		out[name] = runCheck(ctx, h.checks[name])
	}

	if h.store != nil {
		res := runCheck(ctx, h.store.Ping)
		res["provider"] = h.store.Provider()
		out["storage"] = res
	}
	return out
}

func runCheck(ctx context.Context, check Check) map[string]any {
	start := time.Now()
	result := map[string]any{"status": "ok"}

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := check(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}

	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

// Stats reports scheduler and pool counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) error {
	httpkit.WriteJSON(w, http.StatusOK, h.sched.Stats())
	return nil
}
