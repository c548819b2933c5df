package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/querykit/internal/metrics"
	"github.com/l0p7/querykit/internal/query"
)

// Diagnostics is the runtime surface the router exposes.
type Diagnostics interface {
	Metrics() *metrics.Recorder
	Samples() *metrics.Store
	Cache() *query.Cache
	Analytics() bool
}

// PerformanceReport is the body of /debug/performance.
type PerformanceReport struct {
	Summary metrics.Summary  `json:"summary"`
	Samples []metrics.Sample `json:"samples"`
}

// CacheReport is the body of /debug/cache.
type CacheReport struct {
	Entries []CacheEntry `json:"entries"`
}

// CacheEntry adds the rendered error to a snapshot.
type CacheEntry struct {
	query.Snapshot
	Error string `json:"error,omitempty"`
}

// InvalidationReport is the body of /debug/cache/invalidate.
type InvalidationReport struct {
	Prefixes []string `json:"prefixes"`
	Entries  int      `json:"entries"`
}

// NewHandler routes the diagnostics endpoints:
//
//	GET  /metrics                   Prometheus exposition
//	GET  /healthz                   liveness and cache size
//	GET  /debug/performance         rolling request window (analytics only)
//	GET  /debug/cache               cache entry snapshots
//	POST /debug/cache/invalidate    invalidate ?prefix=... values
func NewHandler(d Diagnostics, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if d == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "runtime unavailable", http.StatusServiceUnavailable)
		})
	}
	rt := &router{diag: d, logger: logger.With(slog.String("agent", "diagnostics"))}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", d.Metrics().Handler())
	mux.HandleFunc("GET /healthz", rt.serveHealth)
	mux.HandleFunc("GET /debug/performance", rt.servePerformance)
	mux.HandleFunc("GET /debug/cache", rt.serveCache)
	mux.HandleFunc("POST /debug/cache/invalidate", rt.serveInvalidate)
	return mux
}

type router struct {
	diag   Diagnostics
	logger *slog.Logger
}

func (rt *router) serveHealth(w http.ResponseWriter, r *http.Request) {
	rt.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"cacheEntries": rt.diag.Cache().Len(),
		"observedAt":   time.Now().UTC(),
	})
}

func (rt *router) servePerformance(w http.ResponseWriter, r *http.Request) {
	if !rt.diag.Analytics() {
		rt.writeError(w, http.StatusNotFound, "performance analytics disabled")
		return
	}
	store := rt.diag.Samples()
	rt.writeJSON(w, http.StatusOK, PerformanceReport{
		Summary: store.Snapshot(),
		Samples: store.Samples(),
	})
}

func (rt *router) serveCache(w http.ResponseWriter, r *http.Request) {
	snapshots := rt.diag.Cache().Entries()
	entries := make([]CacheEntry, 0, len(snapshots))
	for _, snap := range snapshots {
		entry := CacheEntry{Snapshot: snap}
		if snap.Err != nil {
			entry.Error = snap.Err.Error()
		}
		entries = append(entries, entry)
	}
	rt.writeJSON(w, http.StatusOK, CacheReport{Entries: entries})
}

func (rt *router) serveInvalidate(w http.ResponseWriter, r *http.Request) {
	var prefixes []string
	for _, raw := range r.URL.Query()["prefix"] {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			prefixes = append(prefixes, trimmed)
		}
	}
	if len(prefixes) == 0 {
		rt.writeError(w, http.StatusBadRequest, "at least one prefix query parameter required")
		return
	}
	n := rt.diag.Cache().InvalidatePrefixes(prefixes...)
	rt.logger.Info("manual invalidation", slog.Any("prefixes", prefixes), slog.Int("entries", n))
	rt.writeJSON(w, http.StatusOK, InvalidationReport{Prefixes: prefixes, Entries: n})
}

func (rt *router) writeError(w http.ResponseWriter, status int, message string) {
	rt.writeJSON(w, status, map[string]any{"error": message})
}

func (rt *router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		rt.logger.Error("response encode failed", slog.Any("error", err))
	}
}
