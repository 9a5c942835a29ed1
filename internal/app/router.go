// Package app wires the adapters together: the HTTP router and the
// periodic janitor.
package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/christian-cleanup/internal/adapter/httpserver"
	"github.com/fairyhunter13/christian-cleanup/internal/adapter/observability"
	"github.com/fairyhunter13/christian-cleanup/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// ReadyCheck is one named readiness probe.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, checks ...ReadyCheck) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(cfg.HTTPWriteTimeout))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints are rate limited per client IP.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		wr.Post("/songs/{song_id}/analyze", srv.AnalyzeSongHandler())
		wr.Post("/playlists/{playlist_id}/analyze-unanalyzed", srv.AnalyzePlaylistHandler(true))
		wr.Post("/playlists/{playlist_id}/reanalyze-all", srv.AnalyzePlaylistHandler(false))
		wr.Post("/jobs/{job_id}/cancel", srv.CancelJobHandler())
	})

	// Read-only endpoints.
	r.Get("/analysis/status", srv.AnalysisStatusHandler())
	r.Get("/queue/status", srv.QueueStatusHandler())
	r.Get("/queue/health", srv.QueueHealthHandler())
	r.Get("/worker/health", srv.WorkerHealthHandler())
	r.Get("/jobs/{job_id}/status", srv.JobStatusHandler())

	// Health and metrics.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", readyzHandler(checks))

	return httpserver.SecurityHeaders(r)
}

func readyzHandler(checks []ReadyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type result struct {
			Name    string `json:"name"`
			OK      bool   `json:"ok"`
			Details string `json:"details,omitempty"`
		}
		results := make([]result, 0, len(checks))
		allOK := true
		for _, c := range checks {
			res := result{Name: c.Name, OK: true}
			if err := c.Check(r.Context()); err != nil {
				res.OK = false
				res.Details = err.Error()
				allOK = false
			}
			results = append(results, res)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if !allOK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ready": allOK, "checks": results})
	}
}
