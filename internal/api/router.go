// Package api assembles the HTTP surface: the Query API endpoint, a
// liveness probe, the Prometheus scrape endpoint, and the shared
// middleware chain.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ipiton/stackmon/internal/api/middleware"
	"github.com/ipiton/stackmon/internal/config"
	"github.com/ipiton/stackmon/internal/queryapi"
)

// NewRouter builds the full HTTP handler: /v1/health (Query API), /healthz,
// and, when enabled, the Prometheus /metrics endpoint, wrapped in the
// request-id -> logging -> rate-limit (when enabled) -> cors -> compression
// chain, outermost first.
func NewRouter(queryHandler *queryapi.Handler, logger *slog.Logger, rateCfg config.RateLimitConfig, metricsCfg config.MetricsConfig) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := mux.NewRouter()
	r.Handle("/v1/health", queryHandler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)

	if metricsCfg.Enabled {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.Handler()).Methods(http.MethodGet)
	}

	var handler http.Handler = r
	handler = middleware.CompressionMiddleware(handler)
	handler = middleware.CORSMiddleware(middleware.DefaultCORSConfig())(handler)
	if rateCfg.Enabled {
		handler = middleware.RateLimitMiddleware(rateCfg.RequestsPerMinute, rateCfg.Burst)(handler)
	}
	handler = middleware.LoggingMiddleware(logger)(handler)
	handler = middleware.RequestIDMiddleware(handler)

	return handler
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
