// Package server wires the threatmatch HTTP API.
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/threatmatch/common/logging"
	"github.com/telhawk-systems/threatmatch/common/middleware"
	"github.com/telhawk-systems/threatmatch/internal/auth"
	"github.com/telhawk-systems/threatmatch/internal/handlers"
	"github.com/telhawk-systems/threatmatch/internal/metrics"
)

// NewRouter registers the API routes. A nil validator leaves /api/v1 open.
func NewRouter(h *handlers.Handler, validator *auth.Validator, logger *logging.Logger) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.RequestID, instrument(logger))

	// Health and metrics
	r.HandleFunc("/healthz", h.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.ReadyCheck).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(validator.Middleware)
	api.HandleFunc("/rules", h.ListRules).Methods(http.MethodGet)
	api.HandleFunc("/rules/{name}/run", h.RunRule).Methods(http.MethodPost)
	api.HandleFunc("/runs", h.ListRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", h.GetRun).Methods(http.MethodGet)

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument counts requests per route template and logs them at debug level.
func instrument(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tmpl, err := cur.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			logger.DebugContext(r.Context(), "http request",
				logging.Method(r.Method),
				logging.Path(route),
				logging.Status(rec.status),
				logging.Duration(time.Since(start)),
			)
		})
	}
}
