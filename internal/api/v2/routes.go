package api

import (
	"net/http"
	"time"

	"github.com/hashicorp-forge/pagekeeper/internal/server"
	"github.com/hashicorp-forge/pagekeeper/pkg/delivery"
)

// NewMux registers the v2 API on a new ServeMux.
func NewMux(srv server.Server) *http.ServeMux {
	mux := http.NewServeMux()

	pagesets := PageSetsHandler(srv)
	mux.Handle(delivery.BasePath, pagesets)
	mux.Handle(delivery.BasePath+"/", pagesets)
	mux.Handle("/api/v2/health", HealthHandler(srv))

	return mux
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// LogRequests logs one line per request.
func LogRequests(srv server.Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		srv.Logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
