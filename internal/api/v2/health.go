package api

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp-forge/pagekeeper/internal/server"
)

// HealthResponse reports the reachability of each dependency.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HealthHandler reports store and blob reachability. It responds 503 when
// any dependency fails its check.
func HealthHandler(srv server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		resp := HealthResponse{Status: "ok", Checks: map[string]string{}}
		status := http.StatusOK
		for name, err := range srv.Ping(ctx) {
			if err != nil {
				srv.Logger.Warn("health check failed", "check", name, "error", err)
				resp.Checks[name] = err.Error()
				resp.Status = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}

		w.Header().Set("Cache-Control", noStoreCacheControl)
		respondJSON(w, srv, status, resp)
	})
}
