package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewRouter mounts the health endpoints and falls through to the proxy for
// everything else. Using HandleFunc keeps HEAD probes working.
func NewRouter(pool *pgxpool.Pool, proxy http.Handler) chi.Router {
	r := chi.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if pool != nil {
			if err := pool.Ping(req.Context()); err != nil {
				http.Error(w, "database unreachable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	r.NotFound(proxy.ServeHTTP)
	return r
}
