package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Router wires every route onto a chi router.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/", a.Index)
	r.Get("/health", a.HealthCheck)
	r.Get("/status", a.GetStatus)
	r.Get("/ws", a.SessionSocket)
	r.Post("/upload_source", a.UploadSource)
	r.Post("/clear_source", a.ClearSource)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", a.GetStatus)
		r.Get("/tunnel", a.GetTunnel)
		r.Get("/tunnel/events", a.GetTunnelEvents)
		r.Get("/stats/history", a.GetStatsHistory)
		r.Get("/logs", GetServerLogs)
		r.Delete("/logs", ClearServerLogs)
	})
	return r
}
