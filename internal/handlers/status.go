package handlers

import (
	"embed"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/swaplive/internal/database"
	"github.com/gluk-w/swaplive/internal/logging"
	"github.com/gluk-w/swaplive/internal/session"
	"github.com/gluk-w/swaplive/internal/stats"
	"github.com/gluk-w/swaplive/internal/tunnel"
)

//go:embed static/index.html
var staticFS embed.FS

type statusResponse struct {
	stats.Snapshot
	Status           string          `json:"status"`
	ModelsLoaded     bool            `json:"models_loaded"`
	SourceFaceLoaded bool            `json:"source_face_loaded"`
	SessionActive    bool            `json:"session_active"`
	Session          *session.Status `json:"session,omitempty"`
	Tunnel           *tunnel.State   `json:"tunnel,omitempty"`
	UptimeSeconds    int64           `json:"uptime_seconds"`
}

func (a *API) Index(w http.ResponseWriter, r *http.Request) {
	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "index unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disabled"
	if database.DB != nil {
		dbStatus = "disconnected"
		if sqlDB, err := database.DB.DB(); err == nil && sqlDB.Ping() == nil {
			dbStatus = "connected"
		}
	}

	engineStatus := "loading"
	if a.engine != nil && a.engine.Loaded() {
		engineStatus = "loaded"
	}

	status := "healthy"
	if engineStatus != "loaded" || dbStatus == "disconnected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   status,
		"engine":   engineStatus,
		"database": dbStatus,
	})
}

// GetStatus reports counters, the slot state, and the tunnel phase.
func (a *API) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.sessions.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager unavailable")
		return
	}

	resp := statusResponse{
		Snapshot:         a.stats.Snapshot(),
		Status:           "running",
		ModelsLoaded:     a.engine != nil && a.engine.Loaded(),
		SourceFaceLoaded: st.ReferenceLoaded,
		SessionActive:    st.State == session.StateActive,
		Session:          &st,
		UptimeSeconds:    int64(time.Since(a.startedAt).Seconds()),
	}
	if a.tunnel != nil {
		ts := a.tunnel.State()
		resp.Tunnel = &ts
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) GetTunnel(w http.ResponseWriter, r *http.Request) {
	if a.tunnel == nil {
		writeError(w, http.StatusNotFound, "Tunnel coordinator not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":       a.tunnel.State(),
		"transitions": a.tunnel.Transitions(),
	})
}

// GetTunnelEvents lists persisted tunnel transitions across runs, newest first.
func (a *API) GetTunnelEvents(w http.ResponseWriter, r *http.Request) {
	events, err := database.ListTunnelEvents(limitParam(r, 100))
	if err != nil {
		if errors.Is(err, database.ErrDisabled) {
			writeJSON(w, http.StatusOK, []database.TunnelEvent{})
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to list tunnel events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *API) GetStatsHistory(w http.ResponseWriter, r *http.Request) {
	samples, err := database.ListStatsSamples(limitParam(r, 120))
	if err != nil {
		if errors.Is(err, database.ErrDisabled) {
			writeJSON(w, http.StatusOK, []database.StatsSample{})
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to list stats history")
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func limitParam(r *http.Request, def int) int {
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
