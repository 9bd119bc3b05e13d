package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gluk-w/swaplive/internal/session"
	"github.com/gluk-w/swaplive/internal/stats"
	"github.com/gluk-w/swaplive/internal/transform"
	"github.com/gluk-w/swaplive/internal/tunnel"
)

// Describer turns an uploaded reference image into a descriptor.
type Describer interface {
	Describe(ctx context.Context, filename string, data []byte) (transform.Descriptor, error)
}

// EngineStatus reports whether the engine has its models loaded.
type EngineStatus interface {
	Loaded() bool
}

// TunnelStatus exposes the coordinator's state.
type TunnelStatus interface {
	State() tunnel.State
	Transitions() []tunnel.Transition
}

// Sessions is the subset of session.Manager the handlers use.
type Sessions interface {
	Connect(ctx context.Context, id string, sink session.Sink) error
	Disconnect(ctx context.Context, id string) error
	SetReference(ctx context.Context, id string, desc transform.Descriptor) error
	ClearReference(ctx context.Context, id string) error
	Frame(ctx context.Context, id string, frame string) (session.Admission, error)
	Status(ctx context.Context) (session.Status, error)
}

type Config struct {
	MaxUploadBytes int64
	// MaxFrameBytes bounds one WebSocket message.
	MaxFrameBytes int64
}

// API holds the dependencies of every route.
type API struct {
	cfg       Config
	sessions  Sessions
	describer Describer
	engine    EngineStatus
	tunnel    TunnelStatus
	stats     *stats.Aggregator
	startedAt time.Time
}

func NewAPI(cfg Config, sessions Sessions, describer Describer, engine EngineStatus, tun TunnelStatus, agg *stats.Aggregator) *API {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 4 << 20
	}
	return &API{
		cfg:       cfg,
		sessions:  sessions,
		describer: describer,
		engine:    engine,
		tunnel:    tun,
		stats:     agg,
		startedAt: time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
