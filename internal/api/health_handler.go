package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/signalspot/backend/pkg/response"
)

const readinessTimeout = 2 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the unauthenticated probe endpoints.
type HealthHandler struct {
	store   Pinger
	version string
	started time.Time
	logger  *zap.Logger
}

func NewHealthHandler(store Pinger, version string, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{store: store, version: version, started: time.Now(), logger: logger}
}

type healthStatus struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Time          string `json:"time"`
}

func (h *HealthHandler) status(s string) healthStatus {
	now := time.Now()
	return healthStatus{
		Status:        s,
		Version:       h.version,
		UptimeSeconds: int64(now.Sub(h.started) / time.Second),
		Time:          now.UTC().Format(time.RFC3339),
	}
}

func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	response.OK(w, h.status("ok"))
}

// Live only proves the process is serving requests.
func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	response.OK(w, h.status("alive"))
}

// Ready fails while the store is unreachable so the instance is taken out of rotation.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		response.Unavailable(w, 5*time.Second, "store unavailable")
		return
	}
	response.OK(w, h.status("ready"))
}
