package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalspot/backend/internal/domain"
	"github.com/signalspot/backend/pkg/response"
)

// LocationProcessor runs proximity detection for one location report.
type LocationProcessor interface {
	HandleLocationUpdate(ctx context.Context, u domain.LocationUpdate) ([]*domain.Spark, error)
}

// DeviceRegistry stores push tokens per user.
type DeviceRegistry interface {
	RegisterDeviceToken(ctx context.Context, userID uuid.UUID, token string) error
	RemoveDeviceToken(ctx context.Context, userID uuid.UUID, token string) error
}

type LocationHandler struct {
	detector LocationProcessor
	devices  DeviceRegistry
	logger   *zap.Logger
	now      func() time.Time
}

func NewLocationHandler(detector LocationProcessor, devices DeviceRegistry, logger *zap.Logger) *LocationHandler {
	return &LocationHandler{
		detector: detector,
		devices:  devices,
		logger:   logger,
		now:      time.Now,
	}
}

type locationRequest struct {
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	AccuracyMeters float64    `json:"accuracy_meters,omitempty"`
	RecordedAt     *time.Time `json:"recorded_at,omitempty"`
	SharedSignals  int        `json:"shared_signals,omitempty"`
}

// ReportLocation records the caller's position and returns any sparks it produced.
func (h *LocationHandler) ReportLocation(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req locationRequest
	if err := decodeJSON(r, &req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	now := h.now()
	recordedAt := now
	if req.RecordedAt != nil && !req.RecordedAt.After(now) {
		recordedAt = *req.RecordedAt
	}

	sparks, err := h.detector.HandleLocationUpdate(r.Context(), domain.LocationUpdate{
		UserID:         userID,
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		AccuracyMeters: req.AccuracyMeters,
		RecordedAt:     recordedAt,
		SharedSignals:  req.SharedSignals,
	})
	if err != nil && len(sparks) == 0 {
		writeError(w, h.logger, err)
		return
	}
	if err != nil {
		h.logger.Warn("partial spark detection failure", zap.String("user_id", userID.String()), zap.Error(err))
	}

	out := make([]sparkResponse, 0, len(sparks))
	for _, s := range sparks {
		out = append(out, newSparkResponse(s, userID, now))
	}
	response.OK(w, map[string]any{"sparks": out})
}

type deviceRequest struct {
	Token string `json:"token"`
}

// RegisterDevice stores an FCM token for the caller.
func (h *LocationHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		response.BadRequest(w, "token is required")
		return
	}

	if err := h.devices.RegisterDeviceToken(r.Context(), userID, token); err != nil {
		writeError(w, h.logger, err)
		return
	}
	response.OK(w, map[string]string{"status": "success"})
}

func (h *LocationHandler) RemoveDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	token := chi.URLParam(r, "token")
	if token == "" {
		response.BadRequest(w, "token is required")
		return
	}
	if err := h.devices.RemoveDeviceToken(r.Context(), userID, token); err != nil {
		writeError(w, h.logger, err)
		return
	}
	response.NoContent(w)
}
