package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalspot/backend/internal/domain"
	"github.com/signalspot/backend/pkg/response"
)

type SparkHandler struct {
	sparkService *domain.SparkService
	logger       *zap.Logger
	now          func() time.Time
}

func NewSparkHandler(sparkService *domain.SparkService, logger *zap.Logger) *SparkHandler {
	return &SparkHandler{
		sparkService: sparkService,
		logger:       logger,
		now:          time.Now,
	}
}

// ListSparks returns the caller's sparks newest first, optionally filtered by status.
func (h *SparkHandler) ListSparks(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var status *domain.SparkStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st, err := domain.ParseSparkStatus(s)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		status = &st
	}
	limit, ok := queryInt(r.URL.Query(), "limit", 0)
	if !ok {
		badQuery(w, "limit")
		return
	}
	offset, ok := queryInt(r.URL.Query(), "offset", 0)
	if !ok {
		badQuery(w, "offset")
		return
	}

	sparks, err := h.sparkService.ListSparks(r.Context(), userID, status, limit, offset)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	now := h.now()
	out := make([]sparkResponse, 0, len(sparks))
	for _, s := range sparks {
		out = append(out, newSparkResponse(s, userID, now))
	}
	response.OK(w, out)
}

func (h *SparkHandler) GetSpark(w http.ResponseWriter, r *http.Request) {
	h.sparkAction(w, r, h.sparkService.GetSpark)
}

// Accept records the caller's consent.
func (h *SparkHandler) Accept(w http.ResponseWriter, r *http.Request) {
	h.sparkAction(w, r, h.sparkService.Accept)
}

// Reject declines the spark for both participants.
func (h *SparkHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.sparkAction(w, r, h.sparkService.Reject)
}

func (h *SparkHandler) sparkAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, sparkID, userID uuid.UUID) (*domain.Spark, error)) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	sparkID, err := pathUUID(r, "id")
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	spark, err := fn(r.Context(), sparkID, userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	response.OK(w, newSparkResponse(spark, userID, h.now()))
}
