package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalspot/backend/internal/domain"
	"github.com/signalspot/backend/internal/middleware"
	"github.com/signalspot/backend/pkg/response"
)

const maxBodyBytes = 1 << 20

// writeError maps a service error onto the response envelope.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrNotOwner),
		errors.Is(err, domain.ErrNotParticipant),
		errors.Is(err, domain.ErrSelfInteractionForbidden):
		response.Forbidden(w, err.Error())
		return
	case errors.Is(err, domain.ErrDailyLimitExceeded):
		response.Error(w, http.StatusTooManyRequests, response.CodeDailyLimit, err.Error())
		return
	case errors.Is(err, domain.ErrDurationCapExceeded):
		response.Error(w, http.StatusUnprocessableEntity, response.CodeDurationCap, err.Error())
		return
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		return
	}

	switch domain.KindOf(err) {
	case domain.KindValidation:
		response.Error(w, http.StatusBadRequest, response.CodeValidation, err.Error())
	case domain.KindNotFound:
		response.NotFound(w, err.Error())
	case domain.KindBusinessRule:
		response.Conflict(w, err.Error())
	case domain.KindTransient:
		logger.Warn("transient failure", zap.Error(err))
		response.Unavailable(w, time.Second, "temporarily unavailable, retry later")
	default:
		logger.Error("unhandled error", zap.Error(err))
		response.InternalError(w, "internal server error")
	}
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// badQuery reports a malformed query parameter.
func badQuery(w http.ResponseWriter, name string) {
	response.Error(w, http.StatusBadRequest, response.CodeValidation, "invalid "+name)
}

// queryInt reads a non-negative integer parameter; absent means fallback.
func queryInt(q url.Values, name string, fallback int) (int, bool) {
	s := q.Get(name)
	if s == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func queryBool(q url.Values, name string) (bool, bool) {
	s := q.Get(name)
	if s == "" {
		return false, true
	}
	b, err := strconv.ParseBool(s)
	return b, err == nil
}

// queryKilometers reads a positive distance in km and returns it in whole meters.
func queryKilometers(q url.Values, name string, fallbackKm float64) (float64, bool) {
	km := fallbackKm
	if s := q.Get(name); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return 0, false
		}
		km = v
	}
	return math.Round(km * 1000), true
}

// pathUUID parses a uuid path parameter.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

// callerID returns the authenticated user or writes 401.
func callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
	}
	return userID, ok
}
