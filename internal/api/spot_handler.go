package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalspot/backend/internal/domain"
	"github.com/signalspot/backend/internal/geo"
	"github.com/signalspot/backend/pkg/response"
)

type SpotHandler struct {
	spotService *domain.SpotService
	logger      *zap.Logger
	now         func() time.Time
}

func NewSpotHandler(spotService *domain.SpotService, logger *zap.Logger) *SpotHandler {
	return &SpotHandler{
		spotService: spotService,
		logger:      logger,
		now:         time.Now,
	}
}

type createSpotRequest struct {
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	RadiusMeters  int     `json:"radius_meters"`
	Category      string  `json:"category"`
	Visibility    string  `json:"visibility"`
	DurationHours int     `json:"duration_hours"`
}

// CreateSpot handles creating a new spot
func (h *SpotHandler) CreateSpot(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req createSpotRequest
	if err := decodeJSON(r, &req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	spot, err := h.spotService.CreateSpot(r.Context(), domain.CreateSpotParams{
		CreatorID:     userID,
		Title:         req.Title,
		Description:   req.Description,
		Latitude:      req.Latitude,
		Longitude:     req.Longitude,
		RadiusMeters:  req.RadiusMeters,
		Category:      req.Category,
		Visibility:    req.Visibility,
		DurationHours: req.DurationHours,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	response.Created(w, newSpotResponse(spot, userID, h.now()))
}

// GetSpot returns a single spot
func (h *SpotHandler) GetSpot(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	spotID, err := pathUUID(r, "id")
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	spot, err := h.spotService.GetSpot(r.Context(), spotID, userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	response.OK(w, newSpotResponse(spot, userID, h.now()))
}

// Nearby lists spots around a point.
// Query: lat, lng, radius (meters), category, status, exclude_expired, order, limit, offset.
func (h *SpotHandler) Nearby(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		response.BadRequest(w, "lat and lng are required")
		return
	}
	center, err := geo.NewCoordinates(lat, lng)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	radius, ok := queryKilometers(q, "radius_km", 1)
	if !ok {
		badQuery(w, "radius_km")
		return
	}

	order, err := domain.ParseNearbyOrder(q.Get("order"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	filters := domain.NearbyFilters{ViewerID: &userID}
	if s := q.Get("category"); s != "" {
		c, err := domain.ParseSpotCategory(s)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		filters.Category = &c
	}
	if s := q.Get("status"); s != "" {
		st, err := domain.ParseSpotStatus(s)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		filters.Status = &st
	}
	if filters.ExcludeExpired, ok = queryBool(q, "exclude_expired"); !ok {
		badQuery(w, "exclude_expired")
		return
	}

	limit, ok := queryInt(q, "limit", 0)
	if !ok {
		badQuery(w, "limit")
		return
	}
	offset, ok := queryInt(q, "offset", 0)
	if !ok {
		badQuery(w, "offset")
		return
	}

	now := h.now()
	results, err := h.spotService.NearbySpots(r.Context(), domain.NearbyQuery{
		Center:       center,
		RadiusMeters: radius,
		Filters:      filters,
		Page:         domain.Pagination{Limit: limit, Offset: offset},
		OrderBy:      order,
		Now:          now,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	out := make([]spotResponse, 0, len(results))
	for _, res := range results {
		resp := newSpotResponse(res.Spot, userID, now)
		dist := res.DistanceMeters
		resp.DistanceMeters = &dist
		out = append(out, resp)
	}
	response.OK(w, out)
}

type updateSpotRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// UpdateContent replaces the spot's title and description
func (h *SpotHandler) UpdateContent(w http.ResponseWriter, r *http.Request) {
	var req updateSpotRequest
	h.ownerAction(w, r, &req, func(spot spotCall) (*domain.Spot, error) {
		return h.spotService.UpdateContent(r.Context(), spot.id, spot.caller, req.Title, req.Description)
	})
}

func (h *SpotHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.ownerAction(w, r, nil, func(spot spotCall) (*domain.Spot, error) {
		return h.spotService.Pause(r.Context(), spot.id, spot.caller)
	})
}

func (h *SpotHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.ownerAction(w, r, nil, func(spot spotCall) (*domain.Spot, error) {
		return h.spotService.Resume(r.Context(), spot.id, spot.caller)
	})
}

type extendSpotRequest struct {
	Hours int `json:"hours"`
}

func (h *SpotHandler) Extend(w http.ResponseWriter, r *http.Request) {
	var req extendSpotRequest
	h.ownerAction(w, r, &req, func(spot spotCall) (*domain.Spot, error) {
		return h.spotService.Extend(r.Context(), spot.id, spot.caller, req.Hours)
	})
}

type visibilityRequest struct {
	Visibility string `json:"visibility"`
}

func (h *SpotHandler) ChangeVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	h.ownerAction(w, r, &req, func(spot spotCall) (*domain.Spot, error) {
		return h.spotService.ChangeVisibility(r.Context(), spot.id, spot.caller, req.Visibility)
	})
}

func (h *SpotHandler) Remove(w http.ResponseWriter, r *http.Request) {
	h.ownerAction(w, r, nil, func(spot spotCall) (*domain.Spot, error) {
		return h.spotService.Remove(r.Context(), spot.id, spot.caller)
	})
}

type spotCall struct {
	id     uuid.UUID
	caller uuid.UUID
}

// ownerAction decodes an optional body, runs fn and writes the updated spot.
func (h *SpotHandler) ownerAction(w http.ResponseWriter, r *http.Request, body any, fn func(spotCall) (*domain.Spot, error)) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	spotID, err := pathUUID(r, "id")
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	if body != nil {
		if err := decodeJSON(r, body); err != nil {
			response.BadRequest(w, err.Error())
			return
		}
	}
	spot, err := fn(spotCall{id: spotID, caller: userID})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	response.OK(w, newSpotResponse(spot, userID, h.now()))
}

type interactionRequest struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Interact records a view, reaction, reply, share or report.
func (h *SpotHandler) Interact(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	spotID, err := pathUUID(r, "id")
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	var req interactionRequest
	if err := decodeJSON(r, &req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	kind, err := domain.ParseInteractionType(req.Type)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	spot, interaction, err := h.spotService.AddInteraction(r.Context(), spotID, userID, kind, req.Text)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	response.Created(w, map[string]any{
		"interaction": interaction,
		"spot":        newSpotResponse(spot, userID, h.now()),
	})
}

// Replies lists a spot's replies oldest first
func (h *SpotHandler) Replies(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	spotID, err := pathUUID(r, "id")
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	replies, err := h.spotService.Replies(r.Context(), spotID, userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	response.OK(w, replies)
}

// Statistics returns interaction counts
func (h *SpotHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	spotID, err := pathUUID(r, "id")
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	stats, err := h.spotService.Statistics(r.Context(), spotID, userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	response.OK(w, stats)
}
