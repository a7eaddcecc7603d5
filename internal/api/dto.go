package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/signalspot/backend/internal/domain"
)

type spotResponse struct {
	ID             uuid.UUID             `json:"id"`
	CreatorID      uuid.UUID             `json:"creator_id"`
	Title          string                `json:"title"`
	Description    string                `json:"description"`
	Latitude       float64               `json:"latitude"`
	Longitude      float64               `json:"longitude"`
	RadiusMeters   int                   `json:"radius_meters"`
	RadiusKm       float64               `json:"radius_km"`
	Category       domain.SpotCategory   `json:"category"`
	Visibility     domain.SpotVisibility `json:"visibility"`
	Status         domain.SpotStatus     `json:"status"`
	Statistics     domain.SpotStatistics `json:"statistics"`
	MyReaction     string                `json:"my_reaction,omitempty"`
	DistanceMeters *float64              `json:"distance_meters,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	ExpiresAt      time.Time             `json:"expires_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

func newSpotResponse(s *domain.Spot, viewerID uuid.UUID, now time.Time) spotResponse {
	resp := spotResponse{
		ID:           s.ID(),
		CreatorID:    s.CreatorID(),
		Title:        s.Content().Title,
		Description:  s.Content().Description,
		Latitude:     s.Location().Latitude(),
		Longitude:    s.Location().Longitude(),
		RadiusMeters: s.Radius().Meters(),
		RadiusKm:     s.Radius().Kilometers(),
		Category:     s.Category(),
		Visibility:   s.Visibility(),
		Status:       s.CurrentStatus(now),
		Statistics:   s.Statistics(),
		CreatedAt:    s.CreatedAt(),
		ExpiresAt:    s.ExpiresAt(),
		UpdatedAt:    s.UpdatedAt(),
	}
	if reaction, ok := s.Reaction(viewerID); ok {
		resp.MyReaction = string(reaction)
	}
	return resp
}

type sparkResponse struct {
	ID               uuid.UUID          `json:"id"`
	OtherUserID      uuid.UUID          `json:"other_user_id"`
	Type             domain.MatchType   `json:"type"`
	Status           domain.SparkStatus `json:"status"`
	Latitude         float64            `json:"latitude"`
	Longitude        float64            `json:"longitude"`
	DistanceMeters   float64            `json:"distance_meters"`
	Strength         int                `json:"strength"`
	AcceptedByMe     bool               `json:"accepted_by_me"`
	AcceptedByOther  bool               `json:"accepted_by_other"`
	RemainingSeconds int64              `json:"remaining_seconds"`
	CreatedAt        time.Time          `json:"created_at"`
	ExpiresAt        time.Time          `json:"expires_at"`
	MatchedAt        *time.Time         `json:"matched_at,omitempty"`
}

func newSparkResponse(s *domain.Spark, viewerID uuid.UUID, now time.Time) sparkResponse {
	st := s.State()
	other, _ := s.OtherUser(viewerID)
	return sparkResponse{
		ID:               st.ID,
		OtherUserID:      other,
		Type:             st.Type,
		Status:           s.CurrentStatus(now),
		Latitude:         st.Latitude,
		Longitude:        st.Longitude,
		DistanceMeters:   st.DistanceMeters,
		Strength:         st.Strength,
		AcceptedByMe:     s.HasAccepted(viewerID),
		AcceptedByOther:  s.HasAccepted(other),
		RemainingSeconds: int64(s.RemainingAcceptanceWindow(now).Seconds()),
		CreatedAt:        st.CreatedAt,
		ExpiresAt:        st.ExpiresAt,
		MatchedAt:        st.MatchedAt,
	}
}
