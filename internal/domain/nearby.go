package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signalspot/backend/internal/geo"
)

const (
	DefaultNearbyLimit = 20
	MaxNearbyLimit     = 100
	// MaxNearbyRadiusMeters bounds a single query so the index scan stays small.
	MaxNearbyRadiusMeters = 50000
)

type NearbyOrder string

const (
	OrderByRecency  NearbyOrder = "recency"
	OrderByDistance NearbyOrder = "distance"
)

// ParseNearbyOrder validates an ordering key. Empty means recency.
func ParseNearbyOrder(s string) (NearbyOrder, error) {
	switch o := NearbyOrder(s); o {
	case "":
		return OrderByRecency, nil
	case OrderByRecency, OrderByDistance:
		return o, nil
	default:
		return "", fmt.Errorf("%w: unknown order %q", ErrInvalidQuery, s)
	}
}

// NearbyFilters narrows a spot query. Nil pointers mean no filter.
type NearbyFilters struct {
	Category       *SpotCategory
	Status         *SpotStatus
	ExcludeExpired bool
	// ViewerID limits results to public spots plus the viewer's own. Nil disables the check.
	ViewerID *uuid.UUID
}

type Pagination struct {
	Limit  int
	Offset int
}

// NearbyQuery is the geospatial range query over spots. Containment is geodesic: a spot
// matches when the distance from Center to its location is at most RadiusMeters. The spot's
// own geofence radius plays no part.
type NearbyQuery struct {
	Center       geo.Coordinates
	RadiusMeters float64
	Filters      NearbyFilters
	Page         Pagination
	OrderBy      NearbyOrder
	// Now is the reference time for ExcludeExpired.
	Now time.Time
}

// Normalize fills defaults and validates bounds.
func (q *NearbyQuery) Normalize() error {
	if q.RadiusMeters <= 0 || q.RadiusMeters > MaxNearbyRadiusMeters {
		return fmt.Errorf("%w: radius must be in (0, %d] meters", ErrInvalidQuery, MaxNearbyRadiusMeters)
	}
	if q.Page.Limit <= 0 {
		q.Page.Limit = DefaultNearbyLimit
	}
	if q.Page.Limit > MaxNearbyLimit {
		q.Page.Limit = MaxNearbyLimit
	}
	if q.Page.Offset < 0 {
		q.Page.Offset = 0
	}
	if q.OrderBy == "" {
		q.OrderBy = OrderByRecency
	}
	if q.Now.IsZero() {
		q.Now = time.Now()
	}
	return nil
}

// NearbySpot pairs a spot with its distance from the query center.
type NearbySpot struct {
	Spot           *Spot
	DistanceMeters float64
}

// UserLocation is a user's most recent reported position.
type UserLocation struct {
	UserID          uuid.UUID       `json:"user_id"`
	Location        geo.Coordinates `json:"-"`
	AccuracyMeters  float64         `json:"accuracy_meters,omitempty"`
	RecordedAt      time.Time       `json:"recorded_at"`
	StationarySince time.Time       `json:"stationary_since"`
}

// NearbyUsersQuery finds users whose latest location is fresh and within RadiusMeters.
type NearbyUsersQuery struct {
	Center        geo.Coordinates
	RadiusMeters  float64
	FreshSince    time.Time
	ExcludeUserID uuid.UUID
	Limit         int
}

// NearbyUser pairs a user's location with its distance from the query center.
type NearbyUser struct {
	Location       UserLocation
	DistanceMeters float64
}
