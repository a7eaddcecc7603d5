package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SpotRepository persists spots. SaveSpot is a compare-and-set on the spot's version and
// returns ErrConcurrentModification when another writer got there first.
type SpotRepository interface {
	CreateSpot(ctx context.Context, spot *Spot) error
	GetSpot(ctx context.Context, id uuid.UUID) (*Spot, error)
	SaveSpot(ctx context.Context, spot *Spot) error
	FindSpotsWithinRadius(ctx context.Context, q NearbyQuery) ([]NearbySpot, error)
	CountSpotsByCreatorSince(ctx context.Context, creatorID uuid.UUID, since time.Time) (int, error)
	ExpireSpots(ctx context.Context, now time.Time) (int64, error)
}

// SparkRepository persists sparks. CreateSpark enforces one active spark per unordered pair
// and type, returning ErrDuplicateActiveSpark on conflict.
type SparkRepository interface {
	CreateSpark(ctx context.Context, spark *Spark) error
	GetSpark(ctx context.Context, id uuid.UUID) (*Spark, error)
	SaveSpark(ctx context.Context, spark *Spark) error
	LatestSparkForPair(ctx context.Context, a, b uuid.UUID, t MatchType) (*Spark, error)
	ListSparksForUser(ctx context.Context, q SparkListQuery) ([]*Spark, error)
	ListUnseparatedSparks(ctx context.Context, userID uuid.UUID, since time.Time) ([]*Spark, error)
	MarkSparkSeparated(ctx context.Context, id uuid.UUID, at time.Time) error
	CountSparksForUserSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	ExpireSparks(ctx context.Context, now time.Time) (int64, error)
}

// SparkListQuery selects a user's sparks newest first. Status filters on the status a reader
// would observe at Now, so overdue pending sparks match "expired".
type SparkListQuery struct {
	UserID uuid.UUID
	Status *SparkStatus
	Now    time.Time
	Limit  int
	Offset int
}

// LocationRepository stores each user's latest location.
type LocationRepository interface {
	UpsertUserLocation(ctx context.Context, loc UserLocation) error
	GetUserLocation(ctx context.Context, userID uuid.UUID) (*UserLocation, error)
	FindNearbyUsers(ctx context.Context, q NearbyUsersQuery) ([]NearbyUser, error)
}

// Clock returns the current time. Services take one so tests can pin time.
type Clock func() time.Time
