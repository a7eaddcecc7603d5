package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultSpotDailyCap  = 3
	DefaultSparkDailyCap = 20
)

type SpotCounter interface {
	CountSpotsByCreatorSince(ctx context.Context, creatorID uuid.UUID, since time.Time) (int, error)
}

type SparkCounter interface {
	CountSparksForUserSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
}

// LimitConfig configures daily caps. A cap of zero or less disables the check.
type LimitConfig struct {
	SpotDailyCap  int
	SparkDailyCap int
	Location      *time.Location
}

// LimitEnforcer guards spot creation and spark generation frequency. It holds no state of its
// own; every check reads counts from the store.
type LimitEnforcer struct {
	spots  SpotCounter
	sparks SparkCounter
	cfg    LimitConfig
}

func NewLimitEnforcer(spots SpotCounter, sparks SparkCounter, cfg LimitConfig) *LimitEnforcer {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &LimitEnforcer{spots: spots, sparks: sparks, cfg: cfg}
}

// StartOfDay returns local midnight of now's day in loc.
func StartOfDay(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// CheckSpotCreation fails with ErrDailyLimitExceeded once the creator reached the cap today.
func (e *LimitEnforcer) CheckSpotCreation(ctx context.Context, creatorID uuid.UUID, now time.Time) error {
	if e.cfg.SpotDailyCap <= 0 || e.spots == nil {
		return nil
	}
	count, err := e.spots.CountSpotsByCreatorSince(ctx, creatorID, StartOfDay(now, e.cfg.Location))
	if err != nil {
		return fmt.Errorf("count spots: %w", err)
	}
	if count >= e.cfg.SpotDailyCap {
		return fmt.Errorf("%w: %d spots per day", ErrDailyLimitExceeded, e.cfg.SpotDailyCap)
	}
	return nil
}

// CheckSparkGeneration fails with ErrDailyLimitExceeded once userID has been part of the
// daily cap of sparks.
func (e *LimitEnforcer) CheckSparkGeneration(ctx context.Context, userID uuid.UUID, now time.Time) error {
	if e.cfg.SparkDailyCap <= 0 || e.sparks == nil {
		return nil
	}
	count, err := e.sparks.CountSparksForUserSince(ctx, userID, StartOfDay(now, e.cfg.Location))
	if err != nil {
		return fmt.Errorf("count sparks: %w", err)
	}
	if count >= e.cfg.SparkDailyCap {
		return fmt.Errorf("%w: %d sparks per day", ErrDailyLimitExceeded, e.cfg.SparkDailyCap)
	}
	return nil
}
