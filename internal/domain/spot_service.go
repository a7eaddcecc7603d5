package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalspot/backend/internal/geo"
)

// CreateSpotParams holds raw creation input as it arrives from the transport layer.
type CreateSpotParams struct {
	CreatorID     uuid.UUID
	Title         string
	Description   string
	Latitude      float64
	Longitude     float64
	RadiusMeters  int
	Category      string
	Visibility    string
	DurationHours int
}

type SpotService struct {
	repo   SpotRepository
	limits *LimitEnforcer
	events EventPublisher
	logger *zap.Logger
	now    Clock
	retry  RetryPolicy
}

func NewSpotService(repo SpotRepository, limits *LimitEnforcer, events EventPublisher, logger *zap.Logger) *SpotService {
	if events == nil {
		events = NopPublisher{}
	}
	return &SpotService{
		repo:   repo,
		limits: limits,
		events: events,
		logger: logger,
		now:    time.Now,
		retry:  DefaultRetryPolicy(),
	}
}

// WithClock replaces the service clock.
func (s *SpotService) WithClock(c Clock) *SpotService {
	s.now = c
	return s
}

// CreateSpot validates input, enforces the daily cap and stores a new spot.
func (s *SpotService) CreateSpot(ctx context.Context, p CreateSpotParams) (*Spot, error) {
	content, err := NewSpotContent(p.Title, p.Description)
	if err != nil {
		return nil, err
	}
	loc, err := geo.NewCoordinates(p.Latitude, p.Longitude)
	if err != nil {
		return nil, err
	}
	radius, err := NewSpotRadius(p.RadiusMeters)
	if err != nil {
		return nil, err
	}
	category, err := ParseSpotCategory(p.Category)
	if err != nil {
		return nil, err
	}
	visibility, err := ParseSpotVisibility(p.Visibility)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if s.limits != nil {
		if err := s.limits.CheckSpotCreation(ctx, p.CreatorID, now); err != nil {
			return nil, err
		}
	}

	spot, err := NewSpot(NewSpotParams{
		CreatorID:     p.CreatorID,
		Content:       content,
		Location:      loc,
		Radius:        radius,
		Category:      category,
		Visibility:    visibility,
		DurationHours: p.DurationHours,
	}, now)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateSpot(ctx, spot); err != nil {
		return nil, err
	}

	s.logger.Info("spot created",
		zap.String("spot_id", spot.ID().String()),
		zap.String("creator_id", p.CreatorID.String()),
		zap.String("category", string(category)),
	)
	s.events.Publish(ctx, spot.PullEvents()...)
	return spot, nil
}

// GetSpot loads a spot as viewerID sees it. Hidden spots read as not found.
func (s *SpotService) GetSpot(ctx context.Context, id, viewerID uuid.UUID) (*Spot, error) {
	spot, err := s.repo.GetSpot(ctx, id)
	if err != nil {
		return nil, err
	}
	if spot.Refresh(s.now()) {
		s.persistLazyFlip(ctx, spot)
	}
	if !spot.VisibleTo(viewerID) {
		return nil, ErrSpotNotFound
	}
	return spot, nil
}

// AddInteraction records an interaction by userID on a visible spot.
func (s *SpotService) AddInteraction(ctx context.Context, spotID, userID uuid.UUID, kind InteractionType, text string) (*Spot, Interaction, error) {
	var recorded Interaction
	spot, err := s.mutate(ctx, spotID, func(spot *Spot, now time.Time) error {
		if !spot.VisibleTo(userID) {
			return ErrSpotNotFound
		}
		in, err := spot.AddInteraction(userID, kind, text, now)
		if err != nil {
			return err
		}
		recorded = in
		return nil
	})
	if err != nil {
		return nil, Interaction{}, err
	}
	if spot.Status() == SpotStatusRemoved {
		s.logger.Warn("spot auto-removed after reports", zap.String("spot_id", spotID.String()))
	}
	return spot, recorded, nil
}

func (s *SpotService) UpdateContent(ctx context.Context, spotID, callerID uuid.UUID, title, description string) (*Spot, error) {
	content, err := NewSpotContent(title, description)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, spotID, func(spot *Spot, now time.Time) error {
		return spot.UpdateContent(callerID, content, now)
	})
}

func (s *SpotService) Pause(ctx context.Context, spotID, callerID uuid.UUID) (*Spot, error) {
	return s.mutate(ctx, spotID, func(spot *Spot, now time.Time) error {
		return spot.Pause(callerID, now)
	})
}

func (s *SpotService) Resume(ctx context.Context, spotID, callerID uuid.UUID) (*Spot, error) {
	return s.mutate(ctx, spotID, func(spot *Spot, now time.Time) error {
		return spot.Resume(callerID, now)
	})
}

func (s *SpotService) Extend(ctx context.Context, spotID, callerID uuid.UUID, hours int) (*Spot, error) {
	return s.mutate(ctx, spotID, func(spot *Spot, now time.Time) error {
		return spot.Extend(callerID, hours, now)
	})
}

func (s *SpotService) ChangeVisibility(ctx context.Context, spotID, callerID uuid.UUID, visibility string) (*Spot, error) {
	v, err := ParseSpotVisibility(visibility)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, spotID, func(spot *Spot, now time.Time) error {
		return spot.ChangeVisibility(callerID, v, now)
	})
}

func (s *SpotService) Remove(ctx context.Context, spotID, callerID uuid.UUID) (*Spot, error) {
	return s.mutate(ctx, spotID, func(spot *Spot, now time.Time) error {
		return spot.Remove(callerID, now)
	})
}

// ModerateRemove is the moderation collaborator's entry point. The caller has already
// checked privileges.
func (s *SpotService) ModerateRemove(ctx context.Context, spotID uuid.UUID, reason string) (*Spot, error) {
	spot, err := s.mutate(ctx, spotID, func(spot *Spot, now time.Time) error {
		return spot.RemoveByModeration(reason, now)
	})
	if err == nil {
		s.logger.Info("spot removed by moderation", zap.String("spot_id", spotID.String()), zap.String("reason", reason))
	}
	return spot, err
}

// NearbySpots runs the nearby query. Returned spots have lazy expiry applied in memory so
// their status reflects the query time.
func (s *SpotService) NearbySpots(ctx context.Context, q NearbyQuery) ([]NearbySpot, error) {
	if q.Now.IsZero() {
		q.Now = s.now()
	}
	if err := q.Normalize(); err != nil {
		return nil, err
	}
	results, err := s.repo.FindSpotsWithinRadius(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		r.Spot.Refresh(q.Now)
		r.Spot.PullEvents()
	}
	return results, nil
}

// Replies returns a visible spot's replies oldest first.
func (s *SpotService) Replies(ctx context.Context, spotID, viewerID uuid.UUID) ([]Interaction, error) {
	spot, err := s.GetSpot(ctx, spotID, viewerID)
	if err != nil {
		return nil, err
	}
	return spot.Replies(), nil
}

// Statistics returns interaction counts for a visible spot.
func (s *SpotService) Statistics(ctx context.Context, spotID, viewerID uuid.UUID) (SpotStatistics, error) {
	spot, err := s.GetSpot(ctx, spotID, viewerID)
	if err != nil {
		return SpotStatistics{}, err
	}
	return spot.Statistics(), nil
}

// Sweep flips every overdue spot to expired.
func (s *SpotService) Sweep(ctx context.Context) (int64, error) {
	return s.repo.ExpireSpots(ctx, s.now())
}

// mutate loads the spot, applies fn and saves with compare-and-set, re-reading on conflict.
// A lazy expiry flip observed on a failed operation is still persisted.
func (s *SpotService) mutate(ctx context.Context, id uuid.UUID, fn func(*Spot, time.Time) error) (*Spot, error) {
	var result *Spot
	err := s.retry.retryOnConflict(ctx, func() error {
		spot, err := s.repo.GetSpot(ctx, id)
		if err != nil {
			return err
		}
		before := spot.Status()
		if err := fn(spot, s.now()); err != nil {
			if spot.Status() != before {
				s.persistLazyFlip(ctx, spot)
			}
			return err
		}
		if err := s.repo.SaveSpot(ctx, spot); err != nil {
			return err
		}
		result = spot
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, result.PullEvents()...)
	return result, nil
}

func (s *SpotService) persistLazyFlip(ctx context.Context, spot *Spot) {
	if err := s.repo.SaveSpot(ctx, spot); err != nil {
		if !errors.Is(err, ErrConcurrentModification) {
			s.logger.Warn("failed to persist spot expiry", zap.String("spot_id", spot.ID().String()), zap.Error(err))
		}
		spot.PullEvents()
		return
	}
	s.events.Publish(ctx, spot.PullEvents()...)
}
