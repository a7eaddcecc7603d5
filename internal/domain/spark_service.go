package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultSparkListLimit = 20
	MaxSparkListLimit     = 100
)

type SparkService struct {
	repo   SparkRepository
	events EventPublisher
	logger *zap.Logger
	now    Clock
	retry  RetryPolicy
}

func NewSparkService(repo SparkRepository, events EventPublisher, logger *zap.Logger) *SparkService {
	if events == nil {
		events = NopPublisher{}
	}
	return &SparkService{
		repo:   repo,
		events: events,
		logger: logger,
		now:    time.Now,
		retry:  DefaultRetryPolicy(),
	}
}

func (s *SparkService) WithClock(c Clock) *SparkService {
	s.now = c
	return s
}

// GetSpark returns a spark to one of its participants.
func (s *SparkService) GetSpark(ctx context.Context, id, userID uuid.UUID) (*Spark, error) {
	spark, err := s.repo.GetSpark(ctx, id)
	if err != nil {
		return nil, err
	}
	if !spark.HasUser(userID) {
		return nil, ErrNotParticipant
	}
	if spark.Refresh(s.now()) {
		s.persistLazyFlip(ctx, spark)
	}
	return spark, nil
}

// ListSparks returns userID's sparks newest first, optionally filtered by status.
func (s *SparkService) ListSparks(ctx context.Context, userID uuid.UUID, status *SparkStatus, limit, offset int) ([]*Spark, error) {
	if limit <= 0 {
		limit = DefaultSparkListLimit
	}
	if limit > MaxSparkListLimit {
		limit = MaxSparkListLimit
	}
	if offset < 0 {
		offset = 0
	}
	now := s.now()
	sparks, err := s.repo.ListSparksForUser(ctx, SparkListQuery{
		UserID: userID,
		Status: status,
		Now:    now,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, err
	}
	for _, sp := range sparks {
		sp.Refresh(now)
		sp.PullEvents()
	}
	return sparks, nil
}

// Accept records userID's consent.
func (s *SparkService) Accept(ctx context.Context, sparkID, userID uuid.UUID) (*Spark, error) {
	spark, err := s.mutate(ctx, sparkID, func(sp *Spark, now time.Time) error {
		return sp.Accept(userID, now)
	})
	if err != nil {
		return nil, err
	}
	if st := spark.Status(); st == SparkStatusMatched || st == SparkStatusAccepted {
		s.logger.Info("spark resolved",
			zap.String("spark_id", sparkID.String()),
			zap.String("status", string(st)),
		)
	}
	return spark, nil
}

// Reject declines the spark on behalf of userID.
func (s *SparkService) Reject(ctx context.Context, sparkID, userID uuid.UUID) (*Spark, error) {
	return s.mutate(ctx, sparkID, func(sp *Spark, now time.Time) error {
		return sp.Reject(userID, now)
	})
}

// Sweep flips every overdue pending spark to expired.
func (s *SparkService) Sweep(ctx context.Context) (int64, error) {
	return s.repo.ExpireSparks(ctx, s.now())
}

func (s *SparkService) mutate(ctx context.Context, id uuid.UUID, fn func(*Spark, time.Time) error) (*Spark, error) {
	var result *Spark
	err := s.retry.retryOnConflict(ctx, func() error {
		spark, err := s.repo.GetSpark(ctx, id)
		if err != nil {
			return err
		}
		before := spark.Status()
		if err := fn(spark, s.now()); err != nil {
			if spark.Status() != before {
				s.persistLazyFlip(ctx, spark)
			}
			return err
		}
		if err := s.repo.SaveSpark(ctx, spark); err != nil {
			return err
		}
		result = spark
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, result.PullEvents()...)
	return result, nil
}

func (s *SparkService) persistLazyFlip(ctx context.Context, spark *Spark) {
	if err := s.repo.SaveSpark(ctx, spark); err != nil {
		if !errors.Is(err, ErrConcurrentModification) {
			s.logger.Warn("failed to persist spark expiry", zap.String("spark_id", spark.ID().String()), zap.Error(err))
		}
		spark.PullEvents()
		return
	}
	s.events.Publish(ctx, spark.PullEvents()...)
}
