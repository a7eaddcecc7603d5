package domain

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically persists expiry for spots and sparks nobody has read since they
// lapsed. Reads apply expiry lazily, so the sweep only keeps stored status tidy.
type Sweeper struct {
	spots  *SpotService
	sparks *SparkService
	logger *zap.Logger
}

func NewSweeper(spots *SpotService, sparks *SparkService, logger *zap.Logger) *Sweeper {
	return &Sweeper{spots: spots, sparks: sparks, logger: logger}
}

// SweepOnce runs one pass and returns the number of spots and sparks expired.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, int64, error) {
	spots, err := s.spots.Sweep(ctx)
	if err != nil {
		return 0, 0, err
	}
	sparks, err := s.sparks.Sweep(ctx)
	if err != nil {
		return spots, 0, err
	}
	if spots > 0 || sparks > 0 {
		s.logger.Info("expiry sweep", zap.Int64("spots", spots), zap.Int64("sparks", sparks))
	}
	return spots, sparks, nil
}

// StartSweepWorker runs SweepOnce every interval until ctx is done.
func (s *Sweeper) StartSweepWorker(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, _, err := s.SweepOnce(ctx); err != nil {
					s.logger.Warn("expiry sweep failed", zap.Error(err))
				}
			}
		}
	}()
}
