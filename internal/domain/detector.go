package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/signalspot/backend/internal/geo"
)

// LocationUpdate is one position report from a client device.
type LocationUpdate struct {
	UserID         uuid.UUID `json:"user_id"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
	// SharedSignals is the number of interests the client reports in common with nearby
	// users. It only feeds the strength score.
	SharedSignals int `json:"shared_signals,omitempty"`
}

type DetectorConfig struct {
	Type     MatchType
	Bands    ProximityBands
	Cooldown CooldownRule
	SparkTTL time.Duration
	// FreshWindow is how recent a candidate's last location must be.
	FreshWindow time.Duration
	// StationaryMeters is the movement below which a user counts as staying put.
	StationaryMeters float64
	// SeparationMeters is the distance at which a pair counts as having separated.
	SeparationMeters float64
	// SeparationLookback bounds how far back sparks are checked for separation.
	SeparationLookback time.Duration
	MaxCandidates      int
	Concurrency        int
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Type:               MatchTypeProximity,
		Bands:              DefaultProximityBands(0),
		Cooldown:           CooldownRule{Window: 72 * time.Hour, RequireSeparation: true},
		SparkTTL:           DefaultSparkTTL,
		FreshWindow:        5 * time.Minute,
		StationaryMeters:   25,
		SeparationMeters:   200,
		SeparationLookback: 7 * 24 * time.Hour,
		MaxCandidates:      50,
		Concurrency:        8,
	}
}

// Detector turns location updates into sparks.
type Detector struct {
	locations LocationRepository
	sparks    SparkRepository
	limits    *LimitEnforcer
	events    EventPublisher
	cfg       DetectorConfig
	logger    *zap.Logger
	now       Clock
}

func NewDetector(locations LocationRepository, sparks SparkRepository, limits *LimitEnforcer, events EventPublisher, cfg DetectorConfig, logger *zap.Logger) *Detector {
	def := DefaultDetectorConfig()
	if cfg.Type == "" {
		cfg.Type = def.Type
	}
	if cfg.Bands == nil {
		cfg.Bands = def.Bands
	}
	if cfg.SparkTTL <= 0 {
		cfg.SparkTTL = def.SparkTTL
	}
	if cfg.FreshWindow <= 0 {
		cfg.FreshWindow = def.FreshWindow
	}
	if cfg.StationaryMeters <= 0 {
		cfg.StationaryMeters = def.StationaryMeters
	}
	if cfg.SeparationMeters <= 0 {
		cfg.SeparationMeters = def.SeparationMeters
	}
	if cfg.SeparationLookback <= 0 {
		cfg.SeparationLookback = def.SeparationLookback
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if events == nil {
		events = NopPublisher{}
	}
	return &Detector{
		locations: locations,
		sparks:    sparks,
		limits:    limits,
		events:    events,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (d *Detector) WithClock(c Clock) *Detector {
	d.now = c
	return d
}

// HandleLocationUpdate records the user's position and creates sparks with every eligible
// nearby user. Sparks the cooldown or uniqueness rules refuse are skipped silently.
func (d *Detector) HandleLocationUpdate(ctx context.Context, u LocationUpdate) ([]*Spark, error) {
	coords, err := geo.NewCoordinates(u.Latitude, u.Longitude)
	if err != nil {
		return nil, err
	}
	now := d.now()
	// Client clocks run ahead; a future timestamp would shadow every later update.
	if u.RecordedAt.IsZero() || u.RecordedAt.After(now) {
		u.RecordedAt = now
	}

	self, outOfOrder, err := d.recordLocation(ctx, u, coords)
	if err != nil {
		return nil, err
	}
	if outOfOrder {
		d.logger.Debug("ignoring out-of-order location update", zap.String("user_id", u.UserID.String()))
		return nil, nil
	}
	// Late reports still move the stored position but never pair.
	if now.Sub(u.RecordedAt) > d.cfg.FreshWindow {
		d.logger.Debug("location update too old for matching",
			zap.String("user_id", u.UserID.String()),
			zap.Duration("age", now.Sub(u.RecordedAt)),
		)
		return nil, nil
	}

	if err := d.markSeparations(ctx, self, now); err != nil {
		d.logger.Warn("separation check failed", zap.String("user_id", u.UserID.String()), zap.Error(err))
	}

	if ok, err := d.underCap(ctx, u.UserID, now); err != nil || !ok {
		return nil, err
	}

	band, err := d.cfg.Bands.For(d.cfg.Type)
	if err != nil {
		return nil, err
	}
	candidates, err := d.locations.FindNearbyUsers(ctx, NearbyUsersQuery{
		Center:        coords,
		RadiusMeters:  band.MaxMeters,
		FreshSince:    now.Add(-d.cfg.FreshWindow),
		ExcludeUserID: u.UserID,
		Limit:         d.cfg.MaxCandidates,
	})
	if err != nil {
		return nil, err
	}

	var (
		created []*Spark
		errs    []error
	)
	for _, c := range candidates {
		spark, err := d.tryPair(ctx, self, c.Location, u.SharedSignals, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if spark == nil {
			continue
		}
		created = append(created, spark)
		if ok, err := d.underCap(ctx, u.UserID, now); err != nil || !ok {
			errs = append(errs, err)
			break
		}
	}
	return created, errors.Join(errs...)
}

// HandleBatch processes updates concurrently. It returns the first failure after every update
// has been attempted.
func (d *Detector) HandleBatch(ctx context.Context, updates []LocationUpdate) error {
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, u := range updates {
		u := u
		g.Go(func() error {
			if _, err := d.HandleLocationUpdate(ctx, u); err != nil {
				d.logger.Error("location update failed", zap.String("user_id", u.UserID.String()), zap.Error(err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (d *Detector) recordLocation(ctx context.Context, u LocationUpdate, coords geo.Coordinates) (UserLocation, bool, error) {
	loc := UserLocation{
		UserID:          u.UserID,
		Location:        coords,
		AccuracyMeters:  u.AccuracyMeters,
		RecordedAt:      u.RecordedAt,
		StationarySince: u.RecordedAt,
	}
	prev, err := d.locations.GetUserLocation(ctx, u.UserID)
	switch {
	case errors.Is(err, ErrLocationNotFound):
	case err != nil:
		return UserLocation{}, false, err
	default:
		if u.RecordedAt.Before(prev.RecordedAt) {
			return *prev, true, nil
		}
		if prev.Location.Within(coords, d.cfg.StationaryMeters) {
			loc.StationarySince = prev.StationarySince
		}
	}
	if err := d.locations.UpsertUserLocation(ctx, loc); err != nil {
		return UserLocation{}, false, err
	}
	return loc, false, nil
}

// markSeparations stamps separated_at on the user's sparks whose partner is now far away.
func (d *Detector) markSeparations(ctx context.Context, self UserLocation, now time.Time) error {
	sparks, err := d.sparks.ListUnseparatedSparks(ctx, self.UserID, now.Add(-d.cfg.SeparationLookback))
	if err != nil {
		return err
	}
	for _, sp := range sparks {
		other, _ := sp.OtherUser(self.UserID)
		otherLoc, err := d.locations.GetUserLocation(ctx, other)
		if errors.Is(err, ErrLocationNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if self.Location.DistanceTo(otherLoc.Location) <= d.cfg.SeparationMeters {
			continue
		}
		if err := d.sparks.MarkSparkSeparated(ctx, sp.ID(), now); err != nil {
			return err
		}
		d.logger.Debug("pair separated", zap.String("spark_id", sp.ID().String()))
	}
	return nil
}

func (d *Detector) underCap(ctx context.Context, userID uuid.UUID, now time.Time) (bool, error) {
	if d.limits == nil {
		return true, nil
	}
	err := d.limits.CheckSparkGeneration(ctx, userID, now)
	if errors.Is(err, ErrDailyLimitExceeded) {
		d.logger.Debug("spark cap reached", zap.String("user_id", userID.String()))
		return false, nil
	}
	return err == nil, err
}

// tryPair returns the new spark, or nil when the pair is not eligible.
func (d *Detector) tryPair(ctx context.Context, self, other UserLocation, sharedSignals int, now time.Time) (*Spark, error) {
	if ok, err := d.underCap(ctx, other.UserID, now); err != nil || !ok {
		return nil, err
	}

	prior, err := d.sparks.LatestSparkForPair(ctx, self.UserID, other.UserID, d.cfg.Type)
	switch {
	case errors.Is(err, ErrSparkNotFound):
		prior = nil
	case err != nil:
		return nil, err
	default:
		if prior.Refresh(now) {
			if err := d.sparks.SaveSpark(ctx, prior); err == nil {
				d.events.Publish(ctx, prior.PullEvents()...)
			}
		}
	}

	spark, err := DetectSpark(DetectParams{
		User1:         self.UserID,
		User2:         other.UserID,
		Location1:     self.Location,
		Location2:     other.Location,
		Type:          d.cfg.Type,
		DwellTime:     sharedDwell(self, other, now),
		SharedSignals: sharedSignals,
		Prior:         prior,
		Bands:         d.cfg.Bands,
		Cooldown:      d.cfg.Cooldown,
		TTL:           d.cfg.SparkTTL,
		Now:           now,
	})
	if err != nil {
		if isBenignDetection(err) || errors.Is(err, ErrTooClose) || errors.Is(err, ErrTooFar) {
			return nil, nil
		}
		return nil, err
	}

	if err := d.sparks.CreateSpark(ctx, spark); err != nil {
		if errors.Is(err, ErrDuplicateActiveSpark) {
			d.logger.Debug("lost spark race", zap.String("user_id", self.UserID.String()), zap.String("other_id", other.UserID.String()))
			return nil, nil
		}
		return nil, err
	}

	d.events.Publish(ctx, spark.PullEvents()...)
	spark.MarkNotified()
	if err := d.sparks.SaveSpark(ctx, spark); err != nil {
		d.logger.Warn("failed to flag spark notified", zap.String("spark_id", spark.ID().String()), zap.Error(err))
	}

	d.logger.Info("spark detected",
		zap.String("spark_id", spark.ID().String()),
		zap.String("type", string(spark.Type())),
		zap.Int("strength", spark.Strength()),
	)
	return spark, nil
}

// sharedDwell is how long both users have been stationary at the same time.
func sharedDwell(a, b UserLocation, now time.Time) time.Duration {
	since := a.StationarySince
	if b.StationarySince.After(since) {
		since = b.StationarySince
	}
	if d := now.Sub(since); d > 0 {
		return d
	}
	return 0
}
