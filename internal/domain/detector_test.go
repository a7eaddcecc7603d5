package domain_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/signalspot/backend/internal/domain"
	"github.com/signalspot/backend/internal/repository"
)

const (
	cityHallLat = 37.5665
	cityHallLng = 126.9780
)

type sparkFixture struct {
	repo     *repository.MemoryRepository
	clock    *fakeClock
	events   *recordingPublisher
	sparks   *domain.SparkService
	detector *domain.Detector
}

func newSparkFixture(sparkCap int) *sparkFixture {
	repo := repository.NewMemoryRepository()
	clock := newFakeClock()
	events := &recordingPublisher{}
	limits := domain.NewLimitEnforcer(repo, repo, domain.LimitConfig{SparkDailyCap: sparkCap})
	logger := zap.NewNop()
	return &sparkFixture{
		repo:     repo,
		clock:    clock,
		events:   events,
		sparks:   domain.NewSparkService(repo, events, logger).WithClock(clock.Now),
		detector: domain.NewDetector(repo, repo, limits, events, domain.DefaultDetectorConfig(), logger).WithClock(clock.Now),
	}
}

func (f *sparkFixture) report(t *testing.T, user uuid.UUID, lat, lng float64) []*domain.Spark {
	t.Helper()
	sparks, err := f.detector.HandleLocationUpdate(context.Background(), domain.LocationUpdate{
		UserID:    user,
		Latitude:  lat,
		Longitude: lng,
	})
	require.NoError(t, err)
	return sparks
}

// pair reports two users about 11 m apart and returns the spark created for them.
func (f *sparkFixture) pair(t *testing.T, a, b uuid.UUID) *domain.Spark {
	t.Helper()
	assert.Empty(t, f.report(t, a, cityHallLat, cityHallLng))
	sparks := f.report(t, b, cityHallLat+0.0001, cityHallLng)
	require.Len(t, sparks, 1)
	return sparks[0]
}

func TestDetector_CreatesSparkForNearbyUsers(t *testing.T) {
	f := newSparkFixture(20)
	alice, bob := uuid.New(), uuid.New()

	spark := f.pair(t, alice, bob)
	assert.True(t, spark.HasUser(alice))
	assert.True(t, spark.HasUser(bob))
	assert.Equal(t, domain.MatchTypeProximity, spark.Type())
	assert.Equal(t, domain.SparkStatusPending, spark.Status())
	assert.Equal(t, f.clock.Now().Add(domain.DefaultSparkTTL), spark.ExpiresAt())
	assert.Equal(t, 1, f.events.count(domain.EventSparkDetected))

	stored, err := f.repo.GetSpark(context.Background(), spark.ID())
	require.NoError(t, err)
	assert.True(t, stored.Notified())
}

func TestDetector_IgnoresFarAndStaleUsers(t *testing.T) {
	f := newSparkFixture(20)
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()

	f.report(t, alice, cityHallLat, cityHallLng)
	// Roughly 110 m away, outside the proximity band.
	assert.Empty(t, f.report(t, bob, cityHallLat+0.001, cityHallLng))

	// Alice's report is older than the freshness window by now.
	f.clock.Advance(10 * time.Minute)
	assert.Empty(t, f.report(t, carol, cityHallLat, cityHallLng))
}

func TestDetector_NoDuplicateWhileActive(t *testing.T) {
	f := newSparkFixture(20)
	alice, bob := uuid.New(), uuid.New()
	f.pair(t, alice, bob)

	f.clock.Advance(2 * time.Minute)
	assert.Empty(t, f.report(t, alice, cityHallLat, cityHallLng))
	assert.Empty(t, f.report(t, bob, cityHallLat+0.0001, cityHallLng))
	assert.Equal(t, 1, f.events.count(domain.EventSparkDetected))
}

func TestDetector_CooldownRequiresWindowAndSeparation(t *testing.T) {
	f := newSparkFixture(20)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	first := f.pair(t, alice, bob)

	// The first spark lapses unanswered but the pair is still cooling down.
	f.clock.Advance(30 * time.Hour)
	f.report(t, alice, cityHallLat, cityHallLng)
	assert.Empty(t, f.report(t, bob, cityHallLat+0.0001, cityHallLng))

	stored, err := f.repo.GetSpark(ctx, first.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.SparkStatusExpired, stored.Status())
	assert.Nil(t, stored.SeparatedAt())

	// Past the window without ever separating.
	f.clock.Advance(45 * time.Hour)
	f.report(t, alice, cityHallLat, cityHallLng)
	assert.Empty(t, f.report(t, bob, cityHallLat+0.0001, cityHallLng))

	// Bob walks about a kilometre away.
	f.clock.Advance(time.Hour)
	f.report(t, bob, cityHallLat+0.009, cityHallLng)
	stored, err = f.repo.GetSpark(ctx, first.ID())
	require.NoError(t, err)
	require.NotNil(t, stored.SeparatedAt())

	f.clock.Advance(time.Hour)
	f.report(t, alice, cityHallLat, cityHallLng)
	sparks := f.report(t, bob, cityHallLat+0.0001, cityHallLng)
	require.Len(t, sparks, 1)
	assert.NotEqual(t, first.ID(), sparks[0].ID())
}

func TestDetector_OutOfOrderUpdateIgnored(t *testing.T) {
	f := newSparkFixture(20)
	ctx := context.Background()
	alice := uuid.New()
	f.report(t, alice, cityHallLat, cityHallLng)

	sparks, err := f.detector.HandleLocationUpdate(ctx, domain.LocationUpdate{
		UserID:     alice,
		Latitude:   cityHallLat + 0.01,
		Longitude:  cityHallLng,
		RecordedAt: f.clock.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.Empty(t, sparks)

	loc, err := f.repo.GetUserLocation(ctx, alice)
	require.NoError(t, err)
	assert.InDelta(t, cityHallLat, loc.Location.Latitude(), 1e-9)
}

func TestDetector_StaleSelfReportStoredButNotMatched(t *testing.T) {
	f := newSparkFixture(20)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	f.report(t, alice, cityHallLat, cityHallLng)

	hourAgo := f.clock.Now().Add(-time.Hour)
	sparks, err := f.detector.HandleLocationUpdate(ctx, domain.LocationUpdate{
		UserID:     bob,
		Latitude:   cityHallLat + 0.0001,
		Longitude:  cityHallLng,
		RecordedAt: hourAgo,
	})
	require.NoError(t, err)
	assert.Empty(t, sparks)
	assert.Zero(t, f.events.count(domain.EventSparkDetected))

	loc, err := f.repo.GetUserLocation(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, hourAgo, loc.RecordedAt)

	// A fresh report from the same spot pairs as usual.
	assert.Len(t, f.report(t, bob, cityHallLat+0.0001, cityHallLng), 1)
}

func TestDetector_FutureTimestampClampedToNow(t *testing.T) {
	f := newSparkFixture(20)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	_, err := f.detector.HandleLocationUpdate(ctx, domain.LocationUpdate{
		UserID:     bob,
		Latitude:   cityHallLat + 0.01,
		Longitude:  cityHallLng,
		RecordedAt: f.clock.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	loc, err := f.repo.GetUserLocation(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), loc.RecordedAt)

	// A genuine update a minute later is not shadowed by the bogus timestamp.
	f.clock.Advance(time.Minute)
	f.report(t, alice, cityHallLat, cityHallLng)
	assert.Len(t, f.report(t, bob, cityHallLat+0.0001, cityHallLng), 1)
}

func TestDetector_RejectsInvalidCoordinates(t *testing.T) {
	f := newSparkFixture(20)
	_, err := f.detector.HandleLocationUpdate(context.Background(), domain.LocationUpdate{
		UserID:   uuid.New(),
		Latitude: 91,
	})
	assert.Error(t, err)
}

func TestDetector_DailyCap(t *testing.T) {
	f := newSparkFixture(1)
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	f.pair(t, alice, bob)

	// Both candidates already used their spark for the day.
	assert.Empty(t, f.report(t, carol, cityHallLat+0.00005, cityHallLng))
	assert.Equal(t, 1, f.events.count(domain.EventSparkDetected))
}

func TestDetector_HandleBatch(t *testing.T) {
	f := newSparkFixture(20)
	ctx := context.Background()
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	updates := make([]domain.LocationUpdate, 0, len(users))
	for i, u := range users {
		updates = append(updates, domain.LocationUpdate{
			UserID:    u,
			Latitude:  cityHallLat + float64(i)*0.00005,
			Longitude: cityHallLng,
		})
	}
	require.NoError(t, f.detector.HandleBatch(ctx, updates))

	for _, u := range users {
		_, err := f.repo.GetUserLocation(ctx, u)
		assert.NoError(t, err)
	}

	// Every pair sparks at most once regardless of processing order.
	detected := f.events.count(domain.EventSparkDetected)
	assert.LessOrEqual(t, detected, 3)
	for _, u := range users {
		sparks, err := f.sparks.ListSparks(ctx, u, nil, 0, 0)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(sparks), 2)
	}

	bad := []domain.LocationUpdate{{UserID: uuid.New(), Latitude: 200}}
	assert.Error(t, f.detector.HandleBatch(ctx, bad))
}

func TestSparkService_MutualAccept(t *testing.T) {
	f := newSparkFixture(20)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	spark := f.pair(t, alice, bob)

	_, err := f.sparks.Accept(ctx, spark.ID(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotParticipant)

	got, err := f.sparks.Accept(ctx, spark.ID(), alice)
	require.NoError(t, err)
	assert.Equal(t, domain.SparkStatusPending, got.Status())
	assert.True(t, got.HasAccepted(alice))

	got, err = f.sparks.Accept(ctx, spark.ID(), bob)
	require.NoError(t, err)
	assert.Equal(t, domain.SparkStatusMatched, got.Status())

	assert.Equal(t, 2, f.events.count(domain.EventSparkAccepted))
	assert.Equal(t, 1, f.events.count(domain.EventSparkMatched))

	_, err = f.sparks.Reject(ctx, spark.ID(), alice)
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
}

func TestSparkService_Reject(t *testing.T) {
	f := newSparkFixture(20)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	spark := f.pair(t, alice, bob)

	got, err := f.sparks.Reject(ctx, spark.ID(), bob)
	require.NoError(t, err)
	assert.Equal(t, domain.SparkStatusDeclined, got.Status())
	assert.Equal(t, 1, f.events.count(domain.EventSparkDeclined))

	_, err = f.sparks.Accept(ctx, spark.ID(), alice)
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
}

func TestSparkService_LazyExpiry(t *testing.T) {
	f := newSparkFixture(20)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	spark := f.pair(t, alice, bob)

	f.clock.Advance(25 * time.Hour)

	_, err := f.sparks.Accept(ctx, spark.ID(), alice)
	assert.ErrorIs(t, err, domain.ErrSparkExpired)

	stored, err := f.repo.GetSpark(ctx, spark.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.SparkStatusExpired, stored.Status())
	assert.Equal(t, 1, f.events.count(domain.EventSparkExpired))

	got, err := f.sparks.GetSpark(ctx, spark.ID(), bob)
	require.NoError(t, err)
	assert.Equal(t, domain.SparkStatusExpired, got.Status())
	assert.Equal(t, 1, f.events.count(domain.EventSparkExpired))

	_, err = f.sparks.GetSpark(ctx, spark.ID(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

func TestSparkService_ListUsesEffectiveStatus(t *testing.T) {
	f := newSparkFixture(20)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	spark := f.pair(t, alice, bob)

	pending := domain.SparkStatusPending
	expired := domain.SparkStatusExpired

	list, err := f.sparks.ListSparks(ctx, alice, &pending, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, spark.ID(), list[0].ID())

	f.clock.Advance(25 * time.Hour)

	list, err = f.sparks.ListSparks(ctx, alice, &pending, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = f.sparks.ListSparks(ctx, bob, &expired, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.SparkStatusExpired, list[0].Status())
}

func TestSweeper_SweepOnce(t *testing.T) {
	sf := newSparkFixture(20)
	ctx := context.Background()
	sf.pair(t, uuid.New(), uuid.New())

	spots := domain.NewSpotService(sf.repo, nil, nil, zap.NewNop()).WithClock(sf.clock.Now)
	_, err := spots.CreateSpot(ctx, domain.CreateSpotParams{
		CreatorID: uuid.New(), Title: "Lunch run", Description: "Dumplings near the plaza",
		Latitude: cityHallLat, Longitude: cityHallLng,
		RadiusMeters: 50, Category: "food", DurationHours: 2,
	})
	require.NoError(t, err)

	sweeper := domain.NewSweeper(spots, sf.sparks, zap.NewNop())

	nSpots, nSparks, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, nSpots)
	assert.Zero(t, nSparks)

	sf.clock.Advance(25 * time.Hour)
	nSpots, nSparks, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), nSpots)
	assert.Equal(t, int64(1), nSparks)
}
