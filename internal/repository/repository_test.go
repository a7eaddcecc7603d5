package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalspot/backend/internal/domain"
	"github.com/signalspot/backend/internal/geo"
)

// store is what both repository implementations provide.
type store interface {
	domain.SpotRepository
	domain.SparkRepository
	domain.LocationRepository
	RegisterDeviceToken(ctx context.Context, userID uuid.UUID, token string) error
	DeviceTokens(ctx context.Context, userID uuid.UUID) ([]string, error)
	RemoveDeviceToken(ctx context.Context, userID uuid.UUID, token string) error
}

var (
	t0       = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	cityHall = mustCoords(37.5665, 126.9780)
)

func mustCoords(lat, lng float64) geo.Coordinates {
	c, err := geo.NewCoordinates(lat, lng)
	if err != nil {
		panic(err)
	}
	return c
}

func newSpot(t *testing.T, creator uuid.UUID, at geo.Coordinates, hours int, now time.Time) *domain.Spot {
	t.Helper()
	content, err := domain.NewSpotContent("Street food market", "Stalls open until late")
	require.NoError(t, err)
	radius, err := domain.NewSpotRadius(100)
	require.NoError(t, err)
	spot, err := domain.NewSpot(domain.NewSpotParams{
		CreatorID:     creator,
		Content:       content,
		Location:      at,
		Radius:        radius,
		Category:      domain.CategoryFood,
		Visibility:    domain.VisibilityPublic,
		DurationHours: hours,
	}, now)
	require.NoError(t, err)
	return spot
}

func newSpark(t *testing.T, a, b uuid.UUID, now time.Time) *domain.Spark {
	t.Helper()
	spark, err := domain.DetectSpark(domain.DetectParams{
		User1:     a,
		User2:     b,
		Location1: cityHall,
		Location2: cityHall,
		Type:      domain.MatchTypeProximity,
		Bands:     domain.DefaultProximityBands(0),
		TTL:       domain.DefaultSparkTTL,
		Now:       now,
	})
	require.NoError(t, err)
	return spark
}

// runStoreContract exercises behaviour every store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) store) {
	t.Run("spot round trip and compare-and-set", func(t *testing.T) {
		r := newStore(t)
		ctx := context.Background()
		spot := newSpot(t, uuid.New(), cityHall, 24, t0)
		require.NoError(t, r.CreateSpot(ctx, spot))
		assert.Equal(t, int64(1), spot.Version())

		got, err := r.GetSpot(ctx, spot.ID())
		require.NoError(t, err)
		assert.Equal(t, spot.Content(), got.Content())
		assert.InDelta(t, cityHall.Latitude(), got.Location().Latitude(), 1e-6)
		assert.True(t, spot.ExpiresAt().Equal(got.ExpiresAt()))

		stale, err := r.GetSpot(ctx, spot.ID())
		require.NoError(t, err)

		_, err = got.AddInteraction(uuid.New(), domain.InteractionLike, "", t0.Add(time.Minute))
		require.NoError(t, err)
		require.NoError(t, r.SaveSpot(ctx, got))
		assert.Equal(t, int64(2), got.Version())

		require.NoError(t, stale.Pause(spot.CreatorID(), t0.Add(time.Minute)))
		assert.ErrorIs(t, r.SaveSpot(ctx, stale), domain.ErrConcurrentModification)

		reloaded, err := r.GetSpot(ctx, spot.ID())
		require.NoError(t, err)
		assert.Equal(t, 1, reloaded.Statistics().Likes)
		assert.Equal(t, domain.SpotStatusActive, reloaded.Status())

		_, err = r.GetSpot(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrSpotNotFound)
	})

	t.Run("nearby spots by radius", func(t *testing.T) {
		r := newStore(t)
		ctx := context.Background()
		spot := newSpot(t, uuid.New(), cityHall, 24, t0)
		require.NoError(t, r.CreateSpot(ctx, spot))
		far := newSpot(t, uuid.New(), mustCoords(37.58, 126.978), 24, t0)
		require.NoError(t, r.CreateSpot(ctx, far))

		center := mustCoords(37.5665+0.00126, 126.9780)
		results, err := r.FindSpotsWithinRadius(ctx, domain.NearbyQuery{
			Center: center, RadiusMeters: 150, OrderBy: domain.OrderByDistance, Now: t0,
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, spot.ID(), results[0].Spot.ID())
		assert.InDelta(t, 140, results[0].DistanceMeters, 2)

		results, err = r.FindSpotsWithinRadius(ctx, domain.NearbyQuery{
			Center: center, RadiusMeters: 130, Now: t0,
		})
		require.NoError(t, err)
		assert.Empty(t, results)

		results, err = r.FindSpotsWithinRadius(ctx, domain.NearbyQuery{
			Center: center, RadiusMeters: 5000, OrderBy: domain.OrderByDistance, Now: t0,
		})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, spot.ID(), results[0].Spot.ID())
		assert.Equal(t, far.ID(), results[1].Spot.ID())
	})

	t.Run("nearby filters use effective status", func(t *testing.T) {
		r := newStore(t)
		ctx := context.Background()
		short := newSpot(t, uuid.New(), cityHall, 1, t0)
		long := newSpot(t, uuid.New(), cityHall, 24, t0)
		require.NoError(t, r.CreateSpot(ctx, short))
		require.NoError(t, r.CreateSpot(ctx, long))

		later := t0.Add(2 * time.Hour)
		results, err := r.FindSpotsWithinRadius(ctx, domain.NearbyQuery{
			Center: cityHall, RadiusMeters: 100, Now: later,
			Filters: domain.NearbyFilters{ExcludeExpired: true},
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, long.ID(), results[0].Spot.ID())

		expired := domain.SpotStatusExpired
		results, err = r.FindSpotsWithinRadius(ctx, domain.NearbyQuery{
			Center: cityHall, RadiusMeters: 100, Now: later,
			Filters: domain.NearbyFilters{Status: &expired},
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, short.ID(), results[0].Spot.ID())
	})

	t.Run("spot counting and expiry sweep", func(t *testing.T) {
		r := newStore(t)
		ctx := context.Background()
		creator := uuid.New()
		require.NoError(t, r.CreateSpot(ctx, newSpot(t, creator, cityHall, 1, t0)))
		require.NoError(t, r.CreateSpot(ctx, newSpot(t, creator, cityHall, 24, t0.Add(time.Hour))))

		n, err := r.CountSpotsByCreatorSince(ctx, creator, t0)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		n, err = r.CountSpotsByCreatorSince(ctx, creator, t0.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		swept, err := r.ExpireSpots(ctx, t0.Add(90*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), swept)
		swept, err = r.ExpireSpots(ctx, t0.Add(90*time.Minute))
		require.NoError(t, err)
		assert.Zero(t, swept)
	})

	t.Run("one active spark per pair", func(t *testing.T) {
		r := newStore(t)
		ctx := context.Background()
		a, b := uuid.New(), uuid.New()

		first := newSpark(t, a, b, t0)
		require.NoError(t, r.CreateSpark(ctx, first))

		dup := newSpark(t, b, a, t0.Add(time.Minute))
		assert.ErrorIs(t, r.CreateSpark(ctx, dup), domain.ErrDuplicateActiveSpark)

		got, err := r.GetSpark(ctx, first.ID())
		require.NoError(t, err)
		require.NoError(t, got.Reject(a, t0.Add(2*time.Minute)))
		require.NoError(t, r.SaveSpark(ctx, got))

		next := newSpark(t, a, b, t0.Add(3*time.Minute))
		require.NoError(t, r.CreateSpark(ctx, next))

		latest, err := r.LatestSparkForPair(ctx, b, a, domain.MatchTypeProximity)
		require.NoError(t, err)
		assert.Equal(t, next.ID(), latest.ID())

		_, err = r.LatestSparkForPair(ctx, a, uuid.New(), domain.MatchTypeProximity)
		assert.ErrorIs(t, err, domain.ErrSparkNotFound)
	})

	t.Run("spark compare-and-set", func(t *testing.T) {
		r := newStore(t)
		ctx := context.Background()
		a, b := uuid.New(), uuid.New()
		spark := newSpark(t, a, b, t0)
		require.NoError(t, r.CreateSpark(ctx, spark))

		one, err := r.GetSpark(ctx, spark.ID())
		require.NoError(t, err)
		two, err := r.GetSpark(ctx, spark.ID())
		require.NoError(t, err)

		require.NoError(t, one.Accept(a, t0.Add(time.Minute)))
		require.NoError(t, r.SaveSpark(ctx, one))

		require.NoError(t, two.Reject(b, t0.Add(time.Minute)))
		assert.ErrorIs(t, r.SaveSpark(ctx, two), domain.ErrConcurrentModification)

		stored, err := r.GetSpark(ctx, spark.ID())
		require.NoError(t, err)
		assert.Equal(t, domain.SparkStatusPending, stored.Status())
		assert.True(t, stored.HasAccepted(a))
	})

	t.Run("spark listing filters on effective status", func(t *testing.T) {
		r := newStore(t)
		ctx := context.Background()
		me := uuid.New()
		old := newSpark(t, me, uuid.New(), t0)
		recent := newSpark(t, me, uuid.New(), t0.Add(20*time.Hour))
		require.NoError(t, r.CreateSpark(ctx, old))
		require.NoError(t, r.CreateSpark(ctx, recent))
		require.NoError(t, r.CreateSpark(ctx, newSpark(t, uuid.New(), uuid.New(), t0)))

		now := t0.Add(25 * time.Hour)
		all, err := r.ListSparksForUser(ctx, domain.SparkListQuery{UserID: me, Now: now, Limit: 10})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, recent.ID(), all[0].ID())
		assert.Equal(t, old.ID(), all[1].ID())

		expired := domain.SparkStatusExpired
		list, err := r.ListSparksForUser(ctx, domain.SparkListQuery{UserID: me, Status: &expired, Now: now, Limit: 10})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, old.ID(), list[0].ID())

		pending := domain.SparkStatusPending
		list, err = r.ListSparksForUser(ctx, domain.SparkListQuery{UserID: me, Status: &pending, Now: now, Limit: 10})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, recent.ID(), list[0].ID())

		page, err := r.ListSparksForUser(ctx, domain.SparkListQuery{UserID: me, Now: now, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, old.ID(), page[0].ID())

		n, err := r.CountSparksForUserSince(ctx, me, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		swept, err := r.ExpireSparks(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(2), swept)
	})

	t.Run("separation is stamped once", func(t *testing.T) {
		r := newStore(t)
		ctx := context.Background()
		a, b := uuid.New(), uuid.New()
		spark := newSpark(t, a, b, t0)
		require.NoError(t, r.CreateSpark(ctx, spark))

		open, err := r.ListUnseparatedSparks(ctx, a, t0.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, open, 1)

		require.NoError(t, r.MarkSparkSeparated(ctx, spark.ID(), t0.Add(time.Hour)))
		require.NoError(t, r.MarkSparkSeparated(ctx, spark.ID(), t0.Add(2*time.Hour)))

		got, err := r.GetSpark(ctx, spark.ID())
		require.NoError(t, err)
		require.NotNil(t, got.SeparatedAt())
		assert.True(t, got.SeparatedAt().Equal(t0.Add(time.Hour)))

		open, err = r.ListUnseparatedSparks(ctx, b, t0.Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, open)

		assert.ErrorIs(t, r.MarkSparkSeparated(ctx, uuid.New(), t0), domain.ErrSparkNotFound)
	})

	t.Run("nearby users respect freshness", func(t *testing.T) {
		r := newStore(t)
		ctx := context.Background()
		me, near, closer, stale := uuid.New(), uuid.New(), uuid.New(), uuid.New()

		put := func(id uuid.UUID, at geo.Coordinates, recorded time.Time) {
			require.NoError(t, r.UpsertUserLocation(ctx, domain.UserLocation{
				UserID: id, Location: at, RecordedAt: recorded, StationarySince: recorded,
			}))
		}
		put(me, cityHall, t0)
		put(near, mustCoords(37.5665+0.0003, 126.9780), t0)
		put(closer, mustCoords(37.5665+0.0001, 126.9780), t0)
		put(stale, mustCoords(37.5665+0.0001, 126.9780), t0.Add(-time.Hour))

		users, err := r.FindNearbyUsers(ctx, domain.NearbyUsersQuery{
			Center: cityHall, RadiusMeters: 50, FreshSince: t0.Add(-5 * time.Minute),
			ExcludeUserID: me, Limit: 10,
		})
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, closer, users[0].Location.UserID)
		assert.Equal(t, near, users[1].Location.UserID)
		assert.InDelta(t, 11.1, users[0].DistanceMeters, 0.5)

		// Moving away drops the user from the result.
		put(near, mustCoords(37.58, 126.978), t0.Add(time.Minute))
		users, err = r.FindNearbyUsers(ctx, domain.NearbyUsersQuery{
			Center: cityHall, RadiusMeters: 50, FreshSince: t0.Add(-5 * time.Minute),
			ExcludeUserID: me, Limit: 10,
		})
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, closer, users[0].Location.UserID)

		loc, err := r.GetUserLocation(ctx, near)
		require.NoError(t, err)
		assert.InDelta(t, 37.58, loc.Location.Latitude(), 1e-6)

		_, err = r.GetUserLocation(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrLocationNotFound)
	})

	t.Run("device tokens", func(t *testing.T) {
		r := newStore(t)
		ctx := context.Background()
		user := uuid.New()

		require.NoError(t, r.RegisterDeviceToken(ctx, user, "tok-b"))
		require.NoError(t, r.RegisterDeviceToken(ctx, user, "tok-a"))
		require.NoError(t, r.RegisterDeviceToken(ctx, user, "tok-a"))

		tokens, err := r.DeviceTokens(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, []string{"tok-a", "tok-b"}, tokens)

		require.NoError(t, r.RemoveDeviceToken(ctx, user, "tok-a"))
		tokens, err = r.DeviceTokens(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, []string{"tok-b"}, tokens)

		tokens, err = r.DeviceTokens(ctx, uuid.New())
		require.NoError(t, err)
		assert.Empty(t, tokens)
	})
}

func TestMemoryRepository(t *testing.T) {
	runStoreContract(t, func(*testing.T) store { return NewMemoryRepository() })
}

func TestMemoryRepository_CanceledContext(t *testing.T) {
	r := NewMemoryRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.GetSpot(ctx, uuid.New())
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, r.Ping(ctx), context.Canceled)
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := LoadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "001_init", migrations[0].Name)
	assert.Contains(t, migrations[0].SQL, "uq_sparks_active_pair")
}
