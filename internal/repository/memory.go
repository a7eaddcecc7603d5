package repository

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalspot/backend/internal/domain"
	"github.com/signalspot/backend/internal/geo"
)

// MemoryRepository keeps everything in process. Spots and user locations are indexed by S2
// cell so radius queries only scan nearby entries. It is used for tests and single-node runs.
type MemoryRepository struct {
	mu        sync.RWMutex
	spots     map[uuid.UUID]domain.SpotState
	sparks    map[uuid.UUID]domain.SparkState
	locations map[uuid.UUID]domain.UserLocation
	tokens    map[uuid.UUID]map[string]struct{}

	spotIndex *geo.CellIndex[uuid.UUID]
	userIndex *geo.CellIndex[uuid.UUID]
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		spots:     make(map[uuid.UUID]domain.SpotState),
		sparks:    make(map[uuid.UUID]domain.SparkState),
		locations: make(map[uuid.UUID]domain.UserLocation),
		tokens:    make(map[uuid.UUID]map[string]struct{}),
		spotIndex: geo.NewCellIndex[uuid.UUID](),
		userIndex: geo.NewCellIndex[uuid.UUID](),
	}
}

// Ping always succeeds.
func (r *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func lessID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// Spots

func (r *MemoryRepository) CreateSpot(ctx context.Context, spot *domain.Spot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st := spot.State()
	st.Version = 1

	r.mu.Lock()
	r.spots[st.ID] = st
	r.mu.Unlock()

	r.spotIndex.Put(st.ID, spot.Location())
	spot.SetVersion(1)
	return nil
}

func (r *MemoryRepository) GetSpot(ctx context.Context, id uuid.UUID) (*domain.Spot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	st, ok := r.spots[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrSpotNotFound
	}
	return domain.RestoreSpot(st)
}

func (r *MemoryRepository) SaveSpot(ctx context.Context, spot *domain.Spot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st := spot.State()

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.spots[st.ID]
	if !ok {
		return domain.ErrSpotNotFound
	}
	if cur.Version != st.Version {
		return domain.ErrConcurrentModification
	}
	st.Version++
	r.spots[st.ID] = st
	spot.SetVersion(st.Version)
	return nil
}

func (r *MemoryRepository) FindSpotsWithinRadius(ctx context.Context, q domain.NearbyQuery) ([]domain.NearbySpot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Normalize(); err != nil {
		return nil, err
	}
	ids := r.spotIndex.Candidates(q.Center, q.RadiusMeters)

	r.mu.RLock()
	states := make([]domain.SpotState, 0, len(ids))
	for _, id := range ids {
		if st, ok := r.spots[id]; ok {
			states = append(states, st)
		}
	}
	r.mu.RUnlock()

	var out []domain.NearbySpot
	for _, st := range states {
		spot, err := domain.RestoreSpot(st)
		if err != nil {
			return nil, err
		}
		dist := q.Center.DistanceTo(spot.Location())
		if dist > q.RadiusMeters {
			continue
		}
		if !matchesFilters(spot, q.Filters, q.Now) {
			continue
		}
		out = append(out, domain.NearbySpot{Spot: spot, DistanceMeters: dist})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if q.OrderBy == domain.OrderByDistance {
			if a.DistanceMeters != b.DistanceMeters {
				return a.DistanceMeters < b.DistanceMeters
			}
		} else if !a.Spot.CreatedAt().Equal(b.Spot.CreatedAt()) {
			return a.Spot.CreatedAt().After(b.Spot.CreatedAt())
		}
		return lessID(a.Spot.ID(), b.Spot.ID())
	})
	return paginate(out, q.Page), nil
}

func matchesFilters(spot *domain.Spot, f domain.NearbyFilters, now time.Time) bool {
	status := spot.CurrentStatus(now)
	if f.ExcludeExpired && status == domain.SpotStatusExpired {
		return false
	}
	if f.Status != nil && status != *f.Status {
		return false
	}
	if f.Category != nil && spot.Category() != *f.Category {
		return false
	}
	if f.ViewerID != nil && !spot.VisibleTo(*f.ViewerID) {
		return false
	}
	return true
}

func paginate[T any](items []T, p domain.Pagination) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	items = items[p.Offset:]
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
}

func (r *MemoryRepository) CountSpotsByCreatorSince(ctx context.Context, creatorID uuid.UUID, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, st := range r.spots {
		if st.CreatorID == creatorID && !st.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) ExpireSpots(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, st := range r.spots {
		if st.Status.Terminal() || now.Before(st.ExpiresAt) {
			continue
		}
		st.Status = domain.SpotStatusExpired
		st.UpdatedAt = now
		st.Version++
		r.spots[id] = st
		n++
	}
	return n, nil
}

// Sparks

func activeSparkStatus(s domain.SparkStatus) bool {
	switch s {
	case domain.SparkStatusPending, domain.SparkStatusAccepted, domain.SparkStatusMatched:
		return true
	}
	return false
}

func (r *MemoryRepository) CreateSpark(ctx context.Context, spark *domain.Spark) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st := spark.State()
	st.Version = 1

	r.mu.Lock()
	defer r.mu.Unlock()
	if activeSparkStatus(st.Status) {
		for _, other := range r.sparks {
			if other.User1ID == st.User1ID && other.User2ID == st.User2ID &&
				other.Type == st.Type && activeSparkStatus(other.Status) {
				return domain.ErrDuplicateActiveSpark
			}
		}
	}
	r.sparks[st.ID] = st
	spark.SetVersion(1)
	return nil
}

func (r *MemoryRepository) GetSpark(ctx context.Context, id uuid.UUID) (*domain.Spark, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	st, ok := r.sparks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrSparkNotFound
	}
	return domain.RestoreSpark(st)
}

func (r *MemoryRepository) SaveSpark(ctx context.Context, spark *domain.Spark) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st := spark.State()

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sparks[st.ID]
	if !ok {
		return domain.ErrSparkNotFound
	}
	if cur.Version != st.Version {
		return domain.ErrConcurrentModification
	}
	st.Version++
	r.sparks[st.ID] = st
	spark.SetVersion(st.Version)
	return nil
}

func (r *MemoryRepository) LatestSparkForPair(ctx context.Context, a, b uuid.UUID, t domain.MatchType) (*domain.Spark, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u1, u2 := domain.OrderedPair(a, b)

	r.mu.RLock()
	var (
		latest domain.SparkState
		found  bool
	)
	for _, st := range r.sparks {
		if st.User1ID != u1 || st.User2ID != u2 || st.Type != t {
			continue
		}
		if !found || st.CreatedAt.After(latest.CreatedAt) ||
			(st.CreatedAt.Equal(latest.CreatedAt) && lessID(latest.ID, st.ID)) {
			latest, found = st, true
		}
	}
	r.mu.RUnlock()

	if !found {
		return nil, domain.ErrSparkNotFound
	}
	return domain.RestoreSpark(latest)
}

// effectiveSparkStatus mirrors Spark.CurrentStatus on the stored form.
func effectiveSparkStatus(st domain.SparkState, now time.Time) domain.SparkStatus {
	if st.Status == domain.SparkStatusPending && !now.Before(st.ExpiresAt) {
		return domain.SparkStatusExpired
	}
	return st.Status
}

func (r *MemoryRepository) ListSparksForUser(ctx context.Context, q domain.SparkListQuery) ([]*domain.Spark, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	var states []domain.SparkState
	for _, st := range r.sparks {
		if st.User1ID != q.UserID && st.User2ID != q.UserID {
			continue
		}
		if q.Status != nil && effectiveSparkStatus(st, q.Now) != *q.Status {
			continue
		}
		states = append(states, st)
	}
	r.mu.RUnlock()

	sort.Slice(states, func(i, j int) bool {
		if !states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].CreatedAt.After(states[j].CreatedAt)
		}
		return lessID(states[i].ID, states[j].ID)
	})
	states = paginate(states, domain.Pagination{Limit: q.Limit, Offset: q.Offset})

	out := make([]*domain.Spark, 0, len(states))
	for _, st := range states {
		sp, err := domain.RestoreSpark(st)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, nil
}

func (r *MemoryRepository) ListUnseparatedSparks(ctx context.Context, userID uuid.UUID, since time.Time) ([]*domain.Spark, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Spark
	for _, st := range r.sparks {
		if st.User1ID != userID && st.User2ID != userID {
			continue
		}
		if st.SeparatedAt != nil || st.CreatedAt.Before(since) {
			continue
		}
		sp, err := domain.RestoreSpark(st)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, nil
}

func (r *MemoryRepository) MarkSparkSeparated(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sparks[id]
	if !ok {
		return domain.ErrSparkNotFound
	}
	if st.SeparatedAt != nil {
		return nil
	}
	t := at
	st.SeparatedAt = &t
	st.UpdatedAt = at
	st.Version++
	r.sparks[id] = st
	return nil
}

func (r *MemoryRepository) CountSparksForUserSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, st := range r.sparks {
		if (st.User1ID == userID || st.User2ID == userID) && !st.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) ExpireSparks(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, st := range r.sparks {
		if st.Status != domain.SparkStatusPending || now.Before(st.ExpiresAt) {
			continue
		}
		st.Status = domain.SparkStatusExpired
		st.UpdatedAt = now
		st.Version++
		r.sparks[id] = st
		n++
	}
	return n, nil
}

// Locations

func (r *MemoryRepository) UpsertUserLocation(ctx context.Context, loc domain.UserLocation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.locations[loc.UserID] = loc
	r.mu.Unlock()
	r.userIndex.Put(loc.UserID, loc.Location)
	return nil
}

func (r *MemoryRepository) GetUserLocation(ctx context.Context, userID uuid.UUID) (*domain.UserLocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.locations[userID]
	if !ok {
		return nil, domain.ErrLocationNotFound
	}
	return &loc, nil
}

func (r *MemoryRepository) FindNearbyUsers(ctx context.Context, q domain.NearbyUsersQuery) ([]domain.NearbyUser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := r.userIndex.Candidates(q.Center, q.RadiusMeters)

	r.mu.RLock()
	var out []domain.NearbyUser
	for _, id := range ids {
		if id == q.ExcludeUserID {
			continue
		}
		loc, ok := r.locations[id]
		if !ok || loc.RecordedAt.Before(q.FreshSince) {
			continue
		}
		dist := q.Center.DistanceTo(loc.Location)
		if dist > q.RadiusMeters {
			continue
		}
		out = append(out, domain.NearbyUser{Location: loc, DistanceMeters: dist})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return lessID(out[i].Location.UserID, out[j].Location.UserID)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Device tokens

func (r *MemoryRepository) RegisterDeviceToken(ctx context.Context, userID uuid.UUID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.tokens[userID]
	if !ok {
		set = make(map[string]struct{})
		r.tokens[userID] = set
	}
	set[token] = struct{}{}
	return nil
}

func (r *MemoryRepository) DeviceTokens(ctx context.Context, userID uuid.UUID) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tokens[userID]))
	for t := range r.tokens[userID] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (r *MemoryRepository) RemoveDeviceToken(ctx context.Context, userID uuid.UUID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens[userID], token)
	return nil
}
