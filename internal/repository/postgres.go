package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/signalspot/backend/internal/domain"
	"github.com/signalspot/backend/internal/geo"
)

const pgUniqueViolation = "23505"

// PostgresRepository implements the spot, spark and location repositories on PostgreSQL with
// PostGIS. Every call runs under its own deadline; an exceeded deadline surfaces as
// domain.ErrStoreTimeout.
type PostgresRepository struct {
	db      *pgxpool.Pool
	timeout time.Duration
	logger  *zap.Logger
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *pgxpool.Pool, timeout time.Duration, logger *zap.Logger) *PostgresRepository {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresRepository{db: db, timeout: timeout, logger: logger}
}

// Ping checks connectivity for readiness probes.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return mapErr(r.db.Ping(ctx))
}

func (r *PostgresRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrStoreTimeout, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Spots

const spotColumns = `id, creator_id, title, description,
	ST_Y(location::geometry), ST_X(location::geometry),
	radius_meters, category, visibility, status, removal_reason, interactions,
	created_at, expires_at, updated_at, version`

func scanSpot(row pgx.Row, extra ...any) (*domain.Spot, error) {
	var (
		st  domain.SpotState
		raw []byte
	)
	dest := []any{
		&st.ID,
		&st.CreatorID,
		&st.Title,
		&st.Description,
		&st.Latitude,
		&st.Longitude,
		&st.RadiusMeters,
		&st.Category,
		&st.Visibility,
		&st.Status,
		&st.RemovalReason,
		&raw,
		&st.CreatedAt,
		&st.ExpiresAt,
		&st.UpdatedAt,
		&st.Version,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSpotNotFound
		}
		return nil, mapErr(err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &st.Interactions); err != nil {
			return nil, fmt.Errorf("decode interactions of spot %s: %w", st.ID, err)
		}
	}
	return domain.RestoreSpot(st)
}

// CreateSpot inserts a new spot at version 1.
func (r *PostgresRepository) CreateSpot(ctx context.Context, spot *domain.Spot) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	st := spot.State()
	interactions, err := json.Marshal(st.Interactions)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO spots (id, creator_id, title, description, location, radius_meters, category,
			visibility, status, removal_reason, interactions, created_at, expires_at, updated_at, version)
		VALUES ($1, $2, $3, $4, ST_SetSRID(ST_MakePoint($5, $6), 4326)::geography, $7, $8,
			$9, $10, $11, $12, $13, $14, $15, 1)
	`
	_, err = r.db.Exec(ctx, query,
		st.ID,
		st.CreatorID,
		st.Title,
		st.Description,
		st.Longitude,
		st.Latitude,
		st.RadiusMeters,
		st.Category,
		st.Visibility,
		st.Status,
		st.RemovalReason,
		interactions,
		st.CreatedAt,
		st.ExpiresAt,
		st.UpdatedAt,
	)
	if err != nil {
		return mapErr(err)
	}
	spot.SetVersion(1)
	return nil
}

// GetSpot retrieves a spot by ID
func (r *PostgresRepository) GetSpot(ctx context.Context, id uuid.UUID) (*domain.Spot, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	row := r.db.QueryRow(ctx, `SELECT `+spotColumns+` FROM spots WHERE id = $1`, id)
	return scanSpot(row)
}

// SaveSpot writes the spot's mutable fields if its version is unchanged.
func (r *PostgresRepository) SaveSpot(ctx context.Context, spot *domain.Spot) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	st := spot.State()
	interactions, err := json.Marshal(st.Interactions)
	if err != nil {
		return err
	}
	query := `
		UPDATE spots
		SET title = $3, description = $4, visibility = $5, status = $6, removal_reason = $7,
			interactions = $8, expires_at = $9, updated_at = $10, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`
	var version int64
	err = r.db.QueryRow(ctx, query,
		st.ID,
		st.Version,
		st.Title,
		st.Description,
		st.Visibility,
		st.Status,
		st.RemovalReason,
		interactions,
		st.ExpiresAt,
		st.UpdatedAt,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.casMiss(ctx, "spots", st.ID, domain.ErrSpotNotFound)
	}
	if err != nil {
		return mapErr(err)
	}
	spot.SetVersion(version)
	return nil
}

// casMiss tells a stale version apart from a missing row.
func (r *PostgresRepository) casMiss(ctx context.Context, table string, id uuid.UUID, notFound error) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return mapErr(err)
	}
	if !exists {
		return notFound
	}
	return domain.ErrConcurrentModification
}

// effectiveSpotStatus is the status a reader observes at the time bound to parameter n.
func effectiveSpotStatus(n int) string {
	return fmt.Sprintf(`(CASE WHEN status IN ('active', 'paused') AND expires_at <= $%d THEN 'expired' ELSE status END)`, n)
}

// FindSpotsWithinRadius runs the nearby query with ST_DWithin on geography, so containment is
// geodesic.
func (r *PostgresRepository) FindSpotsWithinRadius(ctx context.Context, q domain.NearbyQuery) ([]domain.NearbySpot, error) {
	if err := q.Normalize(); err != nil {
		return nil, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var qb strings.Builder
	qb.WriteString(`SELECT ` + spotColumns + `,
		ST_Distance(location, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography) AS distance
		FROM spots
		WHERE ST_DWithin(location, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3)`)
	args := []any{q.Center.Longitude(), q.Center.Latitude(), q.RadiusMeters}
	argIndex := 4

	if q.Filters.ExcludeExpired || q.Filters.Status != nil {
		status := effectiveSpotStatus(argIndex)
		args = append(args, q.Now)
		argIndex++
		if q.Filters.ExcludeExpired {
			qb.WriteString(` AND ` + status + ` <> 'expired'`)
		}
		if q.Filters.Status != nil {
			qb.WriteString(fmt.Sprintf(` AND `+status+` = $%d`, argIndex))
			args = append(args, *q.Filters.Status)
			argIndex++
		}
	}
	if q.Filters.Category != nil {
		qb.WriteString(fmt.Sprintf(` AND category = $%d`, argIndex))
		args = append(args, *q.Filters.Category)
		argIndex++
	}
	if q.Filters.ViewerID != nil {
		qb.WriteString(fmt.Sprintf(` AND (visibility = 'public' OR creator_id = $%d)`, argIndex))
		args = append(args, *q.Filters.ViewerID)
		argIndex++
	}

	if q.OrderBy == domain.OrderByDistance {
		qb.WriteString(` ORDER BY distance ASC, id ASC`)
	} else {
		qb.WriteString(` ORDER BY created_at DESC, id ASC`)
	}
	qb.WriteString(fmt.Sprintf(` LIMIT $%d OFFSET $%d`, argIndex, argIndex+1))
	args = append(args, q.Page.Limit, q.Page.Offset)

	rows, err := r.db.Query(ctx, qb.String(), args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.NearbySpot
	for rows.Next() {
		var dist float64
		spot, err := scanSpot(rows, &dist)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.NearbySpot{Spot: spot, DistanceMeters: dist})
	}
	return out, mapErr(rows.Err())
}

func (r *PostgresRepository) CountSpotsByCreatorSince(ctx context.Context, creatorID uuid.UUID, since time.Time) (int, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM spots WHERE creator_id = $1 AND created_at >= $2`, creatorID, since).Scan(&n)
	return n, mapErr(err)
}

// ExpireSpots flips every overdue spot to expired.
func (r *PostgresRepository) ExpireSpots(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	tag, err := r.db.Exec(ctx, `
		UPDATE spots SET status = 'expired', updated_at = $1, version = version + 1
		WHERE status IN ('active', 'paused') AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, mapErr(err)
	}
	return tag.RowsAffected(), nil
}

// Sparks

const sparkColumns = `id, user1_id, user2_id, match_type, status,
	ST_Y(location::geometry), ST_X(location::geometry),
	distance_meters, strength, user1_accepted, user2_accepted, notified,
	created_at, expires_at, matched_at, separated_at, updated_at, version`

func scanSpark(row pgx.Row) (*domain.Spark, error) {
	var st domain.SparkState
	err := row.Scan(
		&st.ID,
		&st.User1ID,
		&st.User2ID,
		&st.Type,
		&st.Status,
		&st.Latitude,
		&st.Longitude,
		&st.DistanceMeters,
		&st.Strength,
		&st.User1Accepted,
		&st.User2Accepted,
		&st.Notified,
		&st.CreatedAt,
		&st.ExpiresAt,
		&st.MatchedAt,
		&st.SeparatedAt,
		&st.UpdatedAt,
		&st.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSparkNotFound
		}
		return nil, mapErr(err)
	}
	return domain.RestoreSpark(st)
}

func collectSparks(rows pgx.Rows) ([]*domain.Spark, error) {
	defer rows.Close()
	var out []*domain.Spark
	for rows.Next() {
		sp, err := scanSpark(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, mapErr(rows.Err())
}

// CreateSpark inserts a new spark. The partial unique index on the active pair turns a
// concurrent duplicate into domain.ErrDuplicateActiveSpark.
func (r *PostgresRepository) CreateSpark(ctx context.Context, spark *domain.Spark) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	st := spark.State()
	query := `
		INSERT INTO sparks (id, user1_id, user2_id, match_type, status, location, distance_meters,
			strength, user1_accepted, user2_accepted, notified, created_at, expires_at, matched_at,
			separated_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, ST_SetSRID(ST_MakePoint($6, $7), 4326)::geography, $8,
			$9, $10, $11, $12, $13, $14, $15, $16, $17, 1)
	`
	_, err := r.db.Exec(ctx, query,
		st.ID,
		st.User1ID,
		st.User2ID,
		st.Type,
		st.Status,
		st.Longitude,
		st.Latitude,
		st.DistanceMeters,
		st.Strength,
		st.User1Accepted,
		st.User2Accepted,
		st.Notified,
		st.CreatedAt,
		st.ExpiresAt,
		st.MatchedAt,
		st.SeparatedAt,
		st.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateActiveSpark
	}
	if err != nil {
		return mapErr(err)
	}
	spark.SetVersion(1)
	return nil
}

// GetSpark retrieves a spark by ID
func (r *PostgresRepository) GetSpark(ctx context.Context, id uuid.UUID) (*domain.Spark, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return scanSpark(r.db.QueryRow(ctx, `SELECT `+sparkColumns+` FROM sparks WHERE id = $1`, id))
}

// SaveSpark writes the spark's mutable fields if its version is unchanged.
func (r *PostgresRepository) SaveSpark(ctx context.Context, spark *domain.Spark) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	st := spark.State()
	query := `
		UPDATE sparks
		SET status = $3, user1_accepted = $4, user2_accepted = $5, notified = $6, matched_at = $7,
			separated_at = COALESCE(separated_at, $8), updated_at = $9, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`
	var version int64
	err := r.db.QueryRow(ctx, query,
		st.ID,
		st.Version,
		st.Status,
		st.User1Accepted,
		st.User2Accepted,
		st.Notified,
		st.MatchedAt,
		st.SeparatedAt,
		st.UpdatedAt,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.casMiss(ctx, "sparks", st.ID, domain.ErrSparkNotFound)
	}
	if isUniqueViolation(err) {
		return domain.ErrDuplicateActiveSpark
	}
	if err != nil {
		return mapErr(err)
	}
	spark.SetVersion(version)
	return nil
}

func (r *PostgresRepository) LatestSparkForPair(ctx context.Context, a, b uuid.UUID, t domain.MatchType) (*domain.Spark, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	u1, u2 := domain.OrderedPair(a, b)
	query := `SELECT ` + sparkColumns + ` FROM sparks
		WHERE user1_id = $1 AND user2_id = $2 AND match_type = $3
		ORDER BY created_at DESC, id DESC LIMIT 1`
	return scanSpark(r.db.QueryRow(ctx, query, u1, u2, t))
}

func (r *PostgresRepository) ListSparksForUser(ctx context.Context, q domain.SparkListQuery) ([]*domain.Spark, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var qb strings.Builder
	qb.WriteString(`SELECT ` + sparkColumns + ` FROM sparks WHERE (user1_id = $1 OR user2_id = $1)`)
	args := []any{q.UserID}
	argIndex := 2
	if q.Status != nil {
		qb.WriteString(fmt.Sprintf(
			` AND (CASE WHEN status = 'pending' AND expires_at <= $%d THEN 'expired' ELSE status END) = $%d`,
			argIndex, argIndex+1,
		))
		args = append(args, q.Now, *q.Status)
		argIndex += 2
	}
	qb.WriteString(fmt.Sprintf(` ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`, argIndex, argIndex+1))
	args = append(args, q.Limit, q.Offset)

	rows, err := r.db.Query(ctx, qb.String(), args...)
	if err != nil {
		return nil, mapErr(err)
	}
	return collectSparks(rows)
}

func (r *PostgresRepository) ListUnseparatedSparks(ctx context.Context, userID uuid.UUID, since time.Time) ([]*domain.Spark, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	rows, err := r.db.Query(ctx, `SELECT `+sparkColumns+` FROM sparks
		WHERE (user1_id = $1 OR user2_id = $1) AND separated_at IS NULL AND created_at >= $2`,
		userID, since)
	if err != nil {
		return nil, mapErr(err)
	}
	return collectSparks(rows)
}

func (r *PostgresRepository) MarkSparkSeparated(ctx context.Context, id uuid.UUID, at time.Time) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err := r.db.Exec(ctx, `
		UPDATE sparks SET separated_at = $2, updated_at = $2, version = version + 1
		WHERE id = $1 AND separated_at IS NULL
	`, id, at)
	return mapErr(err)
}

func (r *PostgresRepository) CountSparksForUserSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM sparks
		WHERE (user1_id = $1 OR user2_id = $1) AND created_at >= $2`, userID, since).Scan(&n)
	return n, mapErr(err)
}

// ExpireSparks flips every overdue pending spark to expired.
func (r *PostgresRepository) ExpireSparks(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	tag, err := r.db.Exec(ctx, `
		UPDATE sparks SET status = 'expired', updated_at = $1, version = version + 1
		WHERE status = 'pending' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, mapErr(err)
	}
	return tag.RowsAffected(), nil
}

// Locations

func (r *PostgresRepository) UpsertUserLocation(ctx context.Context, loc domain.UserLocation) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err := r.db.Exec(ctx, `
		INSERT INTO user_locations (user_id, location, accuracy_meters, recorded_at, stationary_since)
		VALUES ($1, ST_SetSRID(ST_MakePoint($2, $3), 4326)::geography, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE
		SET location = EXCLUDED.location, accuracy_meters = EXCLUDED.accuracy_meters,
			recorded_at = EXCLUDED.recorded_at, stationary_since = EXCLUDED.stationary_since
	`, loc.UserID, loc.Location.Longitude(), loc.Location.Latitude(), loc.AccuracyMeters, loc.RecordedAt, loc.StationarySince)
	return mapErr(err)
}

func scanUserLocation(row pgx.Row, extra ...any) (*domain.UserLocation, error) {
	var (
		loc      domain.UserLocation
		lat, lng float64
	)
	dest := []any{&loc.UserID, &lat, &lng, &loc.AccuracyMeters, &loc.RecordedAt, &loc.StationarySince}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrLocationNotFound
		}
		return nil, mapErr(err)
	}
	coords, err := geo.NewCoordinates(lat, lng)
	if err != nil {
		return nil, err
	}
	loc.Location = coords
	return &loc, nil
}

const locationColumns = `user_id, ST_Y(location::geometry), ST_X(location::geometry),
	accuracy_meters, recorded_at, stationary_since`

func (r *PostgresRepository) GetUserLocation(ctx context.Context, userID uuid.UUID) (*domain.UserLocation, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return scanUserLocation(r.db.QueryRow(ctx, `SELECT `+locationColumns+` FROM user_locations WHERE user_id = $1`, userID))
}

func (r *PostgresRepository) FindNearbyUsers(ctx context.Context, q domain.NearbyUsersQuery) ([]domain.NearbyUser, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	limit := q.Limit
	if limit <= 0 {
		limit = domain.MaxNearbyLimit
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+locationColumns+`,
			ST_Distance(location, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography) AS distance
		FROM user_locations
		WHERE ST_DWithin(location, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3)
			AND recorded_at >= $4 AND user_id <> $5
		ORDER BY distance ASC, user_id ASC
		LIMIT $6
	`, q.Center.Longitude(), q.Center.Latitude(), q.RadiusMeters, q.FreshSince, q.ExcludeUserID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.NearbyUser
	for rows.Next() {
		var dist float64
		loc, err := scanUserLocation(rows, &dist)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.NearbyUser{Location: *loc, DistanceMeters: dist})
	}
	return out, mapErr(rows.Err())
}

// Device tokens

func (r *PostgresRepository) RegisterDeviceToken(ctx context.Context, userID uuid.UUID, token string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err := r.db.Exec(ctx, `
		INSERT INTO device_tokens (user_id, token) VALUES ($1, $2)
		ON CONFLICT (user_id, token) DO UPDATE SET updated_at = NOW()
	`, userID, token)
	return mapErr(err)
}

func (r *PostgresRepository) DeviceTokens(ctx context.Context, userID uuid.UUID) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	rows, err := r.db.Query(ctx, `SELECT token FROM device_tokens WHERE user_id = $1 ORDER BY token`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	tokens, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return tokens, mapErr(err)
}

func (r *PostgresRepository) RemoveDeviceToken(ctx context.Context, userID uuid.UUID, token string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err := r.db.Exec(ctx, `DELETE FROM device_tokens WHERE user_id = $1 AND token = $2`, userID, token)
	return mapErr(err)
}
