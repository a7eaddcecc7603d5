package domain

import (
	"bytes"
	"time"

	"github.com/google/uuid"

	"github.com/signalspot/backend/internal/geo"
)

// DefaultSparkTTL is how long a spark waits for acceptance.
const DefaultSparkTTL = 24 * time.Hour

type SparkStatus string

const (
	SparkStatusPending  SparkStatus = "pending"
	SparkStatusAccepted SparkStatus = "accepted"
	SparkStatusDeclined SparkStatus = "declined"
	SparkStatusExpired  SparkStatus = "expired"
	SparkStatusMatched  SparkStatus = "matched"
)

// ParseSparkStatus validates a status filter.
func ParseSparkStatus(s string) (SparkStatus, error) {
	switch v := SparkStatus(s); v {
	case SparkStatusPending, SparkStatusAccepted, SparkStatusDeclined, SparkStatusExpired, SparkStatusMatched:
		return v, nil
	default:
		return "", ErrInvalidQuery
	}
}

// SparkState is the persisted form of a spark.
type SparkState struct {
	ID             uuid.UUID   `json:"id"`
	User1ID        uuid.UUID   `json:"user1_id"`
	User2ID        uuid.UUID   `json:"user2_id"`
	Type           MatchType   `json:"type"`
	Status         SparkStatus `json:"status"`
	Latitude       float64     `json:"latitude"`
	Longitude      float64     `json:"longitude"`
	DistanceMeters float64     `json:"distance_meters"`
	Strength       int         `json:"strength"`
	User1Accepted  bool        `json:"user1_accepted"`
	User2Accepted  bool        `json:"user2_accepted"`
	Notified       bool        `json:"notified"`
	CreatedAt      time.Time   `json:"created_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
	MatchedAt      *time.Time  `json:"matched_at,omitempty"`
	SeparatedAt    *time.Time  `json:"separated_at,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Version        int64       `json:"version"`
}

// DetectParams carries everything DetectSpark needs. Prior is the pair's latest spark of the
// same type, or nil.
type DetectParams struct {
	User1         uuid.UUID
	User2         uuid.UUID
	Location1     geo.Coordinates
	Location2     geo.Coordinates
	Type          MatchType
	DwellTime     time.Duration
	SharedSignals int
	Prior         *Spark
	Bands         ProximityBands
	Cooldown      CooldownRule
	TTL           time.Duration
	Now           time.Time
}

// Spark is a pairwise match candidate.
type Spark struct {
	id            uuid.UUID
	user1ID       uuid.UUID
	user2ID       uuid.UUID
	matchType     MatchType
	status        SparkStatus
	location      geo.Coordinates
	distance      float64
	strength      int
	user1Accepted bool
	user2Accepted bool
	notified      bool
	createdAt     time.Time
	expiresAt     time.Time
	matchedAt     *time.Time
	separatedAt   *time.Time
	updatedAt     time.Time
	version       int64

	eventLog
}

// DetectSpark creates a pending spark when the pair's distance falls in the type's band and
// the cooldown rule allows it.
func DetectSpark(p DetectParams) (*Spark, error) {
	if p.User1 == p.User2 {
		return nil, ErrSelfMatch
	}
	if _, ok := consentPolicies[p.Type]; !ok {
		return nil, ErrInvalidMatchType
	}
	band, err := p.Bands.For(p.Type)
	if err != nil {
		return nil, err
	}
	distance := p.Location1.DistanceTo(p.Location2)
	if err := band.Check(distance); err != nil {
		return nil, err
	}
	if err := p.Cooldown.Check(p.Prior, p.Now); err != nil {
		return nil, err
	}

	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultSparkTTL
	}
	u1, u2 := OrderedPair(p.User1, p.User2)

	s := &Spark{
		id:        uuid.New(),
		user1ID:   u1,
		user2ID:   u2,
		matchType: p.Type,
		status:    SparkStatusPending,
		location:  p.Location1.Midpoint(p.Location2),
		distance:  distance,
		strength:  StrengthScore(distance, band.MaxMeters, p.DwellTime, p.SharedSignals),
		createdAt: p.Now,
		expiresAt: p.Now.Add(ttl),
		updatedAt: p.Now,
	}
	s.record(Event{
		Type:        EventSparkDetected,
		AggregateID: s.id,
		Recipients:  []uuid.UUID{u1, u2},
		Data: Map{
			"type":            string(s.matchType),
			"distance_meters": s.distance,
			"strength":        s.strength,
			"expires_at":      s.expiresAt,
		},
		OccurredAt: p.Now,
	})
	return s, nil
}

// OrderedPair returns a and b with the lexicographically smaller id first.
func OrderedPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(a[:], b[:]) > 0 {
		return b, a
	}
	return a, b
}

// RestoreSpark rebuilds a spark from storage.
func RestoreSpark(st SparkState) (*Spark, error) {
	loc, err := geo.NewCoordinates(st.Latitude, st.Longitude)
	if err != nil {
		return nil, err
	}
	return &Spark{
		id:            st.ID,
		user1ID:       st.User1ID,
		user2ID:       st.User2ID,
		matchType:     st.Type,
		status:        st.Status,
		location:      loc,
		distance:      st.DistanceMeters,
		strength:      st.Strength,
		user1Accepted: st.User1Accepted,
		user2Accepted: st.User2Accepted,
		notified:      st.Notified,
		createdAt:     st.CreatedAt,
		expiresAt:     st.ExpiresAt,
		matchedAt:     st.MatchedAt,
		separatedAt:   st.SeparatedAt,
		updatedAt:     st.UpdatedAt,
		version:       st.Version,
	}, nil
}

// State returns the persisted form of the spark.
func (s *Spark) State() SparkState {
	return SparkState{
		ID:             s.id,
		User1ID:        s.user1ID,
		User2ID:        s.user2ID,
		Type:           s.matchType,
		Status:         s.status,
		Latitude:       s.location.Latitude(),
		Longitude:      s.location.Longitude(),
		DistanceMeters: s.distance,
		Strength:       s.strength,
		User1Accepted:  s.user1Accepted,
		User2Accepted:  s.user2Accepted,
		Notified:       s.notified,
		CreatedAt:      s.createdAt,
		ExpiresAt:      s.expiresAt,
		MatchedAt:      s.matchedAt,
		SeparatedAt:    s.separatedAt,
		UpdatedAt:      s.updatedAt,
		Version:        s.version,
	}
}

func (s *Spark) ID() uuid.UUID { return s.id }
func (s *Spark) User1ID() uuid.UUID { return s.user1ID }
func (s *Spark) User2ID() uuid.UUID { return s.user2ID }
func (s *Spark) Type() MatchType { return s.matchType }
func (s *Spark) Status() SparkStatus { return s.status }
func (s *Spark) CreatedAt() time.Time { return s.createdAt }
func (s *Spark) ExpiresAt() time.Time { return s.expiresAt }
func (s *Spark) Strength() int { return s.strength }
func (s *Spark) Version() int64 { return s.version }
func (s *Spark) SetVersion(v int64) { s.version = v }

// HasUser reports whether userID is a participant.
func (s *Spark) HasUser(userID uuid.UUID) bool {
	return s.user1ID == userID || s.user2ID == userID
}

// OtherUser returns the participant that is not userID.
func (s *Spark) OtherUser(userID uuid.UUID) (uuid.UUID, bool) {
	switch userID {
	case s.user1ID:
		return s.user2ID, true
	case s.user2ID:
		return s.user1ID, true
	}
	return uuid.Nil, false
}

// IsExpired reports whether the acceptance window has closed without resolution.
func (s *Spark) IsExpired(now time.Time) bool {
	if s.status == SparkStatusExpired {
		return true
	}
	return s.status == SparkStatusPending && !now.Before(s.expiresAt)
}

// IsActive reports whether the spark still occupies the pair's active slot.
func (s *Spark) IsActive(now time.Time) bool {
	switch s.status {
	case SparkStatusAccepted, SparkStatusMatched:
		return true
	case SparkStatusPending:
		return now.Before(s.expiresAt)
	}
	return false
}

// CurrentStatus is the status a reader should observe at now.
func (s *Spark) CurrentStatus(now time.Time) SparkStatus {
	if s.IsExpired(now) {
		return SparkStatusExpired
	}
	return s.status
}

// RemainingAcceptanceWindow is zero once the spark left pending or expired.
func (s *Spark) RemainingAcceptanceWindow(now time.Time) time.Duration {
	if s.status != SparkStatusPending || !now.Before(s.expiresAt) {
		return 0
	}
	return s.expiresAt.Sub(now)
}

// Refresh applies lazy expiry. It returns true when the status changed.
func (s *Spark) Refresh(now time.Time) bool {
	if s.status != SparkStatusPending || now.Before(s.expiresAt) {
		return false
	}
	s.status = SparkStatusExpired
	s.updatedAt = now
	s.record(Event{
		Type:        EventSparkExpired,
		AggregateID: s.id,
		Recipients:  []uuid.UUID{s.user1ID, s.user2ID},
		OccurredAt:  now,
	})
	return true
}

func (s *Spark) guard(userID uuid.UUID, now time.Time) error {
	if !s.HasUser(userID) {
		return ErrNotParticipant
	}
	s.Refresh(now)
	if s.status == SparkStatusExpired {
		return ErrSparkExpired
	}
	if s.status != SparkStatusPending {
		return ErrAlreadyResolved
	}
	return nil
}

// Accept records userID's consent and resolves the spark when the type's policy is met.
func (s *Spark) Accept(userID uuid.UUID, now time.Time) error {
	if err := s.guard(userID, now); err != nil {
		return err
	}
	if s.accepted(userID) {
		return nil
	}
	if userID == s.user1ID {
		s.user1Accepted = true
	} else {
		s.user2Accepted = true
	}
	s.updatedAt = now

	other, _ := s.OtherUser(userID)
	s.record(Event{
		Type:        EventSparkAccepted,
		AggregateID: s.id,
		ActorID:     userID,
		Recipients:  []uuid.UUID{other},
		OccurredAt:  now,
	})

	rule := consentPolicies[s.matchType]
	if rule.policy == ConsentUnilateral || (s.user1Accepted && s.user2Accepted) {
		s.resolve(rule.resolved, now)
	}
	return nil
}

func (s *Spark) resolve(status SparkStatus, now time.Time) {
	s.status = status
	t := now
	s.matchedAt = &t
	s.record(Event{
		Type:        EventSparkMatched,
		AggregateID: s.id,
		Recipients:  []uuid.UUID{s.user1ID, s.user2ID},
		Data:        Map{"status": string(status)},
		OccurredAt:  now,
	})
}

// Reject declines the spark regardless of the other participant's choice.
func (s *Spark) Reject(userID uuid.UUID, now time.Time) error {
	if err := s.guard(userID, now); err != nil {
		return err
	}
	s.status = SparkStatusDeclined
	s.updatedAt = now

	other, _ := s.OtherUser(userID)
	s.record(Event{
		Type:        EventSparkDeclined,
		AggregateID: s.id,
		ActorID:     userID,
		Recipients:  []uuid.UUID{other},
		OccurredAt:  now,
	})
	return nil
}

func (s *Spark) accepted(userID uuid.UUID) bool {
	if userID == s.user1ID {
		return s.user1Accepted
	}
	return s.user2Accepted
}

// HasAccepted reports whether userID has accepted.
func (s *Spark) HasAccepted(userID uuid.UUID) bool {
	return s.HasUser(userID) && s.accepted(userID)
}

// MarkSeparated records the first time the pair was seen apart after this spark.
func (s *Spark) MarkSeparated(now time.Time) bool {
	if s.separatedAt != nil {
		return false
	}
	t := now
	s.separatedAt = &t
	s.updatedAt = now
	return true
}

// SeparatedAt returns when the pair separated, if it has.
func (s *Spark) SeparatedAt() *time.Time { return s.separatedAt }

// MarkNotified flags that spark.detected has been handed to the notifier.
func (s *Spark) MarkNotified() { s.notified = true }

func (s *Spark) Notified() bool { return s.notified }
