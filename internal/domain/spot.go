package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/signalspot/backend/internal/geo"
	"github.com/signalspot/backend/pkg/validator"
)

const (
	RemovalReasonOwner   = "owner"
	RemovalReasonReports = "reports"
)

// Interaction is a single user action on a spot.
type Interaction struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Type      InteractionType `json:"type"`
	Text      string          `json:"text,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SpotStatistics counts the current interactions per type.
type SpotStatistics struct {
	Views    int `json:"views"`
	Likes    int `json:"likes"`
	Dislikes int `json:"dislikes"`
	Replies  int `json:"replies"`
	Shares   int `json:"shares"`
	Reports  int `json:"reports"`
}

// SpotState is the persisted form of a spot.
type SpotState struct {
	ID            uuid.UUID      `json:"id"`
	CreatorID     uuid.UUID      `json:"creator_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Latitude      float64        `json:"latitude"`
	Longitude     float64        `json:"longitude"`
	RadiusMeters  int            `json:"radius_meters"`
	Category      SpotCategory   `json:"category"`
	Visibility    SpotVisibility `json:"visibility"`
	Status        SpotStatus     `json:"status"`
	RemovalReason string         `json:"removal_reason,omitempty"`
	Interactions  []Interaction  `json:"interactions,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Version       int64          `json:"version"`
}

// NewSpotParams holds already-validated inputs for NewSpot.
type NewSpotParams struct {
	CreatorID     uuid.UUID
	Content       SpotContent
	Location      geo.Coordinates
	Radius        SpotRadius
	Category      SpotCategory
	Visibility    SpotVisibility
	DurationHours int
}

// Spot is the Signal Spot aggregate root. All mutation goes through its methods; callers
// drain emitted events with PullEvents after each successful operation.
type Spot struct {
	id            uuid.UUID
	creatorID     uuid.UUID
	content       SpotContent
	location      geo.Coordinates
	radius        SpotRadius
	category      SpotCategory
	visibility    SpotVisibility
	status        SpotStatus
	removalReason string
	interactions  []Interaction
	createdAt     time.Time
	expiresAt     time.Time
	updatedAt     time.Time
	version       int64

	eventLog
}

// NewSpot creates an active spot expiring durationHours from now.
func NewSpot(p NewSpotParams, now time.Time) (*Spot, error) {
	if p.Content.Title == "" || p.Content.Description == "" {
		return nil, ErrInvalidContent
	}
	if p.Radius.Meters() == 0 {
		return nil, ErrInvalidRadius
	}
	if p.DurationHours < MinDurationHours || p.DurationHours > MaxLifetimeHours {
		return nil, fmt.Errorf("%w: duration must be %d-%d hours, got %d",
			ErrInvalidDuration, MinDurationHours, MaxLifetimeHours, p.DurationHours)
	}
	if _, ok := spotCategories[p.Category]; !ok {
		return nil, ErrInvalidCategory
	}
	visibility, err := ParseSpotVisibility(string(p.Visibility))
	if err != nil || p.Visibility == "" {
		return nil, ErrInvalidVisibility
	}

	s := &Spot{
		id:         uuid.New(),
		creatorID:  p.CreatorID,
		content:    p.Content,
		location:   p.Location,
		radius:     p.Radius,
		category:   p.Category,
		visibility: visibility,
		status:     SpotStatusActive,
		createdAt:  now,
		expiresAt:  now.Add(time.Duration(p.DurationHours) * time.Hour),
		updatedAt:  now,
	}
	s.record(Event{
		Type:        EventSpotCreated,
		AggregateID: s.id,
		ActorID:     s.creatorID,
		Data: Map{
			"creator_id": s.creatorID.String(),
			"latitude":   s.location.Latitude(),
			"longitude":  s.location.Longitude(),
			"category":   string(s.category),
		},
		OccurredAt: now,
	})
	return s, nil
}

// RestoreSpot rebuilds a spot from storage without re-running creation rules.
func RestoreSpot(st SpotState) (*Spot, error) {
	loc, err := geo.NewCoordinates(st.Latitude, st.Longitude)
	if err != nil {
		return nil, fmt.Errorf("restore spot %s: %w", st.ID, err)
	}
	interactions := make([]Interaction, len(st.Interactions))
	copy(interactions, st.Interactions)
	return &Spot{
		id:            st.ID,
		creatorID:     st.CreatorID,
		content:       SpotContent{Title: st.Title, Description: st.Description},
		location:      loc,
		radius:        SpotRadius{meters: st.RadiusMeters},
		category:      st.Category,
		visibility:    st.Visibility,
		status:        st.Status,
		removalReason: st.RemovalReason,
		interactions:  interactions,
		createdAt:     st.CreatedAt,
		expiresAt:     st.ExpiresAt,
		updatedAt:     st.UpdatedAt,
		version:       st.Version,
	}, nil
}

// State returns a copy of the spot suitable for persistence or serialization.
func (s *Spot) State() SpotState {
	interactions := make([]Interaction, len(s.interactions))
	copy(interactions, s.interactions)
	return SpotState{
		ID:            s.id,
		CreatorID:     s.creatorID,
		Title:         s.content.Title,
		Description:   s.content.Description,
		Latitude:      s.location.Latitude(),
		Longitude:     s.location.Longitude(),
		RadiusMeters:  s.radius.Meters(),
		Category:      s.category,
		Visibility:    s.visibility,
		Status:        s.status,
		RemovalReason: s.removalReason,
		Interactions:  interactions,
		CreatedAt:     s.createdAt,
		ExpiresAt:     s.expiresAt,
		UpdatedAt:     s.updatedAt,
		Version:       s.version,
	}
}

func (s *Spot) ID() uuid.UUID { return s.id }
func (s *Spot) CreatorID() uuid.UUID { return s.creatorID }
func (s *Spot) Content() SpotContent { return s.content }
func (s *Spot) Location() geo.Coordinates { return s.location }
func (s *Spot) Radius() SpotRadius { return s.radius }
func (s *Spot) Category() SpotCategory { return s.category }
func (s *Spot) Visibility() SpotVisibility { return s.visibility }
func (s *Spot) Status() SpotStatus { return s.status }
func (s *Spot) CreatedAt() time.Time { return s.createdAt }
func (s *Spot) ExpiresAt() time.Time { return s.expiresAt }
func (s *Spot) UpdatedAt() time.Time { return s.updatedAt }
func (s *Spot) Version() int64 { return s.version }

// SetVersion is called by repositories after a successful write.
func (s *Spot) SetVersion(v int64) { s.version = v }

// IsExpired reports whether the spot is expired, either flagged or by time.
func (s *Spot) IsExpired(now time.Time) bool {
	if s.status == SpotStatusExpired {
		return true
	}
	return !s.status.Terminal() && !now.Before(s.expiresAt)
}

// CurrentStatus is the status a reader should observe at now.
func (s *Spot) CurrentStatus(now time.Time) SpotStatus {
	if s.IsExpired(now) {
		return SpotStatusExpired
	}
	return s.status
}

// Refresh applies lazy expiry. It returns true when the status changed.
func (s *Spot) Refresh(now time.Time) bool {
	if s.status.Terminal() || now.Before(s.expiresAt) {
		return false
	}
	s.status = SpotStatusExpired
	s.updatedAt = now
	s.record(Event{
		Type:        EventSpotExpired,
		AggregateID: s.id,
		Recipients:  []uuid.UUID{s.creatorID},
		OccurredAt:  now,
	})
	return true
}

// IsWithinRadius reports whether point lies inside the spot's geofence.
func (s *Spot) IsWithinRadius(point geo.Coordinates) bool {
	return s.location.Within(point, float64(s.radius.Meters()))
}

// VisibleTo reports whether viewerID may see the spot in listings.
func (s *Spot) VisibleTo(viewerID uuid.UUID) bool {
	return s.visibility == VisibilityPublic || s.creatorID == viewerID
}

// AddInteraction records an interaction by userID.
func (s *Spot) AddInteraction(userID uuid.UUID, kind InteractionType, text string, now time.Time) (Interaction, error) {
	kind, err := ParseInteractionType(string(kind))
	if err != nil {
		return Interaction{}, err
	}
	s.Refresh(now)
	if s.status != SpotStatusActive {
		return Interaction{}, ErrInactiveSpot
	}

	switch kind {
	case InteractionLike, InteractionDislike:
		if userID == s.creatorID {
			return Interaction{}, ErrSelfInteractionForbidden
		}
		s.dropReaction(userID)
		text = ""
	case InteractionReply:
		text = strings.TrimSpace(text)
		if !validator.LengthBetween(text, 1, MaxReplyLength) || validator.ContainsProfanity(text) {
			return Interaction{}, fmt.Errorf("%w: reply must be 1-%d characters without prohibited language",
				ErrInvalidContent, MaxReplyLength)
		}
	case InteractionReport:
		if s.hasReported(userID) {
			return Interaction{}, ErrAlreadyReported
		}
		text = strings.TrimSpace(text)
	default:
		text = ""
	}

	in := Interaction{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      kind,
		Text:      text,
		CreatedAt: now,
	}
	s.interactions = append(s.interactions, in)
	s.updatedAt = now
	s.record(Event{
		Type:        EventSpotInteractionRecorded,
		AggregateID: s.id,
		ActorID:     userID,
		Recipients:  []uuid.UUID{s.creatorID},
		Data:        Map{"interaction_id": in.ID.String(), "interaction_type": string(kind)},
		OccurredAt:  now,
	})

	if kind == InteractionReport && s.distinctReporters() >= ReportRemovalThreshold {
		s.remove(RemovalReasonReports, now)
	}
	return in, nil
}

func (s *Spot) dropReaction(userID uuid.UUID) {
	kept := s.interactions[:0]
	for _, in := range s.interactions {
		if in.UserID == userID && in.Type.isReaction() {
			continue
		}
		kept = append(kept, in)
	}
	s.interactions = kept
}

func (s *Spot) hasReported(userID uuid.UUID) bool {
	for _, in := range s.interactions {
		if in.UserID == userID && in.Type == InteractionReport {
			return true
		}
	}
	return false
}

func (s *Spot) distinctReporters() int {
	seen := make(map[uuid.UUID]struct{})
	for _, in := range s.interactions {
		if in.Type == InteractionReport {
			seen[in.UserID] = struct{}{}
		}
	}
	return len(seen)
}

// Reaction returns the user's current like or dislike, if any.
func (s *Spot) Reaction(userID uuid.UUID) (InteractionType, bool) {
	for _, in := range s.interactions {
		if in.UserID == userID && in.Type.isReaction() {
			return in.Type, true
		}
	}
	return "", false
}

// ownerMutation applies lazy expiry, then checks ownership and that the spot is not terminal.
func (s *Spot) ownerMutation(callerID uuid.UUID, now time.Time) error {
	s.Refresh(now)
	if callerID != s.creatorID {
		return ErrNotOwner
	}
	if s.status.Terminal() {
		return ErrInactiveSpot
	}
	return nil
}

// UpdateContent replaces title and description.
func (s *Spot) UpdateContent(callerID uuid.UUID, content SpotContent, now time.Time) error {
	if err := s.ownerMutation(callerID, now); err != nil {
		return err
	}
	if content.Title == "" || content.Description == "" {
		return ErrInvalidContent
	}
	s.content = content
	s.updatedAt = now
	return nil
}

// Pause hides an active spot from interaction.
func (s *Spot) Pause(callerID uuid.UUID, now time.Time) error {
	if err := s.ownerMutation(callerID, now); err != nil {
		return err
	}
	if s.status != SpotStatusActive {
		return fmt.Errorf("%w: cannot pause a %s spot", ErrInvalidTransition, s.status)
	}
	s.status = SpotStatusPaused
	s.updatedAt = now
	return nil
}

// Resume reactivates a paused spot.
func (s *Spot) Resume(callerID uuid.UUID, now time.Time) error {
	if err := s.ownerMutation(callerID, now); err != nil {
		return err
	}
	if s.status != SpotStatusPaused {
		return fmt.Errorf("%w: cannot resume a %s spot", ErrInvalidTransition, s.status)
	}
	s.status = SpotStatusActive
	s.updatedAt = now
	return nil
}

// Extend pushes expiry out by 1-24 hours, never past 168 hours after creation.
func (s *Spot) Extend(callerID uuid.UUID, hours int, now time.Time) error {
	if err := s.ownerMutation(callerID, now); err != nil {
		return err
	}
	if hours < 1 || hours > MaxExtensionHours {
		return fmt.Errorf("%w: extension must be 1-%d hours, got %d", ErrInvalidDuration, MaxExtensionHours, hours)
	}
	next := s.expiresAt.Add(time.Duration(hours) * time.Hour)
	if next.Sub(s.createdAt) > MaxLifetimeHours*time.Hour {
		return ErrDurationCapExceeded
	}
	s.expiresAt = next
	s.updatedAt = now
	return nil
}

// ChangeVisibility sets who may see the spot.
func (s *Spot) ChangeVisibility(callerID uuid.UUID, v SpotVisibility, now time.Time) error {
	if err := s.ownerMutation(callerID, now); err != nil {
		return err
	}
	parsed, err := ParseSpotVisibility(string(v))
	if err != nil || v == "" {
		return ErrInvalidVisibility
	}
	s.visibility = parsed
	s.updatedAt = now
	return nil
}

// Remove is the owner's removal path.
func (s *Spot) Remove(callerID uuid.UUID, now time.Time) error {
	if err := s.ownerMutation(callerID, now); err != nil {
		return err
	}
	s.remove(RemovalReasonOwner, now)
	return nil
}

// RemoveByModeration removes the spot without an owner check. Privilege checks belong to the
// moderation caller.
func (s *Spot) RemoveByModeration(reason string, now time.Time) error {
	s.Refresh(now)
	if s.status.Terminal() {
		return ErrInactiveSpot
	}
	if reason == "" {
		reason = "moderation"
	}
	s.remove(reason, now)
	return nil
}

func (s *Spot) remove(reason string, now time.Time) {
	s.status = SpotStatusRemoved
	s.removalReason = reason
	s.updatedAt = now
	s.record(Event{
		Type:        EventSpotRemoved,
		AggregateID: s.id,
		Recipients:  []uuid.UUID{s.creatorID},
		Data:        Map{"reason": reason},
		OccurredAt:  now,
	})
}

// Statistics counts interactions per type.
func (s *Spot) Statistics() SpotStatistics {
	var st SpotStatistics
	for _, in := range s.interactions {
		switch in.Type {
		case InteractionView:
			st.Views++
		case InteractionLike:
			st.Likes++
		case InteractionDislike:
			st.Dislikes++
		case InteractionReply:
			st.Replies++
		case InteractionShare:
			st.Shares++
		case InteractionReport:
			st.Reports++
		}
	}
	return st
}

// Replies returns reply interactions oldest first.
func (s *Spot) Replies() []Interaction {
	var out []Interaction
	for _, in := range s.interactions {
		if in.Type == InteractionReply {
			out = append(out, in)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
