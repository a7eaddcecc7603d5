package domain

import (
	"fmt"
	"math"
	"strings"

	"github.com/signalspot/backend/pkg/validator"
)

const (
	MinTitleLength       = 3
	MaxTitleLength       = 100
	MinDescriptionLength = 10
	MaxDescriptionLength = 500
	MaxReplyLength       = 500

	MinRadiusMeters = 10
	MaxRadiusMeters = 10000

	MinDurationHours       = 1
	MaxLifetimeHours       = 168
	MaxExtensionHours      = 24
	ReportRemovalThreshold = 5
)

// SpotContent is the validated title and description of a spot.
type SpotContent struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// NewSpotContent trims, length-checks and profanity-checks the content.
func NewSpotContent(title, description string) (SpotContent, error) {
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)

	var errs validator.ValidationErrors
	if !validator.LengthBetween(title, MinTitleLength, MaxTitleLength) {
		errs.Add("title", fmt.Sprintf("must be %d-%d characters", MinTitleLength, MaxTitleLength))
	} else if validator.ContainsProfanity(title) {
		errs.Add("title", "contains prohibited language")
	}
	if !validator.LengthBetween(description, MinDescriptionLength, MaxDescriptionLength) {
		errs.Add("description", fmt.Sprintf("must be %d-%d characters", MinDescriptionLength, MaxDescriptionLength))
	} else if validator.ContainsProfanity(description) {
		errs.Add("description", "contains prohibited language")
	}
	if errs.HasErrors() {
		return SpotContent{}, fmt.Errorf("%w: %w", ErrInvalidContent, errs)
	}
	return SpotContent{Title: title, Description: description}, nil
}

// SpotRadius is a geofence radius in whole meters.
type SpotRadius struct {
	meters int
}

// NewSpotRadius accepts 10 to 10000 meters.
func NewSpotRadius(meters int) (SpotRadius, error) {
	if meters < MinRadiusMeters || meters > MaxRadiusMeters {
		return SpotRadius{}, fmt.Errorf("%w: got %d", ErrInvalidRadius, meters)
	}
	return SpotRadius{meters: meters}, nil
}

// SpotRadiusFromKilometers rounds km to the nearest meter before validating.
func SpotRadiusFromKilometers(km float64) (SpotRadius, error) {
	if math.IsNaN(km) || math.IsInf(km, 0) {
		return SpotRadius{}, ErrInvalidRadius
	}
	return NewSpotRadius(int(math.Round(km * 1000)))
}

func (r SpotRadius) Meters() int { return r.meters }
func (r SpotRadius) Kilometers() float64 { return float64(r.meters) / 1000 }

type SpotCategory string

const (
	CategoryGeneral       SpotCategory = "general"
	CategoryFood          SpotCategory = "food"
	CategoryEvent         SpotCategory = "event"
	CategoryHelp          SpotCategory = "help"
	CategorySocial        SpotCategory = "social"
	CategoryBusiness      SpotCategory = "business"
	CategoryEducation     SpotCategory = "education"
	CategoryEntertainment SpotCategory = "entertainment"
)

var spotCategories = map[SpotCategory]struct{}{
	CategoryGeneral: {}, CategoryFood: {}, CategoryEvent: {}, CategoryHelp: {},
	CategorySocial: {}, CategoryBusiness: {}, CategoryEducation: {}, CategoryEntertainment: {},
}

// ParseSpotCategory validates a category string. Empty means general.
func ParseSpotCategory(s string) (SpotCategory, error) {
	if s == "" {
		return CategoryGeneral, nil
	}
	c := SpotCategory(strings.ToLower(s))
	if _, ok := spotCategories[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
	}
	return c, nil
}

type SpotVisibility string

const (
	VisibilityPublic  SpotVisibility = "public"
	VisibilityFriends SpotVisibility = "friends"
	VisibilityPrivate SpotVisibility = "private"
)

// ParseSpotVisibility validates a visibility string. Empty means public.
func ParseSpotVisibility(s string) (SpotVisibility, error) {
	switch v := SpotVisibility(strings.ToLower(s)); v {
	case "":
		return VisibilityPublic, nil
	case VisibilityPublic, VisibilityFriends, VisibilityPrivate:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVisibility, s)
	}
}

type SpotStatus string

const (
	SpotStatusActive  SpotStatus = "active"
	SpotStatusPaused  SpotStatus = "paused"
	SpotStatusExpired SpotStatus = "expired"
	SpotStatusRemoved SpotStatus = "removed"
)

// Terminal reports whether no further transition is possible.
func (s SpotStatus) Terminal() bool {
	return s == SpotStatusExpired || s == SpotStatusRemoved
}

// ParseSpotStatus validates a status filter.
func ParseSpotStatus(s string) (SpotStatus, error) {
	switch v := SpotStatus(strings.ToLower(s)); v {
	case SpotStatusActive, SpotStatusPaused, SpotStatusExpired, SpotStatusRemoved:
		return v, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidQuery, s)
	}
}

type InteractionType string

const (
	InteractionView    InteractionType = "view"
	InteractionLike    InteractionType = "like"
	InteractionDislike InteractionType = "dislike"
	InteractionReply   InteractionType = "reply"
	InteractionShare   InteractionType = "share"
	InteractionReport  InteractionType = "report"
)

// ParseInteractionType validates an interaction type.
func ParseInteractionType(s string) (InteractionType, error) {
	switch t := InteractionType(strings.ToLower(s)); t {
	case InteractionView, InteractionLike, InteractionDislike, InteractionReply, InteractionShare, InteractionReport:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidInteraction, s)
	}
}

func (t InteractionType) isReaction() bool {
	return t == InteractionLike || t == InteractionDislike
}
