package domain

import (
	"errors"

	"github.com/signalspot/backend/internal/geo"
)

// Validation errors: caller-fixable, never retried.
var (
	ErrInvalidContent     = errors.New("invalid content")
	ErrInvalidRadius      = errors.New("radius must be between 10 and 10000 meters")
	ErrInvalidDuration    = errors.New("invalid duration")
	ErrInvalidCategory    = errors.New("invalid category")
	ErrInvalidVisibility  = errors.New("invalid visibility")
	ErrInvalidInteraction = errors.New("invalid interaction type")
	ErrInvalidMatchType   = errors.New("invalid match type")
	ErrInvalidQuery       = errors.New("invalid nearby query")
	ErrInvalidCoordinates = geo.ErrInvalidCoordinates
)

// Business-rule violations: terminal for the attempted operation.
var (
	ErrNotOwner                 = errors.New("caller is not the spot owner")
	ErrInactiveSpot             = errors.New("spot is not active")
	ErrSelfInteractionForbidden = errors.New("cannot react to own spot")
	ErrAlreadyReported          = errors.New("spot already reported by this user")
	ErrInvalidTransition        = errors.New("invalid state transition")
	ErrDurationCapExceeded      = errors.New("spot lifetime would exceed 168 hours")
	ErrDailyLimitExceeded       = errors.New("daily limit exceeded")
	ErrSelfMatch                = errors.New("cannot match a user with themselves")
	ErrTooClose                 = errors.New("users are closer than the match band allows")
	ErrTooFar                   = errors.New("users are farther than the match band allows")
	ErrCooldownActive           = errors.New("pair is in cooldown")
	ErrDuplicateActiveSpark     = errors.New("pair already has an active spark")
	ErrNotParticipant           = errors.New("caller is not a spark participant")
	ErrAlreadyResolved          = errors.New("spark already resolved")
	ErrSparkExpired             = errors.New("spark has expired")
)

// Lookup errors.
var (
	ErrSpotNotFound     = errors.New("spot not found")
	ErrSparkNotFound    = errors.New("spark not found")
	ErrLocationNotFound = errors.New("location not found")
)

// Transient infrastructure errors: safe to retry with backoff.
var (
	ErrStoreTimeout           = errors.New("store call timed out")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// ErrorKind groups errors by how callers should react to them.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindBusinessRule
	KindNotFound
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBusinessRule:
		return "business_rule"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

var errorKinds = map[ErrorKind][]error{
	KindValidation: {
		ErrInvalidContent, ErrInvalidRadius, ErrInvalidDuration, ErrInvalidCategory,
		ErrInvalidVisibility, ErrInvalidInteraction, ErrInvalidMatchType, ErrInvalidQuery,
		ErrInvalidCoordinates,
	},
	KindBusinessRule: {
		ErrNotOwner, ErrInactiveSpot, ErrSelfInteractionForbidden, ErrAlreadyReported,
		ErrInvalidTransition, ErrDurationCapExceeded, ErrDailyLimitExceeded, ErrSelfMatch,
		ErrTooClose, ErrTooFar, ErrCooldownActive, ErrDuplicateActiveSpark, ErrNotParticipant,
		ErrAlreadyResolved, ErrSparkExpired,
	},
	KindNotFound:  {ErrSpotNotFound, ErrSparkNotFound, ErrLocationNotFound},
	KindTransient: {ErrStoreTimeout, ErrConcurrentModification},
}

// KindOf classifies err. Wrapped errors are unwrapped with errors.Is.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for kind, sentinels := range errorKinds {
		for _, s := range sentinels {
			if errors.Is(err, s) {
				return kind
			}
		}
	}
	return KindUnknown
}

// IsRetryable reports whether the operation may be retried as-is.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// isBenignDetection reports errors the detector swallows.
func isBenignDetection(err error) bool {
	return errors.Is(err, ErrCooldownActive) || errors.Is(err, ErrDuplicateActiveSpark)
}
