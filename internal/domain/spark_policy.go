package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type MatchType string

const (
	MatchTypeProximity MatchType = "proximity"
	MatchTypeInterest  MatchType = "interest"
	MatchTypeLocation  MatchType = "location"
	MatchTypeActivity  MatchType = "activity"
)

// ParseMatchType validates a match type. Empty means proximity.
func ParseMatchType(s string) (MatchType, error) {
	if s == "" {
		return MatchTypeProximity, nil
	}
	t := MatchType(strings.ToLower(s))
	if _, ok := consentPolicies[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidMatchType, s)
	}
	return t, nil
}

type ConsentPolicy int

const (
	// ConsentMutual requires both participants to accept.
	ConsentMutual ConsentPolicy = iota
	// ConsentUnilateral resolves on the first acceptance.
	ConsentUnilateral
)

type consentRule struct {
	policy   ConsentPolicy
	resolved SparkStatus
}

// consentPolicies is fixed per type. Decline is unilateral for every type.
var consentPolicies = map[MatchType]consentRule{
	MatchTypeProximity: {policy: ConsentMutual, resolved: SparkStatusMatched},
	MatchTypeLocation:  {policy: ConsentMutual, resolved: SparkStatusMatched},
	MatchTypeInterest:  {policy: ConsentMutual, resolved: SparkStatusMatched},
	MatchTypeActivity:  {policy: ConsentUnilateral, resolved: SparkStatusAccepted},
}

// ConsentPolicyFor returns the consent policy of t.
func ConsentPolicyFor(t MatchType) ConsentPolicy {
	return consentPolicies[t].policy
}

// ProximityBand is the inclusive distance range in which a match type may be detected.
type ProximityBand struct {
	MinMeters float64
	MaxMeters float64
}

// ProximityBands maps each match type to its detection band.
type ProximityBands map[MatchType]ProximityBand

// DefaultProximityBands returns the production bands. proximityMeters overrides the
// proximity type's upper bound when positive.
func DefaultProximityBands(proximityMeters float64) ProximityBands {
	bands := ProximityBands{
		MatchTypeProximity: {MinMeters: 0, MaxMeters: 50},
		MatchTypeLocation:  {MinMeters: 0, MaxMeters: 150},
		MatchTypeInterest:  {MinMeters: 50, MaxMeters: 2000},
		MatchTypeActivity:  {MinMeters: 0, MaxMeters: 500},
	}
	if proximityMeters > 0 {
		bands[MatchTypeProximity] = ProximityBand{MinMeters: 0, MaxMeters: proximityMeters}
	}
	return bands
}

// For returns the band for t.
func (b ProximityBands) For(t MatchType) (ProximityBand, error) {
	band, ok := b[t]
	if !ok {
		return ProximityBand{}, fmt.Errorf("%w: no band for %q", ErrInvalidMatchType, t)
	}
	return band, nil
}

// Check classifies distance against the band.
func (b ProximityBand) Check(distance float64) error {
	if distance < b.MinMeters {
		return fmt.Errorf("%w: %.1fm < %.1fm", ErrTooClose, distance, b.MinMeters)
	}
	if distance > b.MaxMeters {
		return fmt.Errorf("%w: %.1fm > %.1fm", ErrTooFar, distance, b.MaxMeters)
	}
	return nil
}

// CooldownRule decides when a pair may get a new spark after the previous one resolved.
type CooldownRule struct {
	Window            time.Duration
	RequireSeparation bool
}

// Check returns nil when a new spark may be created given the pair's latest spark.
func (r CooldownRule) Check(prior *Spark, now time.Time) error {
	if prior == nil {
		return nil
	}
	if prior.IsActive(now) {
		return ErrDuplicateActiveSpark
	}
	if now.Sub(prior.createdAt) < r.Window {
		return fmt.Errorf("%w: available after %s", ErrCooldownActive, prior.createdAt.Add(r.Window).Format(time.RFC3339))
	}
	if r.RequireSeparation && prior.separatedAt == nil {
		return fmt.Errorf("%w: pair has not separated since last spark", ErrCooldownActive)
	}
	return nil
}

const (
	strengthDwellSaturation  = 30 * time.Minute
	strengthSignalSaturation = 5
)

// StrengthScore ranks a spark from 0 to 100. It falls with distance and rises with dwell
// time and shared signals. It never affects state transitions.
func StrengthScore(distance, maxDistance float64, dwell time.Duration, sharedSignals int) int {
	proximity := 1.0
	if maxDistance > 0 {
		proximity = clamp01(1 - distance/maxDistance)
	}
	dwellScore := clamp01(float64(dwell) / float64(strengthDwellSaturation))
	overlap := clamp01(float64(sharedSignals) / strengthSignalSaturation)

	score := 60*proximity + 25*dwellScore + 15*overlap
	return int(math.Round(math.Max(0, math.Min(100, score))))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
