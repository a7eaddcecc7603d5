package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean earth radius used for all distance math.
const EarthRadiusMeters = 6371000.0

var ErrInvalidCoordinates = errors.New("invalid coordinates")

// Coordinates is an immutable WGS84 point.
type Coordinates struct {
	lat float64
	lng float64
}

// NewCoordinates validates latitude and longitude ranges.
func NewCoordinates(lat, lng float64) (Coordinates, error) {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return Coordinates{}, fmt.Errorf("%w: NaN", ErrInvalidCoordinates)
	}
	if lat < -90 || lat > 90 {
		return Coordinates{}, fmt.Errorf("%w: latitude %f out of range", ErrInvalidCoordinates, lat)
	}
	if lng < -180 || lng > 180 {
		return Coordinates{}, fmt.Errorf("%w: longitude %f out of range", ErrInvalidCoordinates, lng)
	}
	return Coordinates{lat: lat, lng: lng}, nil
}

// MustCoordinates panics on invalid input. Intended for constants and tests.
func MustCoordinates(lat, lng float64) Coordinates {
	c, err := NewCoordinates(lat, lng)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Coordinates) Latitude() float64 { return c.lat }
func (c Coordinates) Longitude() float64 { return c.lng }

// LatLng returns the s2 representation of the point.
func (c Coordinates) LatLng() s2.LatLng {
	return s2.LatLngFromDegrees(c.lat, c.lng)
}

// DistanceTo returns the great-circle (haversine) distance in meters.
func (c Coordinates) DistanceTo(other Coordinates) float64 {
	return c.LatLng().Distance(other.LatLng()).Radians() * EarthRadiusMeters
}

// Within reports whether other lies within radiusMeters of c.
func (c Coordinates) Within(other Coordinates, radiusMeters float64) bool {
	return c.DistanceTo(other) <= radiusMeters
}

// Midpoint returns the point halfway along the great circle between c and other.
func (c Coordinates) Midpoint(other Coordinates) Coordinates {
	mid := s2.Interpolate(0.5, s2.PointFromLatLng(c.LatLng()), s2.PointFromLatLng(other.LatLng()))
	ll := s2.LatLngFromPoint(mid)
	return Coordinates{lat: ll.Lat.Degrees(), lng: ll.Lng.Degrees()}
}

func (c Coordinates) String() string {
	return fmt.Sprintf("(%.6f,%.6f)", c.lat, c.lng)
}

// MetersToAngle converts a surface distance to the central angle used by s2 caps.
func MetersToAngle(meters float64) s1.Angle {
	return s1.Angle(meters / EarthRadiusMeters)
}
