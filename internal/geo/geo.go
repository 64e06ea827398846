// Package geo provides great-circle distance and bounding-box helpers for map viewport queries.
package geo

import (
	"errors"
	"fmt"
	"math"
)

const (
	// EarthRadiusKm is the mean Earth radius used by HaversineKm.
	EarthRadiusKm = 6371.0
	// MinRadiusKm and MaxRadiusKm bound the accepted search radius.
	MinRadiusKm = 0.1
	MaxRadiusKm = 1000.0
	// DefaultRadiusKm applies when a caller omits the radius.
	DefaultRadiusKm = 10.0

	kmPerDegree    = 111.0
	boxEpsilonDeg  = 1e-9
	fullCircleDeg  = 360.0
	halfCircleDeg  = 180.0
	quarterCircDeg = 90.0
)

var (
	// ErrRadiusOutOfRange indicates a radius outside [MinRadiusKm, MaxRadiusKm].
	ErrRadiusOutOfRange = errors.New("geo: radius out of range")
	// ErrInvalidCoordinate indicates a latitude or longitude outside its domain.
	ErrInvalidCoordinate = errors.New("geo: invalid coordinate")
)

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Latitude  float64
	Longitude float64
}

// NewPoint validates the coordinate ranges and returns a Point.
func NewPoint(latitude, longitude float64) (Point, error) {
	if math.IsNaN(latitude) || latitude < -quarterCircDeg || latitude > quarterCircDeg {
		return Point{}, fmt.Errorf("%w: latitude %v", ErrInvalidCoordinate, latitude)
	}
	if math.IsNaN(longitude) || longitude < -halfCircleDeg || longitude > halfCircleDeg {
		return Point{}, fmt.Errorf("%w: longitude %v", ErrInvalidCoordinate, longitude)
	}
	return Point{Latitude: latitude, Longitude: longitude}, nil
}

// ValidateRadius rejects radii outside the supported search domain.
func ValidateRadius(radiusKm float64) error {
	if math.IsNaN(radiusKm) || radiusKm < MinRadiusKm || radiusKm > MaxRadiusKm {
		return fmt.Errorf("%w: %v km", ErrRadiusOutOfRange, radiusKm)
	}
	return nil
}

// HaversineKm returns the great-circle distance between two points in kilometers.
func HaversineKm(from, to Point) float64 {
	fromLat := toRadians(from.Latitude)
	toLat := toRadians(to.Latitude)
	deltaLat := toRadians(to.Latitude - from.Latitude)
	deltaLon := toRadians(to.Longitude - from.Longitude)

	sinLat := math.Sin(deltaLat / 2)
	sinLon := math.Sin(deltaLon / 2)
	h := sinLat*sinLat + math.Cos(fromLat)*math.Cos(toLat)*sinLon*sinLon
	return 2 * EarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// BoundingBox is a rectangular over-approximation of a search circle.
type BoundingBox struct {
	center       Point
	latDelta     float64
	lonDelta     float64
	unboundedLon bool
}

// NewBoundingBox builds the pre-filter box for a circle of radiusKm around center.
//
// The box uses latDelta = r/111 and lonDelta = r/(111·cos φ). When the exact spherical
// longitude extent is wider (large radii at high latitudes) the box is widened to it, and a
// circle that reaches a pole leaves longitude unbounded, so no in-radius point is ever excluded.
func NewBoundingBox(center Point, radiusKm float64) BoundingBox {
	latDelta := radiusKm / kmPerDegree
	box := BoundingBox{center: center, latDelta: latDelta + boxEpsilonDeg}

	if center.Latitude+latDelta >= quarterCircDeg || center.Latitude-latDelta <= -quarterCircDeg {
		box.unboundedLon = true
		return box
	}

	cosLat := math.Cos(toRadians(center.Latitude))
	angular := math.Sin(radiusKm / EarthRadiusKm)
	if cosLat <= 0 || angular >= cosLat {
		box.unboundedLon = true
		return box
	}

	approx := radiusKm / (kmPerDegree * cosLat)
	exact := toDegrees(math.Asin(angular / cosLat))
	lonDelta := math.Max(approx, exact)
	if lonDelta >= halfCircleDeg {
		box.unboundedLon = true
		return box
	}
	box.lonDelta = lonDelta + boxEpsilonDeg
	return box
}

// Contains reports whether the point lies inside the box. Longitude is compared across the
// antimeridian.
func (b BoundingBox) Contains(point Point) bool {
	if point.Latitude < b.center.Latitude-b.latDelta || point.Latitude > b.center.Latitude+b.latDelta {
		return false
	}
	if b.unboundedLon {
		return true
	}
	return math.Abs(normalizeLongitude(point.Longitude-b.center.Longitude)) <= b.lonDelta
}

// LatitudeRange returns the inclusive latitude bounds of the box.
func (b BoundingBox) LatitudeRange() (float64, float64) {
	return b.center.Latitude - b.latDelta, b.center.Latitude + b.latDelta
}

// LongitudeRange returns the longitude bounds of the box and whether they apply at all.
// Bounds may fall outside [-180, 180] when the box straddles the antimeridian.
func (b BoundingBox) LongitudeRange() (float64, float64, bool) {
	if b.unboundedLon {
		return -halfCircleDeg, halfCircleDeg, false
	}
	return b.center.Longitude - b.lonDelta, b.center.Longitude + b.lonDelta, true
}

func normalizeLongitude(delta float64) float64 {
	wrapped := math.Mod(delta+halfCircleDeg, fullCircleDeg)
	if wrapped < 0 {
		wrapped += fullCircleDeg
	}
	return wrapped - halfCircleDeg
}

func toRadians(degrees float64) float64 {
	return degrees * math.Pi / halfCircleDeg
}

func toDegrees(radians float64) float64 {
	return radians * halfCircleDeg / math.Pi
}
