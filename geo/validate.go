// Package geo holds the input checks applied to inbound location updates:
// coordinate validation and per-connection rate limiting.
package geo

import "math"

const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
)

// Valid reports whether a coordinate pair is usable. Both values must be
// finite and within range; NaN and infinities are rejected because they
// survive JSON float decoding in some clients and would poison the registry.
func Valid(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsInf(lat, 0) {
		return false
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) {
		return false
	}
	if lat < MinLatitude || lat > MaxLatitude {
		return false
	}
	if lon < MinLongitude || lon > MaxLongitude {
		return false
	}
	return true
}
