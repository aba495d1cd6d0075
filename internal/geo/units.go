// Package geo implements location normalization, the coordinate index with
// radius search, and the grid+k-means bucket builder.
package geo

import (
	"github.com/umahmood/haversine"
)

// Unit is a distance unit accepted by the radius search API.
type Unit string

const (
	UnitKilometers Unit = "km"
	UnitMiles      Unit = "mi"
	UnitMeters     Unit = "m"
)

const (
	metersPerKm   = 1000.0
	metersPerMile = 1609.344
)

// ToMeters converts value in unit to meters. Unknown units are treated as
// kilometers, the API default.
func ToMeters(value float64, unit Unit) float64 {
	switch unit {
	case UnitMeters:
		return value
	case UnitMiles:
		return value * metersPerMile
	default:
		return value * metersPerKm
	}
}

// FromMeters converts meters into unit.
func FromMeters(meters float64, unit Unit) float64 {
	switch unit {
	case UnitMeters:
		return meters
	case UnitMiles:
		return meters / metersPerMile
	default:
		return meters / metersPerKm
	}
}

// DistanceKm returns the great-circle distance between two points.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	_, km := haversine.Distance(
		haversine.Coord{Lat: lat1, Lon: lng1},
		haversine.Coord{Lat: lat2, Lon: lng2},
	)
	return km
}

// ValidCoords reports whether (lat, lng) is on the globe.
func ValidCoords(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
