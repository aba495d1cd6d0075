package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnitConversions(t *testing.T) {
	assert.InDelta(t, 1000, ToMeters(1, UnitKilometers), 1e-9)
	assert.InDelta(t, 1609.344, ToMeters(1, UnitMiles), 1e-9)
	assert.InDelta(t, 5, ToMeters(5, UnitMeters), 1e-9)
	// Unknown units default to kilometers.
	assert.InDelta(t, 2000, ToMeters(2, Unit("furlongs")), 1e-9)

	assert.InDelta(t, 1, FromMeters(1609.344, UnitMiles), 1e-9)
	assert.InDelta(t, 2.5, FromMeters(2500, UnitKilometers), 1e-9)
}

func TestDistanceKm(t *testing.T) {
	// New York to Los Angeles is roughly 3940 km.
	d := DistanceKm(40.7128, -74.0060, 34.0522, -118.2437)
	assert.InDelta(t, 3940, d, 50)

	assert.Zero(t, DistanceKm(10, 20, 10, 20))
}

func TestValidCoords(t *testing.T) {
	assert.True(t, ValidCoords(0, 0))
	assert.True(t, ValidCoords(-90, 180))
	assert.False(t, ValidCoords(91, 0))
	assert.False(t, ValidCoords(0, -181))
}
