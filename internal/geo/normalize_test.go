package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relcache/relcache/internal/config"
)

func TestFold(t *testing.T) {
	assert.Equal(t, "new york", Fold("  New   York!  "))
	assert.Equal(t, "st louis", Fold("St. Louis"))
	assert.Equal(t, "", Fold("!!!"))

	// Folding is idempotent.
	assert.Equal(t, Fold("San-Francisco"), Fold(Fold("San-Francisco")))
}

func TestNormalizeDirect(t *testing.T) {
	n := NewNormalizer(nil, 0.8)
	place := n.Normalize("New York")
	assert.Equal(t, "new york", place.Canonical)
	assert.True(t, place.HasCoords)
	assert.InDelta(t, 40.7128, place.Lat, 0.01)
	assert.NotEmpty(t, place.BucketID)
}

func TestNormalizeAlias(t *testing.T) {
	n := NewNormalizer(nil, 0.8)
	assert.Equal(t, n.Normalize("New York"), n.Normalize("NYC"))
	assert.Equal(t, n.Normalize("San Francisco"), n.Normalize("SF"))
	assert.Equal(t, n.Normalize("Los Angeles"), n.Normalize("LA"))
}

func TestNormalizeFuzzy(t *testing.T) {
	n := NewNormalizer(nil, 0.8)
	// A trailing typo still resolves through the bigram Dice match.
	assert.Equal(t, "new york", n.Normalize("New Yorkk").Canonical)
	assert.Equal(t, "chicago", n.Normalize("Chicagoo").Canonical)
}

func TestNormalizeUnknownEchoesInput(t *testing.T) {
	n := NewNormalizer(nil, 0.8)
	place := n.Normalize("Xyzzyville Heights")
	assert.Equal(t, "xyzzyville heights", place.Canonical)
	assert.False(t, place.HasCoords)
	assert.Empty(t, place.BucketID)
}

func TestNormalizeIdempotent(t *testing.T) {
	n := NewNormalizer(nil, 0.8)
	first := n.Normalize("nyc")
	assert.Equal(t, first, n.Normalize(first.Canonical))
}

func TestUserMappingsOverrideBuiltins(t *testing.T) {
	n := NewNormalizer([]config.LocationMapping{{
		Canonical: "New York",
		Aliases:   []string{"gotham"},
		Latitude:  40.0,
		Longitude: -74.0,
		BucketID:  "bucket:custom:ny",
	}}, 0.8)

	place := n.Normalize("gotham")
	assert.Equal(t, "New York", place.Canonical)
	assert.Equal(t, "bucket:custom:ny", place.BucketID)
	assert.InDelta(t, 40.0, place.Lat, 1e-9)
}

func TestThresholdControlsFuzzyMatching(t *testing.T) {
	strict := NewNormalizer(nil, 0.99)
	// At a near-exact threshold the typo no longer resolves.
	assert.Equal(t, "new yorkk", strict.Normalize("New Yorkk").Canonical)
}
