package relcache

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relcache/relcache/internal/config"
	"github.com/relcache/relcache/internal/geo"
)

func newGeoFixture(t *testing.T) *clientFixture {
	t.Helper()
	return newClientFixture(t, func(c *config.Config) {
		c.Search.Geo = map[string]config.GeoTableConfig{
			"stores": {
				LatitudeField:     "lat",
				LongitudeField:    "lng",
				LocationNameField: "city",
			},
		}
	})
}

func (f *clientFixture) buildStoresIndex(t *testing.T) *Table {
	t.Helper()
	f.mock.ExpectQuery("SELECT * FROM `stores`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "lat", "lng", "city"}).
			AddRow(int64(1), "Midtown", 40.7549, -73.9840, "New York").
			AddRow(int64(2), "Village", 40.7336, -74.0027, "New York").
			AddRow(int64(3), "Uptown", 40.7812, -73.9665, "New York").
			AddRow(int64(4), "No coords", nil, nil, "New York"))

	stores := f.table(t, "stores")
	report, err := stores.BuildGeoIndex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Indexed)
	assert.Equal(t, 1, report.Skipped)
	return stores
}

func TestGeoUnconfiguredTable(t *testing.T) {
	f := newGeoFixture(t)
	users := f.table(t, "users")

	_, err := users.GeoSearch(context.Background(), 40.7, -74.0, 10, geo.RadiusOptions{})
	assert.ErrorIs(t, err, ErrNoGeoIndex)
	_, err = users.BuildGeoIndex(context.Background())
	assert.ErrorIs(t, err, ErrNoGeoIndex)
	_, err = users.NormalizeLocation("NYC")
	assert.ErrorIs(t, err, ErrNoGeoIndex)
}

func TestGeoSearchRadius(t *testing.T) {
	f := newGeoFixture(t)
	stores := f.buildStoresIndex(t)

	hits, err := stores.GeoSearch(context.Background(), 40.7484, -73.9857, 5, geo.RadiusOptions{
		Unit:            geo.UnitKilometers,
		SortByDistance:  true,
		IncludeDistance: true,
	})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	// Midtown is closest to the Empire State Building, Uptown farthest.
	assert.Equal(t, "1", hits[0].Doc.ID)
	assert.Equal(t, "2", hits[1].Doc.ID)
	assert.Equal(t, "3", hits[2].Doc.ID)
	assert.Less(t, hits[0].Distance, hits[2].Distance)
}

func TestGeoSearchDefaultRadius(t *testing.T) {
	f := newGeoFixture(t)
	stores := f.buildStoresIndex(t)

	// Zero radius falls back to the configured default of 10 km.
	hits, err := stores.GeoSearch(context.Background(), 40.7484, -73.9857, 0, geo.RadiusOptions{})
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

func TestGeoSearchByLocationName(t *testing.T) {
	f := newGeoFixture(t)
	stores := f.buildStoresIndex(t)

	hits, err := stores.GeoSearchByLocation(context.Background(), "NYC", 20, geo.RadiusOptions{})
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	_, err = stores.GeoSearchByLocation(context.Background(), "atlantis", 20, geo.RadiusOptions{})
	assert.ErrorIs(t, err, geo.ErrUnknownLocation)
}

func TestGeoBuckets(t *testing.T) {
	f := newGeoFixture(t)
	stores := f.buildStoresIndex(t)
	ctx := context.Background()

	report, err := stores.BuildGeoBuckets(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Buckets)
	assert.Equal(t, 3, report.MembersTotal)

	bucket, err := stores.GeoBucketMetadata(ctx, "auto-1")
	require.NoError(t, err)
	assert.Equal(t, 3, bucket.MemberCount)

	hits, err := stores.GeoSearchByBucket(ctx, "auto-1", 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(hits), 3)
}

func TestNormalizeLocation(t *testing.T) {
	f := newGeoFixture(t)
	stores := f.table(t, "stores")

	place, err := stores.NormalizeLocation("NYC")
	require.NoError(t, err)
	assert.Equal(t, "new york", place.Canonical)
	assert.True(t, place.HasCoords)
	assert.Equal(t, "bucket:us:new-york", place.BucketID)
}
