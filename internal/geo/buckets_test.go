package geo

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relcache/relcache/internal/config"
)

// Three tight clusters of five points each, hundreds of km apart.
func clusteredDocs() []Doc {
	centers := []struct {
		name     string
		lat, lng float64
	}{
		{"New York", 40.7128, -74.0060},
		{"Boston", 42.3601, -71.0589},
		{"Washington", 38.9072, -77.0369},
	}
	var docs []Doc
	for ci, center := range centers {
		for i := 0; i < 5; i++ {
			docs = append(docs, Doc{
				ID:           fmt.Sprintf("c%d-%d", ci, i),
				Lat:          center.lat + float64(i)*0.002,
				Lng:          center.lng + float64(i)*0.002,
				LocationName: center.name,
			})
		}
	}
	return docs
}

func TestBuildBucketsClustersByProximity(t *testing.T) {
	e, _ := newTestEngine(t, config.GeoTableConfig{
		TargetBucketSize: 100,
		GridSizeKm:       50,
		MinBucketSize:    3,
	})
	indexAll(t, e, clusteredDocs())

	report, err := e.BuildBuckets(context.Background(), BucketBuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Buckets)
	assert.Equal(t, 15, report.MembersTotal)
	assert.Zero(t, report.SkippedMembers)
}

func TestBuildBucketsDropsSmallCells(t *testing.T) {
	e, _ := newTestEngine(t, config.GeoTableConfig{
		TargetBucketSize: 100,
		GridSizeKm:       50,
		MinBucketSize:    3,
	})
	docs := clusteredDocs()
	// A lone outlier below minBucketSize never becomes a bucket.
	docs = append(docs, Doc{ID: "lonely", Lat: 25.7617, Lng: -80.1918})
	indexAll(t, e, docs)

	report, err := e.BuildBuckets(context.Background(), BucketBuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Buckets)
	assert.Equal(t, 15, report.MembersTotal)
}

func TestBucketMetadataShape(t *testing.T) {
	e, _ := newTestEngine(t, config.GeoTableConfig{
		TargetBucketSize: 100,
		GridSizeKm:       50,
		MinBucketSize:    3,
	})
	indexAll(t, e, clusteredDocs())
	_, err := e.BuildBuckets(context.Background(), BucketBuildOptions{})
	require.NoError(t, err)

	// Find the bucket covering the New York cluster via bucket search.
	for i := 1; i <= 3; i++ {
		meta, err := e.BucketMetadata(context.Background(), fmt.Sprintf("auto-%d", i))
		require.NoError(t, err)
		assert.Equal(t, 5, meta.MemberCount)
		assert.Equal(t, UnitKilometers, meta.Radius.Unit)
		assert.Positive(t, meta.Radius.Value)
		require.NotNil(t, meta.Bounds)
		assert.GreaterOrEqual(t, meta.Bounds.NE.Lat, meta.Bounds.SW.Lat)
		assert.NotEmpty(t, meta.LocationName)
	}
}

func TestBucketRadiusCoversAllMembers(t *testing.T) {
	e, _ := newTestEngine(t, config.GeoTableConfig{
		TargetBucketSize: 100,
		GridSizeKm:       50,
		MinBucketSize:    3,
	})
	indexAll(t, e, clusteredDocs())
	_, err := e.BuildBuckets(context.Background(), BucketBuildOptions{})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		meta, err := e.BucketMetadata(context.Background(), fmt.Sprintf("auto-%d", i))
		require.NoError(t, err)

		hits, err := e.SearchByBucket(context.Background(), meta.ID, 0)
		require.NoError(t, err)
		// The 10% radius buffer keeps every member searchable from the center.
		assert.GreaterOrEqual(t, len(hits), meta.MemberCount)
	}
}

func TestRebuildReplacesPriorBuckets(t *testing.T) {
	e, _ := newTestEngine(t, config.GeoTableConfig{
		TargetBucketSize: 100,
		GridSizeKm:       50,
		MinBucketSize:    3,
	})
	indexAll(t, e, clusteredDocs())

	_, err := e.BuildBuckets(context.Background(), BucketBuildOptions{})
	require.NoError(t, err)
	report, err := e.BuildBuckets(context.Background(), BucketBuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Buckets)

	// Bucket ids restart at auto-1; no stale auto-4+ records survive.
	_, err = e.BucketMetadata(context.Background(), "auto-4")
	assert.ErrorIs(t, err, ErrBucketNotFound)
}

func TestKMeansSplitsOversizedCells(t *testing.T) {
	// 40 points in one grid cell with a target of 10 forces k-means with
	// k=4 inside the cell.
	var docs []Doc
	for i := 0; i < 40; i++ {
		docs = append(docs, Doc{
			ID:  fmt.Sprintf("p%d", i),
			Lat: 40.70 + float64(i%4)*0.02,
			Lng: -74.00 + float64(i/4)*0.002,
		})
	}
	e, _ := newTestEngine(t, config.GeoTableConfig{
		TargetBucketSize: 10,
		GridSizeKm:       50,
		MinBucketSize:    3,
	})
	indexAll(t, e, docs)

	report, err := e.BuildBuckets(context.Background(), BucketBuildOptions{})
	require.NoError(t, err)
	assert.Greater(t, report.Buckets, 1)
	assert.Equal(t, 40, report.MembersTotal)
}

func TestKMeansDirect(t *testing.T) {
	points := make([]member, 0, 20)
	for i := 0; i < 10; i++ {
		points = append(points, member{id: fmt.Sprintf("a%d", i), lat: 10 + float64(i)*0.001, lng: 10})
		points = append(points, member{id: fmt.Sprintf("b%d", i), lat: 50 + float64(i)*0.001, lng: 50})
	}
	clusters := kmeans(points, 2)
	require.Len(t, clusters, 2)
	assert.Len(t, clusters[0], 10)
	assert.Len(t, clusters[1], 10)
}

func TestSummarize(t *testing.T) {
	cluster := []member{
		{id: "1", lat: 40.0, lng: -74.0, name: "New York"},
		{id: "2", lat: 40.2, lng: -74.0, name: "New York"},
		{id: "3", lat: 40.1, lng: -74.2, name: "Jersey"},
	}
	b := summarize("auto-1", cluster)
	assert.Equal(t, "auto-1", b.ID)
	assert.InDelta(t, 40.1, b.Center.Lat, 1e-9)
	assert.Equal(t, "New York", b.LocationName)
	assert.Equal(t, 3, b.MemberCount)

	// Radius is the max member distance with the 10% buffer.
	maxKm := DistanceKm(b.Center.Lat, b.Center.Lng, 40.1, -74.2)
	assert.InDelta(t, maxKm*1.1, b.Radius.Value, 0.5)
}
