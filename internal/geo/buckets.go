package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// Point is a (lat, lng) pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Radius is a distance with its unit.
type Radius struct {
	Value float64 `json:"value"`
	Unit  Unit    `json:"unit"`
}

// Bounds is the axis-aligned bounding box of a bucket's members.
type Bounds struct {
	NE Point `json:"ne"`
	SW Point `json:"sw"`
}

// Bucket is one geo cluster: center, covering radius, bounds and members.
type Bucket struct {
	ID           string  `json:"id"`
	Center       Point   `json:"center"`
	Radius       Radius  `json:"radius"`
	Bounds       *Bounds `json:"bounds,omitempty"`
	LocationName string  `json:"locationName,omitempty"`
	MemberCount  int     `json:"memberCount"`
}

// BucketBuildOptions tunes the builder. Zero values take the table config.
type BucketBuildOptions struct {
	TargetBucketSize int
	GridSizeKm       float64
	MinBucketSize    int
}

// BucketBuildReport summarizes a build.
type BucketBuildReport struct {
	Buckets        int
	MembersTotal   int
	SkippedMembers int
	Duration       time.Duration
}

const (
	kmeansMaxIterations = 20
	kmeansConvergence   = 1e-4 // degrees, per centroid axis
	degreesPerKm        = 1.0 / 111.0
	radiusBuffer        = 1.1
)

type member struct {
	id       string
	lat, lng float64
	name     string
}

// BuildBuckets partitions every indexed document into a lat/lng grid, runs
// k-means inside oversized cells, and atomically replaces the stored
// buckets with the result.
func (e *Engine) BuildBuckets(ctx context.Context, opts BucketBuildOptions) (*BucketBuildReport, error) {
	start := time.Now()
	if opts.TargetBucketSize <= 0 {
		opts.TargetBucketSize = e.cfg.TargetBucketSize
	}
	if opts.GridSizeKm <= 0 {
		opts.GridSizeKm = e.cfg.GridSizeKm
	}
	if opts.MinBucketSize <= 0 {
		opts.MinBucketSize = e.cfg.MinBucketSize
	}

	members, skipped, err := e.enumerateMembers(ctx)
	if err != nil {
		return nil, err
	}

	cellDeg := opts.GridSizeKm * degreesPerKm
	cells := make(map[[2]int][]member)
	for _, m := range members {
		key := [2]int{int(math.Floor(m.lat / cellDeg)), int(math.Floor(m.lng / cellDeg))}
		cells[key] = append(cells[key], m)
	}

	var buckets []Bucket
	memberSets := make(map[string][]string)
	seq := 0
	for _, cell := range cells {
		if len(cell) < opts.MinBucketSize {
			continue
		}
		var clusters [][]member
		if len(cell) <= 3*opts.TargetBucketSize {
			clusters = [][]member{cell}
		} else {
			k := (len(cell) + opts.TargetBucketSize - 1) / opts.TargetBucketSize
			clusters = kmeans(cell, k)
		}
		for _, cluster := range clusters {
			if len(cluster) < opts.MinBucketSize {
				continue
			}
			seq++
			bucket := summarize(fmt.Sprintf("auto-%d", seq), cluster)
			buckets = append(buckets, bucket)
			ids := make([]string, len(cluster))
			for i, m := range cluster {
				ids[i] = m.id
			}
			memberSets[bucket.ID] = ids
		}
	}

	if err := e.replaceBuckets(ctx, buckets, memberSets); err != nil {
		return nil, err
	}

	report := &BucketBuildReport{
		Buckets:        len(buckets),
		SkippedMembers: skipped,
		Duration:       time.Since(start),
	}
	for _, ids := range memberSets {
		report.MembersTotal += len(ids)
	}
	e.log.Info("geo buckets rebuilt",
		zap.String("table", e.table),
		zap.Int("buckets", report.Buckets),
		zap.Int("members", report.MembersTotal),
		zap.Duration("took", report.Duration))
	return report, nil
}

// enumerateMembers reads every (id, lat, lng, locationName) from the index.
// Coordinates come from GEOPOS in bounded batches; non-finite positions are
// skipped.
func (e *Engine) enumerateMembers(ctx context.Context) ([]member, int, error) {
	ids, err := e.store.Client().ZRange(ctx, e.mainKey(), 0, -1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("geo: enumerating members: %w", err)
	}

	var (
		members []member
		skipped int
	)
	const batch = 100
	for start := 0; start < len(ids); start += batch {
		end := start + batch
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		positions, err := e.store.Client().GeoPos(ctx, e.mainKey(), chunk...).Result()
		if err != nil {
			return nil, 0, fmt.Errorf("geo: reading positions: %w", err)
		}
		for i, pos := range positions {
			if pos == nil || math.IsNaN(pos.Latitude) || math.IsInf(pos.Latitude, 0) ||
				math.IsNaN(pos.Longitude) || math.IsInf(pos.Longitude, 0) {
				skipped++
				continue
			}
			m := member{id: chunk[i], lat: pos.Latitude, lng: pos.Longitude}
			if doc, err := e.GetDocument(ctx, chunk[i]); err == nil {
				m.name = doc.LocationName
			}
			members = append(members, m)
		}
	}
	return members, skipped, nil
}

// kmeans clusters the cell's members into k groups. Iteration is capped at
// 20 rounds; a round converges when no centroid moves more than 1e-4
// degrees on either axis. Clusters left empty by an assignment round keep
// their previous centroid.
func kmeans(points []member, k int) [][]member {
	if k <= 1 || len(points) <= k {
		return [][]member{points}
	}

	centroids := make([]Point, k)
	stride := len(points) / k
	for i := 0; i < k; i++ {
		p := points[i*stride]
		centroids[i] = Point{Lat: p.lat, Lng: p.lng}
	}

	assignments := make([]int, len(points))
	for iter := 0; iter < kmeansMaxIterations; iter++ {
		for i, p := range points {
			best := 0
			bestDist := math.MaxFloat64
			for c, centroid := range centroids {
				d := sq(p.lat-centroid.Lat) + sq(p.lng-centroid.Lng)
				if d < bestDist {
					bestDist = d
					best = c
				}
			}
			assignments[i] = best
		}

		converged := true
		for c := range centroids {
			var latSum, lngSum float64
			count := 0
			for i, p := range points {
				if assignments[i] == c {
					latSum += p.lat
					lngSum += p.lng
					count++
				}
			}
			if count == 0 {
				continue // empty cluster keeps its centroid
			}
			next := Point{Lat: latSum / float64(count), Lng: lngSum / float64(count)}
			if math.Abs(next.Lat-centroids[c].Lat) > kmeansConvergence ||
				math.Abs(next.Lng-centroids[c].Lng) > kmeansConvergence {
				converged = false
			}
			centroids[c] = next
		}
		if converged {
			break
		}
	}

	clusters := make([][]member, k)
	for i, p := range points {
		clusters[assignments[i]] = append(clusters[assignments[i]], p)
	}
	var out [][]member
	for _, cluster := range clusters {
		if len(cluster) > 0 {
			out = append(out, cluster)
		}
	}
	return out
}

// summarize derives a bucket record from its members: mean center, max
// member distance with a 10% buffer as radius, bounding box, and the most
// frequent non-empty location name (first encountered wins ties).
func summarize(id string, cluster []member) Bucket {
	var latSum, lngSum float64
	bounds := Bounds{
		NE: Point{Lat: -math.MaxFloat64, Lng: -math.MaxFloat64},
		SW: Point{Lat: math.MaxFloat64, Lng: math.MaxFloat64},
	}
	nameCounts := make(map[string]int)
	nameOrder := make([]string, 0)
	for _, m := range cluster {
		latSum += m.lat
		lngSum += m.lng
		bounds.NE.Lat = math.Max(bounds.NE.Lat, m.lat)
		bounds.NE.Lng = math.Max(bounds.NE.Lng, m.lng)
		bounds.SW.Lat = math.Min(bounds.SW.Lat, m.lat)
		bounds.SW.Lng = math.Min(bounds.SW.Lng, m.lng)
		if m.name != "" {
			if nameCounts[m.name] == 0 {
				nameOrder = append(nameOrder, m.name)
			}
			nameCounts[m.name]++
		}
	}
	center := Point{Lat: latSum / float64(len(cluster)), Lng: lngSum / float64(len(cluster))}

	var maxKm float64
	for _, m := range cluster {
		if d := DistanceKm(center.Lat, center.Lng, m.lat, m.lng); d > maxKm {
			maxKm = d
		}
	}

	bestName := ""
	bestCount := 0
	for _, name := range nameOrder {
		if nameCounts[name] > bestCount {
			bestCount = nameCounts[name]
			bestName = name
		}
	}

	return Bucket{
		ID:           id,
		Center:       center,
		Radius:       Radius{Value: maxKm * radiusBuffer, Unit: UnitKilometers},
		Bounds:       &bounds,
		LocationName: bestName,
		MemberCount:  len(cluster),
	}
}

// replaceBuckets atomically swaps the stored buckets: prior bucket keys are
// enumerated with SCAN and batch-deleted, then the new member sets and
// metadata records are written through pipelines.
func (e *Engine) replaceBuckets(ctx context.Context, buckets []Bucket, memberSets map[string][]string) error {
	for _, pattern := range []string{
		fmt.Sprintf("%s:geo:%s:bucket:*", e.prefix, e.table),
		fmt.Sprintf("%s:geo:%s:bucket-data:*", e.prefix, e.table),
	} {
		if _, err := e.store.DeletePattern(ctx, pattern); err != nil {
			return fmt.Errorf("geo: clearing prior buckets: %w", err)
		}
	}

	pipe := e.store.Client().Pipeline()
	for _, bucket := range buckets {
		meta, err := json.Marshal(bucket)
		if err != nil {
			return fmt.Errorf("geo: marshaling bucket %s: %w", bucket.ID, err)
		}
		pipe.Set(ctx, e.bucketDataKey(bucket.ID), meta, 0)
		ids := memberSets[bucket.ID]
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		pipe.SAdd(ctx, e.bucketKey(bucket.ID), args...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("geo: writing buckets: %w", err)
	}
	return nil
}

func sq(v float64) float64 { return v * v }
