package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relcache/relcache/internal/config"
	"github.com/relcache/relcache/internal/kv"
	"github.com/relcache/relcache/internal/logging"
)

// ErrInvalidCoordinates marks a document whose lat/lng is off the globe.
// Such documents are skipped, never silently indexed.
var ErrInvalidCoordinates = errors.New("geo: invalid coordinates")

// ErrUnknownLocation is returned by SearchByLocationName when the name
// resolves to neither coordinates nor a bucket.
var ErrUnknownLocation = errors.New("geo: unknown location")

// ErrBucketNotFound is returned when a bucket id has no metadata record.
var ErrBucketNotFound = errors.New("geo: bucket not found")

// Doc is one geo-indexed document.
type Doc struct {
	ID           string         `json:"id"`
	Lat          float64        `json:"lat"`
	Lng          float64        `json:"lng"`
	LocationName string         `json:"locationName,omitempty"`
	BucketID     string         `json:"bucketId,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// Hit is one radius-search result.
type Hit struct {
	Doc            Doc
	Distance       float64 // in the requested unit, when IncludeDistance
	HasDistance    bool
	RelevanceScore float64
}

// RadiusOptions tunes a radius search.
type RadiusOptions struct {
	Unit            Unit    // unit of Radius and MaxRange; default km
	MaxRange        float64 // elastic expansion bound, same unit as Radius
	MinResults      int
	Limit           int
	SortByDistance  bool
	IncludeDistance bool
	DistanceBoost   []config.DistanceBoost
}

// Engine is the per-table geo index over the Redis geo structure.
type Engine struct {
	prefix string
	table  string
	cfg    config.GeoTableConfig
	store  *kv.Store
	norm   *Normalizer
	log    *zap.Logger
}

// NewEngine builds the geo engine for one table.
func NewEngine(prefix, table string, cfg config.GeoTableConfig, store *kv.Store, log *zap.Logger) *Engine {
	return &Engine{
		prefix: prefix,
		table:  table,
		cfg:    cfg,
		store:  store,
		norm:   NewNormalizer(cfg.LocationMappings, cfg.FuzzyThreshold),
		log:    logging.Or(log),
	}
}

// Normalizer exposes the engine's location normalizer.
func (e *Engine) Normalizer() *Normalizer { return e.norm }

func (e *Engine) mainKey() string {
	return fmt.Sprintf("%s:geo:%s:main", e.prefix, e.table)
}

func (e *Engine) docKey(id string) string {
	return fmt.Sprintf("%s:geo:%s:doc:%s", e.prefix, e.table, id)
}

func (e *Engine) bucketKey(id string) string {
	return fmt.Sprintf("%s:geo:%s:bucket:%s", e.prefix, e.table, id)
}

func (e *Engine) bucketDataKey(id string) string {
	return fmt.Sprintf("%s:geo:%s:bucket-data:%s", e.prefix, e.table, id)
}

func (e *Engine) locationKey(canonical string) string {
	return fmt.Sprintf("%s:geo:%s:location:%s", e.prefix, e.table, canonical)
}

// IndexDocument validates and indexes one document: coordinates into the
// geo structure, payload at the doc key, bucket membership when known, and
// the location set when auto-normalize is on. All writes go through one
// pipeline so the document is indexed atomically.
func (e *Engine) IndexDocument(ctx context.Context, doc Doc) error {
	if !ValidCoords(doc.Lat, doc.Lng) {
		e.log.Warn("skipping document with invalid coordinates",
			zap.String("table", e.table),
			zap.String("id", doc.ID),
			zap.Float64("lat", doc.Lat),
			zap.Float64("lng", doc.Lng))
		return ErrInvalidCoordinates
	}

	if doc.BucketID == "" && doc.LocationName != "" {
		if place := e.norm.Normalize(doc.LocationName); place.BucketID != "" {
			doc.BucketID = place.BucketID
		}
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("geo: marshaling doc %s: %w", doc.ID, err)
	}

	pipe := e.store.Client().Pipeline()
	pipe.GeoAdd(ctx, e.mainKey(), &redis.GeoLocation{
		Name:      doc.ID,
		Longitude: doc.Lng,
		Latitude:  doc.Lat,
	})
	pipe.Set(ctx, e.docKey(doc.ID), payload, 0)
	if doc.BucketID != "" {
		pipe.SAdd(ctx, e.bucketKey(doc.BucketID), doc.ID)
	}
	if e.cfg.AutoNormalize && doc.LocationName != "" {
		canonical := e.norm.Normalize(doc.LocationName).Canonical
		pipe.SAdd(ctx, e.locationKey(Fold(canonical)), doc.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("geo: indexing doc %s: %w", doc.ID, err)
	}
	return nil
}

// DeleteDocument removes a document from the geo structure and its payload.
func (e *Engine) DeleteDocument(ctx context.Context, id string) error {
	doc, err := e.GetDocument(ctx, id)
	pipe := e.store.Client().Pipeline()
	pipe.ZRem(ctx, e.mainKey(), id)
	pipe.Del(ctx, e.docKey(id))
	if err == nil && doc.BucketID != "" {
		pipe.SRem(ctx, e.bucketKey(doc.BucketID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("geo: deleting doc %s: %w", id, err)
	}
	return nil
}

// GetDocument fetches an indexed payload.
func (e *Engine) GetDocument(ctx context.Context, id string) (Doc, error) {
	raw, err := e.store.Client().Get(ctx, e.docKey(id)).Bytes()
	if err != nil {
		return Doc{}, fmt.Errorf("geo: fetching doc %s: %w", id, err)
	}
	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Doc{}, fmt.Errorf("geo: decoding doc %s: %w", id, err)
	}
	return doc, nil
}

// SearchByRadius finds documents within radius of (lat, lng). When fewer
// than MinResults are found and MaxRange exceeds the radius, the query is
// re-issued at MaxRange and trimmed to the closest MinResults hits; hits
// beyond the original radius carry the expansion penalty on their
// relevance score.
func (e *Engine) SearchByRadius(ctx context.Context, lat, lng, radius float64, opts RadiusOptions) ([]Hit, error) {
	unit := opts.Unit
	if unit == "" {
		unit = UnitKilometers
	}
	radiusMeters := ToMeters(radius, unit)

	locs, err := e.queryRadius(ctx, lat, lng, radiusMeters)
	if err != nil {
		return nil, err
	}

	expanded := false
	searchMeters := radiusMeters
	if opts.MinResults > 0 && len(locs) < opts.MinResults && opts.MaxRange > radius {
		maxMeters := ToMeters(opts.MaxRange, unit)
		locs, err = e.queryRadius(ctx, lat, lng, maxMeters)
		if err != nil {
			return nil, err
		}
		// Expansion exists only to reach MinResults. GEORADIUS returns the
		// hits ascending by distance, so the closest MinResults are a prefix.
		if len(locs) > opts.MinResults {
			locs = locs[:opts.MinResults]
		}
		expanded = true
		searchMeters = maxMeters
	}

	penalty := e.cfg.ExpansionPenalty
	if penalty <= 0 || penalty > 1 {
		penalty = 0.7
	}

	hits := make([]Hit, 0, len(locs))
	for _, loc := range locs {
		doc, err := e.GetDocument(ctx, loc.Name)
		if err != nil {
			e.log.Warn("geo hit without payload", zap.String("id", loc.Name), zap.Error(err))
			continue
		}
		distMeters := loc.Dist // GEORADIUS was asked for meters
		base := 1 - distMeters/searchMeters
		if base < 0 {
			base = 0
		}
		if expanded && distMeters > radiusMeters {
			base *= penalty
		}
		boost := 1.0
		for _, db := range boostsOrDefault(opts.DistanceBoost, e.cfg.DistanceBoost) {
			if distMeters/metersPerKm <= db.WithinKm && db.Boost > boost {
				boost = db.Boost
			}
		}
		hit := Hit{Doc: doc, RelevanceScore: base * boost}
		if opts.IncludeDistance {
			hit.Distance = FromMeters(distMeters, unit)
			hit.HasDistance = true
		}
		hits = append(hits, hit)
	}

	// GEORADIUS already sorts ascending by distance; re-sorting is only
	// needed when the caller wants score order instead.
	if !opts.SortByDistance {
		for i := 1; i < len(hits); i++ {
			for j := i; j > 0 && hits[j].RelevanceScore > hits[j-1].RelevanceScore; j-- {
				hits[j], hits[j-1] = hits[j-1], hits[j]
			}
		}
	}
	if opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}

func (e *Engine) queryRadius(ctx context.Context, lat, lng, radiusMeters float64) ([]redis.GeoLocation, error) {
	locs, err := e.store.Client().GeoRadius(ctx, e.mainKey(), lng, lat, &redis.GeoRadiusQuery{
		Radius:   radiusMeters,
		Unit:     "m",
		WithDist: true,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo: radius query: %w", err)
	}
	return locs, nil
}

// SearchByLocationName normalizes name and searches around its coordinates,
// falling back to its bucket. Neither resolving is an explicit error.
func (e *Engine) SearchByLocationName(ctx context.Context, name string, radius float64, opts RadiusOptions) ([]Hit, error) {
	place := e.norm.Normalize(name)
	if place.HasCoords {
		if radius <= 0 {
			radius = e.cfg.DefaultRadiusKm
			opts.Unit = UnitKilometers
		}
		return e.SearchByRadius(ctx, place.Lat, place.Lng, radius, opts)
	}
	if place.BucketID != "" {
		return e.SearchByBucket(ctx, place.BucketID, opts.Limit)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownLocation, name)
}

// SearchByBucket searches around a bucket's center using its stored radius.
func (e *Engine) SearchByBucket(ctx context.Context, bucketID string, limit int) ([]Hit, error) {
	meta, err := e.BucketMetadata(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	return e.SearchByRadius(ctx, meta.Center.Lat, meta.Center.Lng, meta.Radius.Value, RadiusOptions{
		Unit:            meta.Radius.Unit,
		Limit:           limit,
		SortByDistance:  true,
		IncludeDistance: true,
	})
}

// BucketMetadata fetches a bucket's metadata record.
func (e *Engine) BucketMetadata(ctx context.Context, bucketID string) (*Bucket, error) {
	raw, err := e.store.Client().Get(ctx, e.bucketDataKey(bucketID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, bucketID)
	}
	if err != nil {
		return nil, fmt.Errorf("geo: fetching bucket %s: %w", bucketID, err)
	}
	var meta Bucket
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("geo: decoding bucket %s: %w", bucketID, err)
	}
	return &meta, nil
}

func boostsOrDefault(opts, cfg []config.DistanceBoost) []config.DistanceBoost {
	if len(opts) > 0 {
		return opts
	}
	return cfg
}
