package relcache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/relcache/relcache/internal/geo"
	"github.com/relcache/relcache/internal/search"
)

// ErrNoGeoIndex is returned when a geo operation targets a table without a
// geo configuration.
var ErrNoGeoIndex = errors.New("relcache: table has no geo index")

// GeoBuildReport summarizes a geo index build.
type GeoBuildReport struct {
	Indexed int
	Skipped int
}

func (t *Table) geoEngine() (*geo.Engine, error) {
	eng, ok := t.client.geos[t.name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoGeoIndex, t.name)
	}
	return eng, nil
}

// BuildGeoIndex reads every row and indexes those with valid coordinates.
// Rows with out-of-range or missing coordinates are counted, not fatal.
func (t *Table) BuildGeoIndex(ctx context.Context) (*GeoBuildReport, error) {
	eng, err := t.geoEngine()
	if err != nil {
		return nil, err
	}
	geoCfg, _ := t.client.cfg.GeoTable(t.name)
	rows, err := t.allRows(ctx)
	if err != nil {
		return nil, err
	}

	report := &GeoBuildReport{}
	for _, row := range rows {
		doc, ok := t.geoDoc(row, geoCfg.LatitudeField, geoCfg.LongitudeField, geoCfg.LocationNameField)
		if !ok {
			report.Skipped++
			continue
		}
		if err := eng.IndexDocument(ctx, doc); err != nil {
			if errors.Is(err, geo.ErrInvalidCoordinates) {
				report.Skipped++
				continue
			}
			return report, err
		}
		report.Indexed++
	}
	t.client.log.Info("geo index built",
		zap.String("table", t.name),
		zap.Int("indexed", report.Indexed),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

// geoDoc maps a row onto a geo document using the configured field names.
func (t *Table) geoDoc(row Record, latField, lngField, nameField string) (geo.Doc, bool) {
	id, ok := search.ExtractDocID(t.name, row)
	if !ok {
		return geo.Doc{}, false
	}
	lat, ok := toFloat(row[latField])
	if !ok {
		return geo.Doc{}, false
	}
	lng, ok := toFloat(row[lngField])
	if !ok {
		return geo.Doc{}, false
	}
	doc := geo.Doc{ID: id, Lat: lat, Lng: lng}
	if nameField != "" {
		if name, ok := row[nameField].(string); ok {
			doc.LocationName = name
		}
	}
	return doc, true
}

// GeoSearch finds rows within radius of a point. Zero radius uses the
// configured default.
func (t *Table) GeoSearch(ctx context.Context, lat, lng, radius float64, opts geo.RadiusOptions) ([]geo.Hit, error) {
	eng, err := t.geoEngine()
	if err != nil {
		return nil, err
	}
	if radius <= 0 {
		geoCfg, _ := t.client.cfg.GeoTable(t.name)
		radius = geoCfg.DefaultRadiusKm
		opts.Unit = geo.UnitKilometers
	}
	return eng.SearchByRadius(ctx, lat, lng, radius, opts)
}

// GeoSearchByLocation resolves a free-form location name and searches
// around it, falling back to the name's bucket when it has no coordinates.
func (t *Table) GeoSearchByLocation(ctx context.Context, name string, radius float64, opts geo.RadiusOptions) ([]geo.Hit, error) {
	eng, err := t.geoEngine()
	if err != nil {
		return nil, err
	}
	return eng.SearchByLocationName(ctx, name, radius, opts)
}

// GeoSearchByBucket searches around a bucket's stored center and radius.
func (t *Table) GeoSearchByBucket(ctx context.Context, bucketID string, limit int) ([]geo.Hit, error) {
	eng, err := t.geoEngine()
	if err != nil {
		return nil, err
	}
	return eng.SearchByBucket(ctx, bucketID, limit)
}

// BuildGeoBuckets regenerates the spatial buckets from the indexed members.
func (t *Table) BuildGeoBuckets(ctx context.Context) (*geo.BucketBuildReport, error) {
	eng, err := t.geoEngine()
	if err != nil {
		return nil, err
	}
	geoCfg, _ := t.client.cfg.GeoTable(t.name)
	return eng.BuildBuckets(ctx, geo.BucketBuildOptions{
		TargetBucketSize: geoCfg.TargetBucketSize,
		GridSizeKm:       geoCfg.GridSizeKm,
		MinBucketSize:    geoCfg.MinBucketSize,
	})
}

// GeoBucketMetadata returns a bucket's stored metadata.
func (t *Table) GeoBucketMetadata(ctx context.Context, bucketID string) (*geo.Bucket, error) {
	eng, err := t.geoEngine()
	if err != nil {
		return nil, err
	}
	return eng.BucketMetadata(ctx, bucketID)
}

// NormalizeLocation resolves a free-form location string to its canonical
// place without touching the store.
func (t *Table) NormalizeLocation(name string) (geo.Place, error) {
	eng, err := t.geoEngine()
	if err != nil {
		return geo.Place{}, err
	}
	return eng.Normalizer().Normalize(name), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
