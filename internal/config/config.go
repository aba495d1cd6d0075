// Package config defines the façade configuration tree and its loader.
//
// Configuration is resolved once at initialize. Validation failures are
// returned immediately and are never deferred to first use.
package config

import (
	"fmt"
	"time"
)

// InvalidationStrategy selects how write invalidation executes.
type InvalidationStrategy string

const (
	StrategyImmediate InvalidationStrategy = "immediate"
	StrategyLazy      InvalidationStrategy = "lazy"
	StrategyTTLOnly   InvalidationStrategy = "ttl-only"
)

// TokenizerVariant selects the tokenizer implementation for a table.
type TokenizerVariant string

const (
	TokenizerSimple   TokenizerVariant = "simple"
	TokenizerStemming TokenizerVariant = "stemming"
	TokenizerNGram    TokenizerVariant = "ngram"
)

// Config is the root configuration.
type Config struct {
	// Env prefixes every key written to the store (e.g. "prod").
	Env string `mapstructure:"env"`

	Database DatabaseConfig `mapstructure:"database"`
	Store    StoreConfig    `mapstructure:"store"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Search   SearchConfig   `mapstructure:"search"`
	Warming  WarmingConfig  `mapstructure:"warming"`
}

// DatabaseConfig holds the MySQL/MariaDB connection settings.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Name            string        `mapstructure:"name"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
	QueryTimeout    time.Duration `mapstructure:"queryTimeout"`
}

// StoreConfig holds the Redis connection settings.
type StoreConfig struct {
	URL            string        `mapstructure:"url"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
}

// CacheConfig controls the query-result cache.
type CacheConfig struct {
	Enabled             bool                 `mapstructure:"enabled"`
	DefaultTTL          time.Duration        `mapstructure:"defaultTTL"`
	MaxKeys             int                  `mapstructure:"maxKeys"`
	InvalidateOnWrite   bool                 `mapstructure:"invalidateOnWrite"`
	CascadeInvalidation bool                 `mapstructure:"cascadeInvalidation"`
	Strategy            InvalidationStrategy `mapstructure:"strategy"`
}

// SearchConfig groups full-text and geo search settings.
type SearchConfig struct {
	InvertedIndex map[string]IndexTableConfig `mapstructure:"invertedIndex"`
	Geo           map[string]GeoTableConfig   `mapstructure:"geo"`
}

// IndexTableConfig configures the inverted index for one table.
type IndexTableConfig struct {
	SearchableFields []string           `mapstructure:"searchableFields"`
	Tokenizer        TokenizerVariant   `mapstructure:"tokenizer"`
	MinWordLength    int                `mapstructure:"minWordLength"`
	StopWords        []string           `mapstructure:"stopWords"`
	CaseSensitive    bool               `mapstructure:"caseSensitive"`
	NGramSize        int                `mapstructure:"ngramSize"`
	RebuildOnWrite   bool               `mapstructure:"rebuildOnWrite"`
	FieldBoosts      map[string]float64 `mapstructure:"fieldBoosts"`
}

// DistanceBoost raises relevance for hits within a distance threshold.
type DistanceBoost struct {
	WithinKm float64 `mapstructure:"withinKm"`
	Boost    float64 `mapstructure:"boost"`
}

// LocationMapping is a user-supplied alias -> canonical place binding.
type LocationMapping struct {
	Canonical string   `mapstructure:"canonical"`
	Aliases   []string `mapstructure:"aliases"`
	Latitude  float64  `mapstructure:"latitude"`
	Longitude float64  `mapstructure:"longitude"`
	BucketID  string   `mapstructure:"bucketId"`
}

// GeoTableConfig configures the geo index for one table.
type GeoTableConfig struct {
	LatitudeField         string            `mapstructure:"latitudeField"`
	LongitudeField        string            `mapstructure:"longitudeField"`
	LocationNameField     string            `mapstructure:"locationNameField"`
	LocationMappings      []LocationMapping `mapstructure:"locationMappings"`
	AutoNormalize         bool              `mapstructure:"autoNormalize"`
	DefaultRadiusKm       float64           `mapstructure:"defaultRadiusKm"`
	MaxRadiusKm           float64           `mapstructure:"maxRadiusKm"`
	CombineWithTextSearch bool              `mapstructure:"combineWithTextSearch"`
	DistanceBoost         []DistanceBoost   `mapstructure:"distanceBoost"`
	FuzzyThreshold        float64           `mapstructure:"fuzzyThreshold"`
	ExpansionPenalty      float64           `mapstructure:"expansionPenalty"`
	TargetBucketSize      int               `mapstructure:"targetBucketSize"`
	GridSizeKm            float64           `mapstructure:"gridSizeKm"`
	MinBucketSize         int               `mapstructure:"minBucketSize"`
}

// WarmingConfig controls the auto-warmer.
type WarmingConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval"`
	TopQueriesPerTable int           `mapstructure:"topQueriesPerTable"`
	MinAccessCount     int64         `mapstructure:"minAccessCount"`
	MaxStatsAge        time.Duration `mapstructure:"maxStatsAge"`
	WarmTTL            time.Duration `mapstructure:"warmTTL"`
	UseSeparatePool    bool          `mapstructure:"useSeparatePool"`
	WarmingPoolSize    int           `mapstructure:"warmingPoolSize"`
	TrackInDatabase    bool          `mapstructure:"trackInDatabase"`
	StatsTableName     string        `mapstructure:"statsTableName"`
}

// Default returns the configuration defaults applied before loading.
func Default() Config {
	return Config{
		Env: "dev",
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    30 * time.Second,
		},
		Store: StoreConfig{
			URL:            "redis://localhost:6379/0",
			ConnectTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:             true,
			DefaultTTL:          5 * time.Minute,
			MaxKeys:             100000,
			InvalidateOnWrite:   true,
			CascadeInvalidation: true,
			Strategy:            StrategyImmediate,
		},
		Warming: WarmingConfig{
			Interval:           5 * time.Minute,
			TopQueriesPerTable: 10,
			MinAccessCount:     2,
			MaxStatsAge:        24 * time.Hour,
			WarmTTL:            2 * time.Minute,
			UseSeparatePool:    true,
			WarmingPoolSize:    3,
			StatsTableName:     "__sqldb_query_stats",
		},
	}
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	if c.Env == "" {
		return fmt.Errorf("config: env is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("config: database.name is required")
	}
	if c.Store.URL == "" {
		return fmt.Errorf("config: store.url is required")
	}
	switch c.Cache.Strategy {
	case StrategyImmediate, StrategyLazy, StrategyTTLOnly:
	default:
		return fmt.Errorf("config: unknown cache strategy %q", c.Cache.Strategy)
	}
	for table, idx := range c.Search.InvertedIndex {
		if len(idx.SearchableFields) == 0 {
			return fmt.Errorf("config: search.invertedIndex.%s: searchableFields is required", table)
		}
		switch idx.Tokenizer {
		case "", TokenizerSimple, TokenizerStemming, TokenizerNGram:
		default:
			return fmt.Errorf("config: search.invertedIndex.%s: unknown tokenizer %q", table, idx.Tokenizer)
		}
		if idx.Tokenizer == TokenizerNGram && idx.NGramSize < 2 {
			return fmt.Errorf("config: search.invertedIndex.%s: ngramSize must be >= 2", table)
		}
	}
	for table, geo := range c.Search.Geo {
		if geo.LatitudeField == "" || geo.LongitudeField == "" {
			return fmt.Errorf("config: search.geo.%s: latitudeField and longitudeField are required", table)
		}
		if geo.FuzzyThreshold < 0 || geo.FuzzyThreshold > 1 {
			return fmt.Errorf("config: search.geo.%s: fuzzyThreshold must be in [0,1]", table)
		}
	}
	if c.Warming.Enabled && c.Warming.Interval <= 0 {
		return fmt.Errorf("config: warming.interval must be positive")
	}
	return nil
}

// IndexTable returns the inverted-index config for table, with per-field
// defaults applied. ok is false when the table is not configured.
func (c *Config) IndexTable(table string) (IndexTableConfig, bool) {
	idx, ok := c.Search.InvertedIndex[table]
	if !ok {
		return IndexTableConfig{}, false
	}
	if idx.Tokenizer == "" {
		idx.Tokenizer = TokenizerSimple
	}
	if idx.MinWordLength <= 0 {
		idx.MinWordLength = 2
	}
	return idx, true
}

// GeoTable returns the geo config for table with defaults applied.
func (c *Config) GeoTable(table string) (GeoTableConfig, bool) {
	geo, ok := c.Search.Geo[table]
	if !ok {
		return GeoTableConfig{}, false
	}
	if geo.DefaultRadiusKm <= 0 {
		geo.DefaultRadiusKm = 10
	}
	if geo.FuzzyThreshold == 0 {
		geo.FuzzyThreshold = 0.8
	}
	if geo.ExpansionPenalty == 0 {
		geo.ExpansionPenalty = 0.7
	}
	if geo.TargetBucketSize <= 0 {
		geo.TargetBucketSize = 100
	}
	if geo.GridSizeKm <= 0 {
		geo.GridSizeKm = 10
	}
	if geo.MinBucketSize <= 0 {
		geo.MinBucketSize = 3
	}
	return geo, true
}
