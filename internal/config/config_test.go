package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.Database.DSN = "user:pass@tcp(localhost:3306)/shop?parseTime=true"
	cfg.Database.Name = "shop"
	return cfg
}

func TestDefaultValidates(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateFailsLoudly(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing env", func(c *Config) { c.Env = "" }, "env"},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }, "dsn"},
		{"missing db name", func(c *Config) { c.Database.Name = "" }, "name"},
		{"missing store url", func(c *Config) { c.Store.URL = "" }, "store.url"},
		{"bad strategy", func(c *Config) { c.Cache.Strategy = "eventually" }, "strategy"},
		{"index without fields", func(c *Config) {
			c.Search.InvertedIndex = map[string]IndexTableConfig{"articles": {}}
		}, "searchableFields"},
		{"bad tokenizer", func(c *Config) {
			c.Search.InvertedIndex = map[string]IndexTableConfig{"articles": {
				SearchableFields: []string{"title"}, Tokenizer: "soundex",
			}}
		}, "tokenizer"},
		{"ngram too small", func(c *Config) {
			c.Search.InvertedIndex = map[string]IndexTableConfig{"articles": {
				SearchableFields: []string{"title"}, Tokenizer: TokenizerNGram, NGramSize: 1,
			}}
		}, "ngramSize"},
		{"geo without coordinates", func(c *Config) {
			c.Search.Geo = map[string]GeoTableConfig{"stores": {}}
		}, "latitudeField"},
		{"geo threshold out of range", func(c *Config) {
			c.Search.Geo = map[string]GeoTableConfig{"stores": {
				LatitudeField: "lat", LongitudeField: "lng", FuzzyThreshold: 1.5,
			}}
		}, "fuzzyThreshold"},
		{"warming without interval", func(c *Config) {
			c.Warming.Enabled = true
			c.Warming.Interval = 0
		}, "interval"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestIndexTableDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Search.InvertedIndex = map[string]IndexTableConfig{
		"articles": {SearchableFields: []string{"title"}},
	}

	idx, ok := cfg.IndexTable("articles")
	require.True(t, ok)
	assert.Equal(t, TokenizerSimple, idx.Tokenizer)
	assert.Equal(t, 2, idx.MinWordLength)

	_, ok = cfg.IndexTable("unknown")
	assert.False(t, ok)
}

func TestGeoTableDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Search.Geo = map[string]GeoTableConfig{
		"stores": {LatitudeField: "lat", LongitudeField: "lng"},
	}

	geo, ok := cfg.GeoTable("stores")
	require.True(t, ok)
	assert.InDelta(t, 10, geo.DefaultRadiusKm, 1e-9)
	assert.InDelta(t, 0.8, geo.FuzzyThreshold, 1e-9)
	assert.InDelta(t, 0.7, geo.ExpansionPenalty, 1e-9)
	assert.Equal(t, 100, geo.TargetBucketSize)
	assert.InDelta(t, 10, geo.GridSizeKm, 1e-9)
	assert.Equal(t, 3, geo.MinBucketSize)
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "dev", cfg.Env)
	assert.True(t, cfg.Cache.Enabled)
	assert.True(t, cfg.Cache.InvalidateOnWrite)
	assert.True(t, cfg.Cache.CascadeInvalidation)
	assert.Equal(t, StrategyImmediate, cfg.Cache.Strategy)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, "__sqldb_query_stats", cfg.Warming.StatsTableName)
	assert.Equal(t, 3, cfg.Warming.WarmingPoolSize)
}
