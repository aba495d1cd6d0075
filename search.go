package relcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relcache/relcache/internal/db"
	"github.com/relcache/relcache/internal/fingerprint"
	"github.com/relcache/relcache/internal/search"
	"github.com/relcache/relcache/internal/stats"
)

// ErrNotIndexed is returned when a full-text operation targets a table
// without an inverted-index configuration.
var ErrNotIndexed = errors.New("relcache: table has no search index")

// SearchOptions tunes a full-text search.
type SearchOptions struct {
	Limit           int
	MinScore        float64
	HighlightFields []string
	PreTag          string
	PostTag         string
	MaxFragments    int
	FragmentSize    int
}

// SearchResult is one search hit joined back to its database row.
type SearchResult struct {
	Record     Record
	DocID      string
	IndexScore float64
	Relevance  float64
	Highlights map[string][]string
}

func (t *Table) index() (*search.Index, error) {
	ix, ok := t.client.indexes[t.name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotIndexed, t.name)
	}
	return ix, nil
}

// Search runs the query against the inverted index, fetches the matching
// rows, and returns them ranked with optional highlights. Index scores
// order the candidate set; the relevance pass re-scores against the actual
// row content.
func (t *Table) Search(ctx context.Context, query string, opts *SearchOptions) ([]SearchResult, error) {
	ix, err := t.index()
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &SearchOptions{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	start := time.Now()
	hits, err := ix.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		t.observeSearch(query, float64(time.Since(start).Microseconds())/1000)
		return nil, nil
	}

	ids := make([]any, len(hits))
	scores := make(map[string]float64, len(hits))
	for i, hit := range hits {
		ids[i] = hit.DocID
		scores[hit.DocID] = hit.Score
	}
	rows, err := t.fetchByColumn(ctx, t.name, t.pkColumn(), ids)
	if err != nil {
		return nil, err
	}

	// Re-key rows by doc id so results keep the index's score order even
	// when the database returns them in a different one.
	pk := t.pkColumn()
	byID := make(map[string]Record, len(rows))
	for _, row := range rows {
		byID[fmt.Sprintf("%v", row[pk])] = row
	}

	idxCfg, _ := t.client.cfg.IndexTable(t.name)
	terms := ix.Tokenizer().QueryTerms(query)

	var ordered []map[string]any
	docIDs := make(map[int]string)
	for _, hit := range hits {
		row, ok := byID[hit.DocID]
		if !ok {
			t.client.log.Debug("search hit with no backing row",
				zap.String("table", t.name), zap.String("doc", hit.DocID))
			continue
		}
		docIDs[len(ordered)] = hit.DocID
		ordered = append(ordered, row)
	}

	ranked := search.Rank(ordered, scores, docIDs, terms, idxCfg.SearchableFields, search.RankOptions{
		MinScore:        opts.MinScore,
		HighlightFields: opts.HighlightFields,
		PreTag:          opts.PreTag,
		PostTag:         opts.PostTag,
		MaxFragments:    opts.MaxFragments,
		FragmentSize:    opts.FragmentSize,
	})

	results := make([]SearchResult, 0, len(ranked))
	for _, rr := range ranked {
		// Rank may drop low-relevance records, so re-derive the doc id
		// from the row instead of positional bookkeeping.
		results = append(results, SearchResult{
			Record:     rr.Record,
			DocID:      fmt.Sprintf("%v", rr.Record[pk]),
			IndexScore: rr.IndexScore,
			Relevance:  rr.Relevance,
			Highlights: rr.Highlights,
		})
	}
	t.observeSearch(query, float64(time.Since(start).Microseconds())/1000)
	return results, nil
}

// observeSearch records search traffic in the stats tracker. Search entries
// are tracked for ranking visibility but are never warmed.
func (t *Table) observeSearch(query string, execMs float64) {
	where := map[string]any{"query": query}
	key := fingerprint.Key(t.client.cfg.Env, t.name, "search", where, nil)
	t.client.tracker.Observe(key, t.name, stats.OpSearch,
		fingerprint.FiltersDigest(where), map[string]any{"where": where}, execMs)
}

// BuildSearchIndex reads every row of the table and rebuilds the inverted
// index from scratch.
func (t *Table) BuildSearchIndex(ctx context.Context) (*search.BuildStats, error) {
	ix, err := t.index()
	if err != nil {
		return nil, err
	}
	rows, err := t.allRows(ctx)
	if err != nil {
		return nil, err
	}
	buildStats, err := ix.BuildIndex(ctx, rows)
	if err != nil {
		return nil, err
	}
	t.client.log.Info("search index built",
		zap.String("table", t.name),
		zap.Int("documents", buildStats.TotalDocuments),
		zap.Int("terms", buildStats.TotalTerms),
		zap.Int("skipped", buildStats.SkippedDocs),
		zap.Duration("took", buildStats.Duration))
	return buildStats, nil
}

// SearchIndexMetadata returns the index's build-statistics hash.
func (t *Table) SearchIndexMetadata(ctx context.Context) (map[string]string, error) {
	ix, err := t.index()
	if err != nil {
		return nil, err
	}
	return ix.Metadata(ctx)
}

// ClearSearchIndex drops every index key for the table.
func (t *Table) ClearSearchIndex(ctx context.Context) error {
	ix, err := t.index()
	if err != nil {
		return err
	}
	return ix.ClearIndex(ctx)
}

func (t *Table) allRows(ctx context.Context) ([]Record, error) {
	query, args, err := db.BuildSelect(db.SelectSpec{Table: t.name})
	if err != nil {
		return nil, err
	}
	return t.client.conn.QueryMaps(ctx, query, args...)
}
