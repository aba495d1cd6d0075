package search

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relcache/relcache/internal/config"
	"github.com/relcache/relcache/internal/kv"
	"github.com/relcache/relcache/internal/logging"
)

// ErrNoDocuments is returned when a build is invoked with nothing to index.
var ErrNoDocuments = errors.New("search: no documents to index")

// Hit is one search result from the index.
type Hit struct {
	DocID string
	Score float64
}

// BuildStats summarizes an index build.
type BuildStats struct {
	TotalDocuments int
	TotalTerms     int
	TotalTokens    int
	SkippedDocs    int
	Duration       time.Duration
}

// Index is the per-table inverted index, held in Redis sorted sets:
// one (docId, score) set per term, one term set per document, and a
// metadata hash per table.
type Index struct {
	prefix string
	table  string
	cfg    config.IndexTableConfig
	tok    *Tokenizer
	store  *kv.Store
	log    *zap.Logger
}

// NewIndex builds the engine for one table.
func NewIndex(prefix, table string, cfg config.IndexTableConfig, store *kv.Store, log *zap.Logger) *Index {
	return &Index{
		prefix: prefix,
		table:  table,
		cfg:    cfg,
		tok:    NewTokenizer(cfg),
		store:  store,
		log:    logging.Or(log),
	}
}

// Tokenizer exposes the index's tokenizer for query-side use.
func (ix *Index) Tokenizer() *Tokenizer { return ix.tok }

func (ix *Index) wordKey(term string) string {
	return fmt.Sprintf("%s:index:%s:word:%s", ix.prefix, ix.table, term)
}

func (ix *Index) docKey(docID string) string {
	return fmt.Sprintf("%s:index:%s:doc:%s", ix.prefix, ix.table, docID)
}

func (ix *Index) metaKey() string {
	return fmt.Sprintf("%s:index:%s:meta", ix.prefix, ix.table)
}

func (ix *Index) tmpKey() string {
	return fmt.Sprintf("%s:index:%s:tmp:%s", ix.prefix, ix.table, uuid.NewString())
}

// termScores merges a document's tokens by term, scoring each term as
// term-frequency × field boost, summed across the fields the term appears
// in. Unconfigured fields carry a boost of 1.
func (ix *Index) termScores(tokens []Token) map[string]float64 {
	counts := make(map[string]map[string]int) // term -> field -> freq
	for _, tok := range tokens {
		if counts[tok.Term] == nil {
			counts[tok.Term] = make(map[string]int)
		}
		counts[tok.Term][tok.Field]++
	}
	scores := make(map[string]float64, len(counts))
	for term, fields := range counts {
		var score float64
		for field, freq := range fields {
			boost := 1.0
			if b, ok := ix.cfg.FieldBoosts[field]; ok && b > 0 {
				boost = b
			}
			score += float64(freq) * boost
		}
		scores[term] = score
	}
	return scores
}

// indexOne writes a single document's postings in one pipeline, keeping
// per-document atomicity. Returns the number of distinct terms written.
func (ix *Index) indexOne(ctx context.Context, docID string, tokens []Token) (int, error) {
	scores := ix.termScores(tokens)
	if len(scores) == 0 {
		return 0, nil
	}
	pipe := ix.store.Client().Pipeline()
	terms := make([]any, 0, len(scores))
	for term, score := range scores {
		pipe.ZAdd(ctx, ix.wordKey(term), redis.Z{Score: score, Member: docID})
		terms = append(terms, term)
	}
	pipe.SAdd(ctx, ix.docKey(docID), terms...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("search: indexing doc %s: %w", docID, err)
	}
	return len(scores), nil
}

// BuildIndex clears the prior index and indexes every document. Documents
// without a detectable id are skipped with a warning. Returns build
// statistics; ErrNoDocuments when the input is empty.
func (ix *Index) BuildIndex(ctx context.Context, documents []map[string]any) (*BuildStats, error) {
	if len(documents) == 0 {
		return nil, ErrNoDocuments
	}
	start := time.Now()
	if err := ix.ClearIndex(ctx); err != nil {
		return nil, err
	}

	stats := &BuildStats{}
	distinctTerms := make(map[string]bool)
	for _, doc := range documents {
		docID, ok := ExtractDocID(ix.table, doc)
		if !ok {
			stats.SkippedDocs++
			ix.log.Warn("skipping document without id", zap.String("table", ix.table))
			continue
		}
		tokens := ix.tok.TokenizeRecord(doc, ix.cfg.SearchableFields)
		stats.TotalTokens += len(tokens)
		if _, err := ix.indexOne(ctx, docID, tokens); err != nil {
			return nil, err
		}
		stats.TotalDocuments++
		for _, tok := range tokens {
			distinctTerms[tok.Term] = true
		}
	}
	stats.TotalTerms = len(distinctTerms)
	stats.Duration = time.Since(start)

	if err := ix.writeMetadata(ctx, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (ix *Index) writeMetadata(ctx context.Context, stats *BuildStats) error {
	meta := map[string]any{
		"totalDocuments":  strconv.Itoa(stats.TotalDocuments),
		"totalTerms":      strconv.Itoa(stats.TotalTerms),
		"totalTokens":     strconv.Itoa(stats.TotalTokens),
		"lastBuildTime":   time.Now().UTC().Format(time.RFC3339),
		"buildDurationMs": strconv.FormatInt(stats.Duration.Milliseconds(), 10),
		"fields":          strings.Join(ix.cfg.SearchableFields, ","),
	}
	if err := ix.store.Client().HSet(ctx, ix.metaKey(), meta).Err(); err != nil {
		return fmt.Errorf("search: writing metadata: %w", err)
	}
	return nil
}

// Metadata returns the per-table build statistics hash.
func (ix *Index) Metadata(ctx context.Context) (map[string]string, error) {
	meta, err := ix.store.Client().HGetAll(ctx, ix.metaKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("search: reading metadata: %w", err)
	}
	return meta, nil
}

// UpdateDocument reindexes one document as delete-then-insert. The delete
// phase walks the reverse mapping, never the whole term space.
func (ix *Index) UpdateDocument(ctx context.Context, docID string, data map[string]any) error {
	if err := ix.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	tokens := ix.tok.TokenizeRecord(data, ix.cfg.SearchableFields)
	_, err := ix.indexOne(ctx, docID, tokens)
	return err
}

// DeleteDocument removes docID from every term posting it appears in and
// drops its reverse mapping. Deleting an unindexed document is a no-op.
func (ix *Index) DeleteDocument(ctx context.Context, docID string) error {
	terms, err := ix.store.Client().SMembers(ctx, ix.docKey(docID)).Result()
	if err != nil {
		return fmt.Errorf("search: reading terms for doc %s: %w", docID, err)
	}
	if len(terms) == 0 {
		return nil
	}
	pipe := ix.store.Client().Pipeline()
	for _, term := range terms {
		pipe.ZRem(ctx, ix.wordKey(term), docID)
	}
	pipe.Del(ctx, ix.docKey(docID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("search: deleting doc %s: %w", docID, err)
	}
	return nil
}

// ClearIndex scan-deletes every index key for the table.
func (ix *Index) ClearIndex(ctx context.Context) error {
	pattern := fmt.Sprintf("%s:index:%s:*", ix.prefix, ix.table)
	if _, err := ix.store.DeletePattern(ctx, pattern); err != nil {
		return fmt.Errorf("search: clearing index: %w", err)
	}
	return nil
}

// Search tokenizes the query and returns up to limit hits ordered by
// descending score. Multi-term queries intersect: only documents containing
// every term match, scored by the sum of per-term scores. The intersection
// is computed server-side into a uniquely named temporary set that is
// always cleaned up.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	terms := ix.tok.QueryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	if len(terms) == 1 {
		zs, err := ix.store.Client().ZRevRangeWithScores(ctx, ix.wordKey(terms[0]), 0, int64(limit-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("search: querying term %q: %w", terms[0], err)
		}
		return toHits(zs), nil
	}

	keys := make([]string, len(terms))
	for i, term := range terms {
		keys[i] = ix.wordKey(term)
	}
	tmp := ix.tmpKey()
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ix.store.Client().Del(cleanupCtx, tmp).Err(); err != nil {
			ix.log.Warn("failed to delete temporary search key",
				zap.String("key", tmp), zap.Error(err))
		}
	}()

	n, err := ix.store.Client().ZInterStore(ctx, tmp, &redis.ZStore{
		Keys:      keys,
		Aggregate: "SUM",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("search: intersecting %d terms: %w", len(terms), err)
	}
	if n == 0 {
		return nil, nil
	}
	zs, err := ix.store.Client().ZRevRangeWithScores(ctx, tmp, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("search: ranking intersection: %w", err)
	}
	return toHits(zs), nil
}

func toHits(zs []redis.Z) []Hit {
	hits := make([]Hit, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			member = fmt.Sprintf("%v", z.Member)
		}
		hits = append(hits, Hit{DocID: member, Score: z.Score})
	}
	return hits
}
