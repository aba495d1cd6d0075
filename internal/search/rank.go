package search

import (
	"regexp"
	"strings"
)

// RankOptions controls post-fetch relevance scoring and highlighting.
type RankOptions struct {
	MinScore        float64
	HighlightFields []string
	PreTag          string
	PostTag         string
	MaxFragments    int
	FragmentSize    int
}

const (
	defaultPreTag       = "<em>"
	defaultPostTag      = "</em>"
	defaultMaxFragments = 1
	defaultFragmentSize = 150
)

// RankedRecord is a fetched row with its relevance score and highlights.
type RankedRecord struct {
	Record     map[string]any
	IndexScore float64
	Relevance  float64
	Highlights map[string][]string
}

// Rank scores fetched records against the query terms and attaches
// highlights. Records scoring below MinScore are dropped. Source records
// are never mutated; highlights live alongside a shallow copy.
func Rank(records []map[string]any, indexScores map[string]float64, docIDs map[int]string, terms, fields []string, opts RankOptions) []RankedRecord {
	pre, post := opts.PreTag, opts.PostTag
	if pre == "" {
		pre = defaultPreTag
	}
	if post == "" {
		post = defaultPostTag
	}
	maxFragments := opts.MaxFragments
	if maxFragments <= 0 {
		maxFragments = defaultMaxFragments
	}
	fragSize := opts.FragmentSize
	if fragSize <= 0 {
		fragSize = defaultFragmentSize
	}

	var out []RankedRecord
	for i, record := range records {
		score := RelevanceScore(record, terms, fields)
		if score < opts.MinScore {
			continue
		}
		rr := RankedRecord{
			Record:    record,
			Relevance: score,
		}
		if id, ok := docIDs[i]; ok {
			rr.IndexScore = indexScores[id]
		}
		if len(opts.HighlightFields) > 0 {
			rr.Highlights = make(map[string][]string)
			for _, field := range opts.HighlightFields {
				text, ok := record[field].(string)
				if !ok || text == "" {
					continue
				}
				frags := Highlight(text, terms, pre, post, maxFragments, fragSize)
				if len(frags) > 0 {
					rr.Highlights[field] = frags
				}
			}
		}
		out = append(out, rr)
	}
	return out
}

// RelevanceScore is a coverage metric over (terms × fields): +1 per field
// containing the term as a substring, +0.5 when the match sits on a word
// boundary, normalized by terms × fields.
func RelevanceScore(record map[string]any, terms, fields []string) float64 {
	if len(terms) == 0 || len(fields) == 0 {
		return 0
	}
	var score float64
	for _, term := range terms {
		for _, field := range fields {
			text, ok := record[field].(string)
			if !ok || text == "" {
				continue
			}
			lower := strings.ToLower(text)
			lowerTerm := strings.ToLower(term)
			if !strings.Contains(lower, lowerTerm) {
				continue
			}
			score += 1.0
			if boundaryPattern(term).MatchString(text) {
				score += 0.5
			}
		}
	}
	return score / float64(len(terms)*len(fields))
}

// Highlight wraps every word-boundary occurrence of the terms in pre/post
// tags and returns up to maxFragments fragments of at most fragSize
// characters, each centered on a match. The input is not modified.
func Highlight(text string, terms []string, pre, post string, maxFragments, fragSize int) []string {
	type span struct{ start, end int }
	var spans []span
	for _, term := range terms {
		for _, loc := range boundaryPattern(term).FindAllStringIndex(text, -1) {
			spans = append(spans, span{loc[0], loc[1]})
		}
	}
	if len(spans) == 0 {
		return nil
	}
	// Order matches by position; fragments center on the earliest ones.
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j].start < spans[j-1].start; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}

	var fragments []string
	used := 0
	covered := -1
	for _, sp := range spans {
		if used >= maxFragments {
			break
		}
		if sp.start <= covered {
			continue // already inside an emitted fragment
		}
		start := sp.start - fragSize/2
		if start < 0 {
			start = 0
		}
		end := start + fragSize
		if end > len(text) {
			end = len(text)
			if start = end - fragSize; start < 0 {
				start = 0
			}
		}
		fragment := text[start:end]
		for _, term := range terms {
			fragment = boundaryPattern(term).ReplaceAllStringFunc(fragment, func(m string) string {
				return pre + m + post
			})
		}
		fragments = append(fragments, fragment)
		covered = end - 1
		used++
	}
	return fragments
}

func boundaryPattern(term string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
}
