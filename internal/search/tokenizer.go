// Package search implements the inverted-index engine: tokenization, the
// Redis-backed term index, ranked search and highlighting.
package search

import (
	"strings"
	"unicode"

	"github.com/kljensen/snowball"

	"github.com/relcache/relcache/internal/config"
)

// Token is one indexable unit extracted from a field.
type Token struct {
	Term     string
	Position int // token index within the field text, not a byte offset
	Field    string
}

// Tokenizer turns field text into tokens according to the per-table
// configuration.
type Tokenizer struct {
	variant       config.TokenizerVariant
	minWordLength int
	stopWords     map[string]bool
	caseSensitive bool
	ngramSize     int
}

// NewTokenizer builds a tokenizer from the table's index configuration.
func NewTokenizer(cfg config.IndexTableConfig) *Tokenizer {
	t := &Tokenizer{
		variant:       cfg.Tokenizer,
		minWordLength: cfg.MinWordLength,
		stopWords:     make(map[string]bool, len(cfg.StopWords)),
		caseSensitive: cfg.CaseSensitive,
		ngramSize:     cfg.NGramSize,
	}
	if t.variant == "" {
		t.variant = config.TokenizerSimple
	}
	if t.minWordLength <= 0 {
		t.minWordLength = 2
	}
	for _, w := range cfg.StopWords {
		if !cfg.CaseSensitive {
			w = strings.ToLower(w)
		}
		t.stopWords[w] = true
	}
	return t
}

// Tokenize splits text into tokens. Runs of non-alphanumeric characters
// delimit tokens; stop-words and short tokens are dropped after case
// folding. Position is the surviving token's index in the original token
// sequence.
func (t *Tokenizer) Tokenize(field, text string) []Token {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var out []Token
	for pos, word := range words {
		if !t.caseSensitive {
			word = strings.ToLower(word)
		}
		if len(word) < t.minWordLength || t.stopWords[word] {
			continue
		}
		switch t.variant {
		case config.TokenizerStemming:
			stemmed, err := snowball.Stem(word, "english", false)
			if err == nil && stemmed != "" {
				word = stemmed
			}
			out = append(out, Token{Term: word, Position: pos, Field: field})
		case config.TokenizerNGram:
			for _, gram := range ngrams(word, t.ngramSize) {
				out = append(out, Token{Term: gram, Position: pos, Field: field})
			}
		default:
			out = append(out, Token{Term: word, Position: pos, Field: field})
		}
	}
	return out
}

// TokenizeRecord tokenizes every configured field of a record, preserving
// the source field on each token. Non-string values are skipped.
func (t *Tokenizer) TokenizeRecord(record map[string]any, fields []string) []Token {
	var out []Token
	for _, field := range fields {
		text, ok := record[field].(string)
		if !ok || text == "" {
			continue
		}
		out = append(out, t.Tokenize(field, text)...)
	}
	return out
}

// QueryTerms tokenizes a search query and returns its unique terms in
// first-occurrence order.
func (t *Tokenizer) QueryTerms(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, tok := range t.Tokenize("", query) {
		if !seen[tok.Term] {
			seen[tok.Term] = true
			terms = append(terms, tok.Term)
		}
	}
	return terms
}

// ngrams returns the overlapping fixed-size substrings of word. Words
// shorter than n are emitted whole.
func ngrams(word string, n int) []string {
	if n < 2 {
		n = 3
	}
	runes := []rune(word)
	if len(runes) <= n {
		return []string{word}
	}
	out := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		out = append(out, string(runes[i:i+n]))
	}
	return out
}
