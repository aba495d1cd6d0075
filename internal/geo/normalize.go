package geo

import (
	"regexp"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"github.com/relcache/relcache/internal/config"
)

// Place is the canonical record a location string resolves to.
type Place struct {
	Canonical string
	Lat       float64
	Lng       float64
	HasCoords bool
	BucketID  string
}

// Normalizer canonicalizes free-form location strings: exact lookup, alias
// lookup, then bigram Dice fuzzy match. Normalization never fails; an
// unrecognized input becomes its own canonical.
type Normalizer struct {
	places    map[string]Place  // normalized canonical -> place
	aliases   map[string]string // normalized alias -> normalized canonical
	threshold float64
	dice      *metrics.SorensenDice
}

var nonWord = regexp.MustCompile(`[^\pL\pN ]+`)
var multiSpace = regexp.MustCompile(` +`)

// Fold lowercases, strips punctuation and collapses whitespace. Both the
// alias table keys and lookup inputs pass through it.
func Fold(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonWord.ReplaceAllString(s, " ")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NewNormalizer builds the alias tables from the built-in city data plus
// the user mappings. User mappings override built-ins on key collision.
func NewNormalizer(mappings []config.LocationMapping, threshold float64) *Normalizer {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	dice := metrics.NewSorensenDice()
	dice.NgramSize = 2

	n := &Normalizer{
		places:    make(map[string]Place),
		aliases:   make(map[string]string),
		threshold: threshold,
		dice:      dice,
	}

	for _, city := range builtinCities {
		n.add(city.canonical, Place{
			Canonical: city.canonical,
			Lat:       city.lat,
			Lng:       city.lng,
			HasCoords: true,
			BucketID:  city.bucketID,
		}, city.aliases)
	}
	for _, m := range mappings {
		place := Place{
			Canonical: m.Canonical,
			Lat:       m.Latitude,
			Lng:       m.Longitude,
			HasCoords: m.Latitude != 0 || m.Longitude != 0,
			BucketID:  m.BucketID,
		}
		n.add(m.Canonical, place, m.Aliases)
	}
	return n
}

func (n *Normalizer) add(canonical string, place Place, aliases []string) {
	key := Fold(canonical)
	if key == "" {
		return
	}
	n.places[key] = place
	for _, alias := range aliases {
		if folded := Fold(alias); folded != "" {
			n.aliases[folded] = key
		}
	}
}

// Normalize resolves input to its canonical place. Resolution order: direct
// canonical lookup, alias lookup, Dice fuzzy match against canonicals and
// aliases, and finally the input echoed back as its own canonical.
func (n *Normalizer) Normalize(input string) Place {
	folded := Fold(input)
	if folded == "" {
		return Place{Canonical: input}
	}
	if place, ok := n.places[folded]; ok {
		return place
	}
	if canonical, ok := n.aliases[folded]; ok {
		return n.places[canonical]
	}

	bestScore := n.threshold
	bestKey := ""
	for key := range n.places {
		if score := strutil.Similarity(folded, key, n.dice); score >= bestScore {
			bestScore = score
			bestKey = key
		}
	}
	for alias, canonical := range n.aliases {
		if score := strutil.Similarity(folded, alias, n.dice); score >= bestScore {
			bestScore = score
			bestKey = canonical
		}
	}
	if bestKey != "" {
		return n.places[bestKey]
	}
	return Place{Canonical: folded}
}
