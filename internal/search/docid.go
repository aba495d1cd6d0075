package search

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jinzhu/inflection"
)

// ExtractDocID finds the document identifier in a record. Candidates are
// checked in order: "id", "<singularized-table>_id", "<table>_id", then the
// first remaining key (sorted, for determinism) ending in "_id". The id is
// returned as an opaque string so numeric and UUID primary keys both work.
func ExtractDocID(table string, record map[string]any) (string, bool) {
	candidates := []string{
		"id",
		inflection.Singular(table) + "_id",
		table + "_id",
	}
	for _, key := range candidates {
		if v, ok := record[key]; ok && v != nil {
			return fmt.Sprintf("%v", v), true
		}
	}

	var suffixed []string
	for key := range record {
		if strings.HasSuffix(key, "_id") {
			suffixed = append(suffixed, key)
		}
	}
	if len(suffixed) == 0 {
		return "", false
	}
	sort.Strings(suffixed)
	v := record[suffixed[0]]
	if v == nil {
		return "", false
	}
	return fmt.Sprintf("%v", v), true
}

// PrimaryKeyColumn returns the column name ExtractDocID would have used
// for a record shaped like the given one. The façade uses it to fetch full
// rows for search hits.
func PrimaryKeyColumn(table string, sample map[string]any) string {
	candidates := []string{
		"id",
		inflection.Singular(table) + "_id",
		table + "_id",
	}
	for _, key := range candidates {
		if _, ok := sample[key]; ok {
			return key
		}
	}
	var suffixed []string
	for key := range sample {
		if strings.HasSuffix(key, "_id") {
			suffixed = append(suffixed, key)
		}
	}
	if len(suffixed) > 0 {
		sort.Strings(suffixed)
		return suffixed[0]
	}
	return "id"
}
