package aggregate

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/runwayhq/runway/pkg/types"
)

// Selector extracts one grouping key from a record. An empty key means the
// record has no value and is skipped.
type Selector func(types.Record) string

// MultiSelector extracts every grouping key of a list-valued field
type MultiSelector func(types.Record) []string

// Predicate selects records for pre-filtering
type Predicate func(types.Record) bool

// CountBy groups records by key. Percentages are relative to the records
// that produced a non-empty key. Buckets are ordered by count descending,
// then key ascending.
func CountBy(records []types.Record, sel Selector) []types.AggregateBucket {
	counts := make(map[string]int)
	total := 0
	for _, r := range records {
		key := strings.TrimSpace(sel(r))
		if key == "" {
			continue
		}
		counts[key]++
		total++
	}
	return buckets(counts, total)
}

// CountByMultiValue counts every value of a list field, so one record can
// land in several buckets. The percentage base is the sum of all bucket
// counts rather than the number of records.
func CountByMultiValue(records []types.Record, sel MultiSelector) []types.AggregateBucket {
	counts := make(map[string]int)
	total := 0
	for _, r := range records {
		for _, key := range sel(r) {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			counts[key]++
			total++
		}
	}
	return buckets(counts, total)
}

func buckets(counts map[string]int, total int) []types.AggregateBucket {
	out := make([]types.AggregateBucket, 0, len(counts))
	for key, n := range counts {
		pct := 0.0
		if total > 0 {
			pct = float64(n) / float64(total) * 100
		}
		out = append(out, types.AggregateBucket{Key: key, Count: n, Percentage: pct})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Total returns the sum of bucket counts
func Total(bs []types.AggregateBucket) int {
	n := 0
	for _, b := range bs {
		n += b.Count
	}
	return n
}

// Field selects the stringified value of a column
func Field(name string) Selector {
	return func(r types.Record) string {
		return types.Stringify(r.Value(name))
	}
}

// ListField selects every element of a list-valued column. A scalar value
// counts as a one-element list.
func ListField(name string) MultiSelector {
	return func(r types.Record) []string {
		return types.Strings(r.Value(name))
	}
}

// MonthOf selects the "2006-01" month of a time column, for timelines.
// Values that are not times yield no key.
func MonthOf(name string) Selector {
	return func(r types.Record) string {
		t, ok := r.Value(name).(time.Time)
		if !ok || t.IsZero() {
			return ""
		}
		return t.UTC().Format("2006-01")
	}
}

// Where returns the records matching pred
func Where(records []types.Record, pred Predicate) []types.Record {
	out := make([]types.Record, 0, len(records))
	for _, r := range records {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// Equals is a predicate matching records whose stringified column equals
// value
func Equals(name, value string) Predicate {
	return func(r types.Record) bool {
		return types.Stringify(r.Value(name)) == value
	}
}

// Round rounds a percentage to the given number of decimals for display
func Round(v float64, decimals int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// RoundAll rounds every bucket percentage in place and returns bs
func RoundAll(bs []types.AggregateBucket, decimals int) []types.AggregateBucket {
	for i := range bs {
		bs[i].Percentage = Round(bs[i].Percentage, decimals)
	}
	return bs
}
