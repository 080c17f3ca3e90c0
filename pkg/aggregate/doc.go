// Package aggregate computes grouped counts and percentages over record
// sets for analytics views. Every function is total: empty input yields
// empty buckets and percentages are never NaN.
package aggregate
