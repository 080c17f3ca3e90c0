/*
Package types defines the core data structures shared by every Runway package.

Records arrive from a live collection subscription, are overlaid with local
optimistic edits, and are then derived into paginated views or aggregate
buckets. This package holds the vocabulary for that pipeline and nothing
else: it has no dependencies on storage, transport or logging.

# Core Types

Record:
  - ID: opaque, assigned once, never reused
  - Fields: open attribute map (string, number, bool, time, list, map)
  - CreatedAt / UpdatedAt: normalized instants
  - DecodeError / DecodeReason: per-record normalization failure flag
  - Pending: carries an unconfirmed optimistic edit

RecordSet:
  - The ordered snapshot of one collection as last pushed by the store
  - Seq increases by one for every set a subscription emits

OptimisticEdit:
  - A create, update or delete that the UI shows before the store confirms it
  - BaseUpdatedAt records which server version the edit was made against

DerivedView / AggregateBucket:
  - Pure computation results, never persisted

Session:
  - The authenticated actor, passed explicitly instead of read from
    process-wide state

# Value Semantics

Field values are compared with CompareValues and rendered with Stringify.
Both are total over their input: nil, mismatched kinds and nested lists never
panic, so one malformed document cannot break a sort or a search.

	a := types.Record{ID: "a", Fields: types.Fields{"severity": 3}}
	b := types.Record{ID: "b", Fields: types.Fields{"severity": "high"}}
	types.OrderSpec{Field: "severity"}.Compare(a, b) // numbers before strings

# Errors

StoreError is the collection-wide subscription failure with a stable Kind.
GatewayError carries a rejected mutation's message or field error map.
*/
package types
