package types

import (
	"time"
)

// Fields is the open attribute map of a record. Values are strings, numbers,
// bools, time.Time, lists ([]any) or nested maps.
type Fields map[string]any

// Clone returns a shallow copy of the map with list values copied too.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		if list, ok := v.([]any); ok {
			cp := make([]any, len(list))
			copy(cp, list)
			v = cp
		}
		out[k] = v
	}
	return out
}

// Record is one persisted entity (checklist entry, incident, glossary term...)
type Record struct {
	ID        string    `json:"id"`
	Fields    Fields    `json:"fields"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// DecodeError is set when the backing document could not be fully
	// normalized. The record is still listed; DecodeReason says why.
	DecodeError  bool   `json:"decodeError,omitempty"`
	DecodeReason string `json:"decodeReason,omitempty"`

	// Pending is set on records carrying an unconfirmed optimistic edit
	Pending bool `json:"pending,omitempty"`
}

// Field returns the named attribute or nil
func (r Record) Field(name string) any {
	if r.Fields == nil {
		return nil
	}
	return r.Fields[name]
}

// Clone returns a copy that shares no mutable state with r
func (r Record) Clone() Record {
	r.Fields = r.Fields.Clone()
	return r
}

// RecordSet is the ordered snapshot of one subscribed collection
type RecordSet struct {
	Collection string
	Records    []Record
	Seq        uint64 // increases by one per emitted set
	ReceivedAt time.Time
}

// Index returns the records keyed by id
func (s RecordSet) Index() map[string]Record {
	idx := make(map[string]Record, len(s.Records))
	for _, r := range s.Records {
		idx[r.ID] = r
	}
	return idx
}

// SortDirection defines ordering direction
type SortDirection string

const (
	Ascending  SortDirection = "asc"
	Descending SortDirection = "desc"
)

// OrderSpec describes how a subscription orders its records
type OrderSpec struct {
	Field     string        `json:"field" yaml:"field"`
	Direction SortDirection `json:"direction" yaml:"direction"`
	Limit     int           `json:"limit,omitempty" yaml:"limit,omitempty"` // 0 = no limit
}

// DefaultOrder is newest first
var DefaultOrder = OrderSpec{Field: "createdAt", Direction: Descending}

// EditKind is the kind of an optimistic mutation
type EditKind string

const (
	EditCreate EditKind = "create"
	EditUpdate EditKind = "update"
	EditDelete EditKind = "delete"
)

// OptimisticEdit is a local mutation not yet confirmed by the store
type OptimisticEdit struct {
	RecordID    string
	Kind        EditKind
	Payload     Fields
	SubmittedAt time.Time

	// BaseUpdatedAt is the server UpdatedAt the edit was made against.
	// Zero when the record was not in the canonical set at apply time.
	BaseUpdatedAt time.Time

	// Seq is assigned by the buffer on Apply
	Seq uint64
}

// DerivedView is the filtered, sorted, paginated slice shown on screen
type DerivedView struct {
	Records    []Record `json:"records"`
	TotalCount int      `json:"totalCount"`
	Page       int      `json:"page"`
	PageCount  int      `json:"pageCount"`
	PageSize   int      `json:"pageSize"`
}

// AggregateBucket is one group of an analytics breakdown
type AggregateBucket struct {
	Key        string  `json:"key"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Session is the authenticated actor handed to controllers and the gateway
type Session struct {
	UserID      string
	DisplayName string
	Email       string
	Roles       []string
}

// HasRole reports whether the session carries role
func (s Session) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Anonymous reports whether no user is attached
func (s Session) Anonymous() bool {
	return s.UserID == ""
}
