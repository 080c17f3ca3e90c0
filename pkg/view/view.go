package view

import (
	"sort"
	"strings"

	"github.com/runwayhq/runway/pkg/types"
)

// NoFilter is the sentinel filter value meaning "match everything"
const NoFilter = "all"

// DefaultPageSize is used when a state carries no usable page size
const DefaultPageSize = 10

// FilterState holds the user's current predicates: a free-text term and
// exact-match values per field
type FilterState struct {
	Text   string            `json:"search"`
	Fields map[string]string `json:"filters"`
}

// Active returns the field filters that actually constrain the view,
// leaving out empty and NoFilter values
func (f FilterState) Active() map[string]string {
	out := make(map[string]string, len(f.Fields))
	for k, v := range f.Fields {
		if isNoFilter(v) {
			continue
		}
		out[k] = v
	}
	return out
}

// IsEmpty reports whether no predicate is active
func (f FilterState) IsEmpty() bool {
	return strings.TrimSpace(f.Text) == "" && len(f.Active()) == 0
}

func (f FilterState) clone() FilterState {
	out := FilterState{Text: f.Text}
	if f.Fields != nil {
		out.Fields = make(map[string]string, len(f.Fields))
		for k, v := range f.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

func isNoFilter(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || v == NoFilter
}

// Compute derives the visible page from a record set, the pending edits
// and the view state. It is pure and total: no input makes it fail.
func Compute(records []types.Record, edits []types.OptimisticEdit, st State) types.DerivedView {
	merged := Merge(records, edits)
	visible := Filter(merged, st.Filter)
	Sort(visible, st.Sort)
	return Paginate(visible, st.Page, st.PageSize)
}

// Merge overlays pending edits onto the server records. Create and update
// payloads win field by field, deletes hide the record, and an update for
// a record the server has not sent yet still shows up. Every record touched
// by an edit is flagged Pending. The input slice is not modified.
func Merge(records []types.Record, edits []types.OptimisticEdit) []types.Record {
	if len(edits) == 0 {
		out := make([]types.Record, len(records))
		copy(out, records)
		return out
	}

	byID := make(map[string]types.OptimisticEdit, len(edits))
	for _, e := range edits {
		byID[e.RecordID] = e
	}

	out := make([]types.Record, 0, len(records)+len(edits))
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		seen[r.ID] = true
		e, ok := byID[r.ID]
		if !ok {
			out = append(out, r)
			continue
		}
		if e.Kind == types.EditDelete {
			continue
		}
		merged := r.Clone()
		merged.Fields = overlay(merged.Fields, e.Payload)
		merged.Pending = true
		out = append(out, merged)
	}

	for _, e := range edits {
		if seen[e.RecordID] || e.Kind == types.EditDelete {
			continue
		}
		seen[e.RecordID] = true
		out = append(out, types.Record{
			ID:        e.RecordID,
			Fields:    overlay(nil, e.Payload),
			CreatedAt: e.SubmittedAt,
			UpdatedAt: e.SubmittedAt,
			Pending:   true,
		})
	}
	return out
}

// overlay writes payload over base; a nil payload value removes the field
func overlay(base, payload types.Fields) types.Fields {
	if base == nil {
		base = make(types.Fields, len(payload))
	}
	for k, v := range payload {
		if v == nil {
			delete(base, k)
			continue
		}
		if list, ok := v.([]any); ok {
			v = append([]any(nil), list...)
		}
		base[k] = v
	}
	return base
}

// Filter returns the records matching every active predicate
func Filter(records []types.Record, f FilterState) []types.Record {
	active := f.Active()
	term := strings.ToLower(strings.TrimSpace(f.Text))

	out := make([]types.Record, 0, len(records))
	for _, r := range records {
		if matchFields(r, active) && matchText(r, term) {
			out = append(out, r)
		}
	}
	return out
}

// Matches reports whether one record passes the filter state
func Matches(r types.Record, f FilterState) bool {
	return matchFields(r, f.Active()) && matchText(r, strings.ToLower(strings.TrimSpace(f.Text)))
}

func matchFields(r types.Record, active map[string]string) bool {
	for field, want := range active {
		if !matchValue(r.Value(field), want) {
			return false
		}
	}
	return true
}

// matchValue compares the stringified value with want. Lists match when
// any element does.
func matchValue(v any, want string) bool {
	switch v.(type) {
	case []any, []string:
		for _, s := range types.Strings(v) {
			if s == want {
				return true
			}
		}
		return false
	}
	return types.Stringify(v) == want
}

func matchText(r types.Record, term string) bool {
	if term == "" {
		return true
	}
	if strings.Contains(strings.ToLower(r.ID), term) {
		return true
	}
	for _, v := range r.Fields {
		if strings.Contains(strings.ToLower(types.Stringify(v)), term) {
			return true
		}
	}
	return false
}

// Sort orders records in place by spec, ties broken by id ascending. An
// empty spec sorts by id alone.
func Sort(records []types.Record, spec types.OrderSpec) {
	sort.SliceStable(records, func(i, j int) bool {
		return spec.Compare(records[i], records[j]) < 0
	})
}

// Paginate slices one page out of records. The page is clamped into range
// and pageCount is never below 1.
func Paginate(records []types.Record, page, size int) types.DerivedView {
	if size < 1 {
		size = DefaultPageSize
	}
	total := len(records)
	pageCount := (total + size - 1) / size
	if pageCount < 1 {
		pageCount = 1
	}
	if page < 0 {
		page = 0
	}
	if page > pageCount-1 {
		page = pageCount - 1
	}

	start := page * size
	end := start + size
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	visible := make([]types.Record, end-start)
	copy(visible, records[start:end])
	return types.DerivedView{
		Records:    visible,
		TotalCount: total,
		Page:       page,
		PageCount:  pageCount,
		PageSize:   size,
	}
}
