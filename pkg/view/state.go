package view

import (
	"strings"

	"github.com/runwayhq/runway/pkg/types"
)

// State is a page's view configuration: filters, sort column, page and
// page size. The zero value is usable and shows the first page of
// DefaultPageSize records sorted by id.
type State struct {
	Filter   FilterState     `json:"filter"`
	Sort     types.OrderSpec `json:"sort"`
	Page     int             `json:"page"`
	PageSize int             `json:"pageSize"`
}

// NewState returns a state with the given default sort and page size
func NewState(sort types.OrderSpec, pageSize int) State {
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	sort.Limit = 0
	return State{Sort: sort, PageSize: pageSize}
}

// Clone returns a copy that shares no maps with s
func (s State) Clone() State {
	s.Filter = s.Filter.clone()
	return s
}

// SetFilter sets one field filter and returns to the first page. An empty
// value or NoFilter clears it.
func (s *State) SetFilter(field, value string) {
	field = strings.TrimSpace(field)
	if field == "" {
		return
	}
	if isNoFilter(value) {
		delete(s.Filter.Fields, field)
	} else {
		if s.Filter.Fields == nil {
			s.Filter.Fields = make(map[string]string)
		}
		s.Filter.Fields[field] = value
	}
	s.Page = 0
}

// SetSearch sets the free-text term and returns to the first page
func (s *State) SetSearch(text string) {
	s.Filter.Text = text
	s.Page = 0
}

// ResetFilters clears every filter and the search term
func (s *State) ResetFilters() {
	s.Filter = FilterState{}
	s.Page = 0
}

// SetSort changes the sort column and direction. Switching to a different
// column returns to the first page.
func (s *State) SetSort(field string, dir types.SortDirection) {
	if dir != types.Descending {
		dir = types.Ascending
	}
	if field != s.Sort.Field {
		s.Page = 0
	}
	s.Sort.Field = field
	s.Sort.Direction = dir
}

// SetPage moves to page p. Out-of-range pages are clamped when the view is
// computed.
func (s *State) SetPage(p int) {
	if p < 0 {
		p = 0
	}
	s.Page = p
}

// SetPageSize changes the page size and returns to the first page
func (s *State) SetPageSize(n int) {
	if n < 1 {
		n = DefaultPageSize
	}
	if n != s.PageSize {
		s.Page = 0
	}
	s.PageSize = n
}
