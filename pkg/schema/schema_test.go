package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/runwayhq/runway/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDefault(t *testing.T) *Registry {
	t.Helper()
	reg, err := Default()
	require.NoError(t, err)
	return reg
}

func TestDefaultCollections(t *testing.T) {
	reg := mustDefault(t)
	assert.Equal(t, []string{"chatRooms", "checklist", "evaluations", "glossary", "incidents", "messages", "projects"}, reg.Names())

	checklist, ok := reg.Get("checklist")
	require.True(t, ok)
	assert.Equal(t, types.OrderSpec{Field: "annex", Direction: types.Ascending}, checklist.Sort)

	incidents, _ := reg.Get("incidents")
	assert.Equal(t, types.DefaultOrder, incidents.Sort)

	projects, _ := reg.Get("projects")
	assert.Equal(t, []string{"dueDate"}, projects.TimeFields())

	_, ok = reg.Get("nope")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	reg := mustDefault(t)
	incidents, _ := reg.Get("incidents")

	tests := []struct {
		name       string
		input      map[string]any
		partial    bool
		wantFields []string
	}{
		{
			name:  "valid create",
			input: map[string]any{"title": "Bird strike", "status": "Open", "severity": "High"},
		},
		{
			name:       "missing required",
			input:      map[string]any{"title": "  "},
			wantFields: []string{"severity", "status", "title"},
		},
		{
			name:       "bad enum",
			input:      map[string]any{"title": "x", "status": "Maybe", "severity": "High"},
			wantFields: []string{"status"},
		},
		{
			name:    "partial update ignores absent",
			input:   map[string]any{"status": "Closed"},
			partial: true,
		},
		{
			name:       "partial update cannot blank required",
			input:      map[string]any{"title": ""},
			partial:    true,
			wantFields: []string{"title"},
		},
		{
			name:    "partial update may clear optional",
			input:   map[string]any{"location": nil},
			partial: true,
		},
		{
			name:       "wrong type",
			input:      map[string]any{"title": []any{"x"}, "status": "Open", "severity": "Low"},
			wantFields: []string{"title"},
		},
		{
			name:  "unknown fields ignored",
			input: map[string]any{"title": "x", "status": "Open", "severity": "Low", "hacker": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := incidents.Validate(tt.input, tt.partial)
			if len(tt.wantFields) == 0 {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, "incidents", verr.Collection)
			var got []string
			for _, f := range []string{"location", "severity", "status", "title"} {
				if _, ok := verr.Fields[f]; ok {
					got = append(got, f)
				}
			}
			assert.Equal(t, tt.wantFields, got)
		})
	}
}

func TestValidateLengthsAndLists(t *testing.T) {
	reg := mustDefault(t)
	glossary, _ := reg.Get("glossary")

	long := make([]byte, 121)
	for i := range long {
		long[i] = 'a'
	}
	err := glossary.Validate(map[string]any{"term": string(long), "definition": "d"}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "term: must be at most 120 characters")

	rooms, _ := reg.Get("chatRooms")
	assert.Error(t, rooms.Validate(map[string]any{"name": "ops", "members": []any{}}, false))
	assert.Error(t, rooms.Validate(map[string]any{"name": "ops", "members": []any{1, 2}}, false))
	assert.NoError(t, rooms.Validate(map[string]any{"name": "ops", "members": []string{"u1"}}, false))

	projects, _ := reg.Get("projects")
	assert.NoError(t, projects.Validate(map[string]any{"name": "p", "status": "Planned", "dueDate": "2024-12-01"}, false))
	assert.Error(t, projects.Validate(map[string]any{"name": "p", "status": "Planned", "dueDate": "soon"}, false))
}

func TestSanitize(t *testing.T) {
	reg := mustDefault(t)
	projects, _ := reg.Get("projects")

	out := projects.Sanitize(map[string]any{
		"name":    "  Runway lighting  ",
		"status":  " Planned ",
		"dueDate": "2024-12-01",
		"tags":    []any{" safety ", "", "safety", "annex14"},
		"owner":   nil,
		"extra":   "dropped",
	})

	assert.Equal(t, types.Fields{
		"name":    "Runway lighting",
		"status":  "Planned",
		"dueDate": time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC),
		"tags":    []any{"safety", "annex14"},
		"owner":   nil,
	}, out)

	checklist, _ := reg.Get("checklist")
	assert.Equal(t, "14", checklist.Sanitize(map[string]any{"annex": 14})["annex"])
}

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
collections:
  glossary:
    fields:
      term: {type: string, required: true}
  audits:
    sort: {field: score, direction: desc}
    fields:
      score: {type: number}
      passed: {type: bool}
`), 0600))

	reg, err := Load(path)
	require.NoError(t, err)

	audits, ok := reg.Get("audits")
	require.True(t, ok)
	assert.Equal(t, types.Descending, audits.Sort.Direction)
	assert.Equal(t, types.Fields{"score": 9.5, "passed": true}, audits.Sanitize(map[string]any{"score": "9.5", "passed": "true"}))

	glossary, _ := reg.Get("glossary")
	assert.NoError(t, glossary.Validate(map[string]any{"term": "ATC"}, false))

	_, ok = reg.Get("incidents")
	assert.True(t, ok)
}

func TestParseRejectsBadSchemas(t *testing.T) {
	_, err := Parse([]byte("collections:\n  x:\n    fields:\n      a: {type: enum}\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("collections:\n  x:\n    fields:\n      a: {type: blob}\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("collections:\n  x: {}\n"))
	assert.Error(t, err)
}
