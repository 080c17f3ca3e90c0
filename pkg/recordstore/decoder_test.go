package recordstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/runwayhq/runway/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		in      any
		want    time.Time
		wantErr bool
	}{
		{name: "nil", in: nil, want: time.Time{}},
		{name: "time", in: want, want: want},
		{name: "rfc3339", in: "2024-06-01T08:30:00Z", want: want},
		{name: "date only", in: "2024-06-01", want: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
		{name: "seconds object", in: map[string]any{"seconds": float64(want.Unix()), "nanoseconds": float64(0)}, want: want},
		{name: "underscore object", in: map[string]any{"_seconds": float64(want.Unix()), "_nanoseconds": float64(0)}, want: want},
		{name: "json number object", in: map[string]any{"seconds": json.Number("1717230600")}, want: want},
		{name: "epoch millis", in: float64(want.UnixMilli()), want: want},
		{name: "garbage string", in: "last tuesday", wantErr: true},
		{name: "object without seconds", in: map[string]any{"nanoseconds": 5}, wantErr: true},
		{name: "nanos out of range", in: map[string]any{"seconds": 1, "nanoseconds": 2e9}, wantErr: true},
		{name: "bool", in: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTime(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
		})
	}
}

func TestDecoderExtraTimeFields(t *testing.T) {
	d := NewDecoder("dueDate")
	rec := d.Decode(storage.Document{ID: "p1", Data: map[string]any{
		"name":      "Annex 14 audit",
		"dueDate":   "2024-09-30",
		"updatedAt": map[string]any{"seconds": float64(100), "nanoseconds": float64(5)},
	}})

	assert.False(t, rec.DecodeError)
	assert.Equal(t, time.Date(2024, 9, 30, 0, 0, 0, 0, time.UTC), rec.Fields["dueDate"])
	assert.Equal(t, time.Unix(100, 5).UTC(), rec.UpdatedAt)
	assert.NotContains(t, rec.Fields, "updatedAt")
	assert.True(t, rec.CreatedAt.IsZero())
}

func TestDecoderFlagsWithoutDropping(t *testing.T) {
	d := NewDecoder("dueDate")
	rec := d.Decode(storage.Document{ID: "p2", Data: map[string]any{
		"name":    "Broken",
		"dueDate": []any{"not", "a", "date"},
	}})

	assert.True(t, rec.DecodeError)
	assert.Contains(t, rec.DecodeReason, "dueDate")
	assert.Equal(t, "Broken", rec.Fields["name"])
}

func TestDecoderRawDocument(t *testing.T) {
	rec := NewDecoder().Decode(storage.Document{ID: "x", Data: map[string]any{"_raw": "{oops"}})
	assert.True(t, rec.DecodeError)
	assert.Equal(t, "x", rec.ID)
}
