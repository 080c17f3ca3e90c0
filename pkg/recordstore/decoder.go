package recordstore

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/runwayhq/runway/pkg/storage"
	"github.com/runwayhq/runway/pkg/types"
)

// rawKey marks a document the store could not parse
const rawKey = "_raw"

// Decoder normalizes raw store documents into Records. Timestamps arrive in
// whatever encoding the backend uses and leave as time.Time.
type Decoder struct {
	// TimeFields lists extra fields, beyond createdAt and updatedAt, that
	// hold timestamps
	TimeFields []string
}

// NewDecoder creates a decoder that also normalizes the given fields
func NewDecoder(timeFields ...string) *Decoder {
	return &Decoder{TimeFields: timeFields}
}

// Decode converts a document into a Record. A field that cannot be decoded
// flags the record rather than failing it; the record keeps whatever else
// decoded cleanly.
func (d *Decoder) Decode(doc storage.Document) types.Record {
	rec := types.Record{
		ID:     doc.ID,
		Fields: make(types.Fields, len(doc.Data)),
	}

	if raw, ok := doc.Data[rawKey]; ok && len(doc.Data) == 1 {
		rec.DecodeError = true
		rec.DecodeReason = "document is not valid JSON"
		rec.Fields[rawKey] = raw
		return rec
	}

	var problems []string
	for k, v := range doc.Data {
		switch k {
		case types.ColumnCreatedAt:
			t, err := ParseTime(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", k, err))
				continue
			}
			rec.CreatedAt = t
		case types.ColumnUpdatedAt:
			t, err := ParseTime(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", k, err))
				continue
			}
			rec.UpdatedAt = t
		default:
			rec.Fields[k] = v
		}
	}

	for _, f := range d.timeFields() {
		v, ok := rec.Fields[f]
		if !ok || v == nil {
			continue
		}
		t, err := ParseTime(v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", f, err))
			continue
		}
		rec.Fields[f] = t
	}

	if len(problems) > 0 {
		rec.DecodeError = true
		rec.DecodeReason = joinSorted(problems)
	}
	return rec
}

func (d *Decoder) timeFields() []string {
	if d == nil {
		return nil
	}
	return d.TimeFields
}

// ParseTime converts a backend timestamp encoding into a time.Time.
// Accepted forms are time.Time, RFC3339 strings (or bare dates), objects
// with seconds/nanoseconds (or _seconds/_nanoseconds) members, and numbers
// holding epoch milliseconds. nil yields the zero time.
func ParseTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return x, nil
	case *time.Time:
		if x == nil {
			return time.Time{}, nil
		}
		return *x, nil
	case string:
		if x == "" {
			return time.Time{}, nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", x)
	case map[string]any:
		return parseTimestampObject(x)
	case types.Fields:
		return parseTimestampObject(x)
	}

	ms, ok := number(v)
	if !ok {
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

func parseTimestampObject(m map[string]any) (time.Time, error) {
	secRaw, ok := m["seconds"]
	if !ok {
		secRaw, ok = m["_seconds"]
	}
	if !ok {
		return time.Time{}, fmt.Errorf("timestamp object has no seconds")
	}
	sec, ok := number(secRaw)
	if !ok {
		return time.Time{}, fmt.Errorf("timestamp seconds is %T", secRaw)
	}

	var nsec float64
	nsRaw, ok := m["nanoseconds"]
	if !ok {
		nsRaw, ok = m["_nanoseconds"]
	}
	if ok {
		if nsec, ok = number(nsRaw); !ok {
			return time.Time{}, fmt.Errorf("timestamp nanoseconds is %T", nsRaw)
		}
	}
	if nsec < 0 || nsec >= 1e9 {
		return time.Time{}, fmt.Errorf("timestamp nanoseconds out of range: %v", nsec)
	}
	return time.Unix(int64(sec), int64(nsec)).UTC(), nil
}

func number(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func joinSorted(parts []string) string {
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}
