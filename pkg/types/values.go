package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Built-in column names resolved from Record struct fields rather than Fields
const (
	ColumnID        = "id"
	ColumnCreatedAt = "createdAt"
	ColumnUpdatedAt = "updatedAt"
)

// Value resolves a column name against the record. id, createdAt and
// updatedAt come from the struct; anything else from Fields.
func (r Record) Value(column string) any {
	switch column {
	case ColumnID:
		return r.ID
	case ColumnCreatedAt:
		if r.CreatedAt.IsZero() {
			return nil
		}
		return r.CreatedAt
	case ColumnUpdatedAt:
		if r.UpdatedAt.IsZero() {
			return nil
		}
		return r.UpdatedAt
	}
	return r.Field(column)
}

// Compare orders two records by the configured column and direction, breaking
// ties by id ascending regardless of direction.
func (o OrderSpec) Compare(a, b Record) int {
	if o.Field != "" {
		c := CompareValues(a.Value(o.Field), b.Value(o.Field))
		if o.Direction == Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return strings.Compare(a.ID, b.ID)
}

// Stringify renders any field value as text. It is total: every input,
// including nested lists and maps, yields a string.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case time.Time:
		if x.IsZero() {
			return ""
		}
		return x.UTC().Format(time.RFC3339)
	case []string:
		return strings.Join(x, ",")
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = Stringify(e)
		}
		return strings.Join(parts, ",")
	case map[string]any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

// Strings flattens a list-valued field into its element strings. Scalars
// become a one-element slice; nil becomes empty.
func Strings(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, Stringify(e))
		}
		return out
	}
	return []string{Stringify(v)}
}

// ToFloat converts numeric values to float64. NaN is rejected.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		if math.IsNaN(x) {
			return 0, false
		}
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

// type ranks for mixed-type comparison
const (
	rankNil = iota
	rankBool
	rankNumber
	rankTime
	rankString
	rankOther
)

func rank(v any) int {
	switch v.(type) {
	case nil:
		return rankNil
	case bool:
		return rankBool
	case time.Time:
		return rankTime
	case string:
		return rankString
	}
	if _, ok := ToFloat(v); ok {
		return rankNumber
	}
	return rankOther
}

// CompareValues orders two field values. nil sorts first, values of
// different kinds order by kind, strings compare case-insensitively.
func CompareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case rankNil:
		return 0
	case rankBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		}
		return 1
	case rankNumber:
		af, _ := ToFloat(a)
		bf, _ := ToFloat(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	case rankTime:
		return a.(time.Time).Compare(b.(time.Time))
	}
	as, bs := Stringify(a), Stringify(b)
	if c := strings.Compare(strings.ToLower(as), strings.ToLower(bs)); c != 0 {
		return c
	}
	return strings.Compare(as, bs)
}
