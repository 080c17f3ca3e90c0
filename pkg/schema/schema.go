package schema

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/runwayhq/runway/pkg/types"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// RuleType is the declared type of a field
type RuleType string

const (
	TypeString RuleType = "string"
	TypeText   RuleType = "text"
	TypeNumber RuleType = "number"
	TypeBool   RuleType = "bool"
	TypeEnum   RuleType = "enum"
	TypeList   RuleType = "list"
	TypeTime   RuleType = "time"
)

// Rule constrains one field. MaxLength counts characters for strings and
// elements for lists. Values enumerates the allowed enum values, or the
// allowed list elements when set on a list.
type Rule struct {
	Type      RuleType `yaml:"type"`
	Required  bool     `yaml:"required"`
	MaxLength int      `yaml:"max_length"`
	Values    []string `yaml:"values"`
}

// Schema describes one collection: its fields and its default ordering
type Schema struct {
	Name   string
	Sort   types.OrderSpec
	Fields map[string]Rule
}

// Registry holds the schemas of every known collection
type Registry struct {
	schemas map[string]*Schema
}

type file struct {
	Collections map[string]*collectionYAML `yaml:"collections"`
}

type collectionYAML struct {
	Sort *struct {
		Field     string `yaml:"field"`
		Direction string `yaml:"direction"`
	} `yaml:"sort"`
	Fields map[string]Rule `yaml:"fields"`
}

// Default returns the built-in collection schemas
func Default() (*Registry, error) {
	return Parse(defaultsYAML)
}

// Parse reads a registry from YAML
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse schemas: %w", err)
	}
	reg := &Registry{schemas: make(map[string]*Schema, len(f.Collections))}
	for name, c := range f.Collections {
		if c == nil {
			return nil, fmt.Errorf("collection %s: empty schema", name)
		}
		s, err := c.build(name)
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", name, err)
		}
		reg.schemas[name] = s
	}
	return reg, nil
}

// Load returns the built-in schemas overlaid with the collections declared
// in path. An empty path returns the defaults.
func Load(path string) (*Registry, error) {
	reg, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return reg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	extra, err := Parse(data)
	if err != nil {
		return nil, err
	}
	for name, s := range extra.schemas {
		reg.schemas[name] = s
	}
	return reg, nil
}

// Get returns the schema of a collection
func (r *Registry) Get(collection string) (*Schema, bool) {
	s, ok := r.schemas[collection]
	return s, ok
}

// Names returns the known collection names in order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.schemas))
	for n := range r.schemas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *collectionYAML) build(name string) (*Schema, error) {
	if len(c.Fields) == 0 {
		return nil, fmt.Errorf("no fields declared")
	}
	s := &Schema{Name: name, Sort: types.DefaultOrder, Fields: make(map[string]Rule, len(c.Fields))}
	for field, rule := range c.Fields {
		switch rule.Type {
		case TypeString, TypeText, TypeNumber, TypeBool, TypeList, TypeTime:
		case TypeEnum:
			if len(rule.Values) == 0 {
				return nil, fmt.Errorf("field %s: enum without values", field)
			}
		case "":
			rule.Type = TypeString
		default:
			return nil, fmt.Errorf("field %s: unknown type %q", field, rule.Type)
		}
		s.Fields[field] = rule
	}

	if c.Sort != nil && c.Sort.Field != "" {
		s.Sort = types.OrderSpec{Field: c.Sort.Field, Direction: types.Ascending}
		if strings.EqualFold(c.Sort.Direction, string(types.Descending)) {
			s.Sort.Direction = types.Descending
		}
	}
	return s, nil
}

// FieldNames returns the declared fields in order
func (s *Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for n := range s.Fields {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// TimeFields returns the fields declared as time
func (s *Schema) TimeFields() []string {
	var out []string
	for _, n := range s.FieldNames() {
		if s.Fields[n].Type == TypeTime {
			out = append(out, n)
		}
	}
	return out
}

// ValidationError lists per-field problems found before any write
type ValidationError struct {
	Collection string
	Fields     map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("invalid %s: %s", e.Collection, strings.Join(parts, "; "))
}

// Validate checks input against the schema. With partial set, as for an
// update, absent required fields are allowed but present ones must still
// be valid. Fields the schema does not declare are ignored here and
// dropped by Sanitize. It returns a *ValidationError or nil.
func (s *Schema) Validate(input map[string]any, partial bool) error {
	problems := make(map[string]string)
	for _, name := range s.FieldNames() {
		rule := s.Fields[name]
		v, present := input[name]
		if !present && partial {
			continue
		}
		if isBlank(v) {
			if rule.Required {
				problems[name] = "is required"
			}
			continue
		}
		if msg := rule.check(v); msg != "" {
			problems[name] = msg
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Collection: s.Name, Fields: problems}
	}
	return nil
}

func (r Rule) check(v any) string {
	switch r.Type {
	case TypeString, TypeText:
		str, ok := toText(v)
		if !ok {
			return "must be text"
		}
		if r.MaxLength > 0 && utf8.RuneCountInString(strings.TrimSpace(str)) > r.MaxLength {
			return fmt.Sprintf("must be at most %d characters", r.MaxLength)
		}
	case TypeNumber:
		if _, ok := toNumber(v); !ok {
			return "must be a number"
		}
	case TypeBool:
		if _, ok := toBool(v); !ok {
			return "must be true or false"
		}
	case TypeEnum:
		str, ok := v.(string)
		if !ok || !contains(r.Values, strings.TrimSpace(str)) {
			return "must be one of " + strings.Join(r.Values, ", ")
		}
	case TypeList:
		items, ok := toList(v)
		if !ok {
			return "must be a list"
		}
		if r.MaxLength > 0 && len(items) > r.MaxLength {
			return fmt.Sprintf("must have at most %d entries", r.MaxLength)
		}
		if len(r.Values) > 0 {
			for _, it := range items {
				if !contains(r.Values, it) {
					return fmt.Sprintf("contains unknown value %q", it)
				}
			}
		}
	case TypeTime:
		if _, ok := toTime(v); !ok {
			return "must be a date or timestamp"
		}
	}
	return ""
}

// Sanitize normalizes input for storage: strings are trimmed, numeric and
// boolean strings are coerced, lists lose blanks and duplicates, time
// strings become time.Time and undeclared fields are dropped. A nil value
// is kept so updates can clear a field. Values Sanitize cannot coerce are
// passed through for Validate to reject.
func (s *Schema) Sanitize(input map[string]any) types.Fields {
	out := make(types.Fields, len(input))
	for name, v := range input {
		rule, ok := s.Fields[name]
		if !ok {
			continue
		}
		if v == nil {
			out[name] = nil
			continue
		}
		out[name] = rule.sanitize(v)
	}
	return out
}

func (r Rule) sanitize(v any) any {
	switch r.Type {
	case TypeString, TypeText:
		if str, ok := toText(v); ok {
			return strings.TrimSpace(str)
		}
	case TypeEnum:
		if str, ok := v.(string); ok {
			return strings.TrimSpace(str)
		}
	case TypeNumber:
		if n, ok := toNumber(v); ok {
			return n
		}
	case TypeBool:
		if b, ok := toBool(v); ok {
			return b
		}
	case TypeList:
		if items, ok := toList(v); ok {
			seen := make(map[string]bool, len(items))
			out := make([]any, 0, len(items))
			for _, it := range items {
				if it == "" || seen[it] {
					continue
				}
				seen[it] = true
				out = append(out, it)
			}
			return out
		}
	case TypeTime:
		if t, ok := toTime(v); ok {
			return t
		}
	}
	return v
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	}
	return false
}

// toText accepts strings and scalars such as numeric annex codes
func toText(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	}
	if _, ok := types.ToFloat(v); ok {
		return types.Stringify(v), true
	}
	return "", false
}

func toNumber(v any) (float64, bool) {
	if f, ok := types.ToFloat(v); ok {
		return f, true
	}
	if str, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	}
	return false, false
}

// toList returns the trimmed string elements of a list value
func toList(v any) ([]string, bool) {
	var raw []string
	switch x := v.(type) {
	case []string:
		raw = x
	case []any:
		raw = make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			raw = append(raw, s)
		}
	default:
		return nil, false
	}
	out := make([]string, len(raw))
	for i, s := range raw {
		out[i] = strings.TrimSpace(s)
	}
	return out, true
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, !x.IsZero()
	case string:
		x = strings.TrimSpace(x)
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
