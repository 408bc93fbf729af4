package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// FieldType is the JSON type of a parameter.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
)

// FormatDateTime requires an RFC 3339 timestamp.
const FormatDateTime = "date-time"

// Field describes one parameter.
type Field struct {
	Name        string
	Type        FieldType
	Description string
	Required    bool
	Enum        []string
	MinLength   int
	MaxLength   int
	Minimum     *float64
	Maximum     *float64
	Format      string
	Default     any
}

// Schema is an object schema with no additional properties.
type Schema struct {
	Fields []Field
}

// FieldError names a parameter that failed validation.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e FieldError) String() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func bound(v float64) *float64 { return &v }

// JSONSchema renders the schema as a JSON Schema object for discovery.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Fields))
	required := []string{}
	for _, f := range s.Fields {
		p := map[string]any{"type": string(f.Type)}
		if f.Description != "" {
			p["description"] = f.Description
		}
		if len(f.Enum) > 0 {
			p["enum"] = f.Enum
		}
		if f.MinLength > 0 {
			p["minLength"] = f.MinLength
		}
		if f.MaxLength > 0 {
			p["maxLength"] = f.MaxLength
		}
		if f.Minimum != nil {
			p["minimum"] = *f.Minimum
		}
		if f.Maximum != nil {
			p["maximum"] = *f.Maximum
		}
		if f.Format != "" {
			p["format"] = f.Format
		}
		if f.Default != nil {
			p["default"] = f.Default
		}
		props[f.Name] = p
		if f.Required {
			required = append(required, f.Name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// Validate checks raw against s. On success it returns the parameters with
// defaults applied, typed as string, int64, float64 or bool. Errors are
// reported in schema field order, unknown fields last.
func Validate(s Schema, raw json.RawMessage) (map[string]any, []FieldError) {
	obj := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if trimmed[0] != '{' {
			return nil, []FieldError{{Reason: "parameters must be a JSON object"}}
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, []FieldError{{Reason: "parameters are not valid JSON"}}
		}
	}

	out := make(map[string]any, len(s.Fields))
	var errs []FieldError
	for _, f := range s.Fields {
		v, present := obj[f.Name]
		if !present || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			if f.Required {
				errs = append(errs, FieldError{f.Name, "is required"})
			} else if f.Default != nil {
				out[f.Name] = f.Default
			}
			continue
		}
		val, reason := checkField(f, v)
		if reason != "" {
			errs = append(errs, FieldError{f.Name, reason})
			continue
		}
		out[f.Name] = val
	}

	var unknown []string
	for k := range obj {
		if !slices.ContainsFunc(s.Fields, func(f Field) bool { return f.Name == k }) {
			unknown = append(unknown, k)
		}
	}
	slices.Sort(unknown)
	for _, k := range unknown {
		errs = append(errs, FieldError{k, "is not a recognised parameter"})
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

func checkField(f Field, raw json.RawMessage) (any, string) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, "is not valid JSON"
	}

	switch f.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, "must be a string"
		}
		return checkString(f, s)
	case TypeInteger:
		n, ok := v.(json.Number)
		if !ok {
			return nil, "must be an integer"
		}
		i, err := n.Int64()
		if err != nil {
			return nil, "must be an integer"
		}
		if reason := checkRange(f, float64(i)); reason != "" {
			return nil, reason
		}
		return i, ""
	case TypeNumber:
		n, ok := v.(json.Number)
		if !ok {
			return nil, "must be a number"
		}
		x, err := n.Float64()
		if err != nil {
			return nil, "must be a number"
		}
		if reason := checkRange(f, x); reason != "" {
			return nil, reason
		}
		return x, ""
	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, "must be a boolean"
		}
		return b, ""
	case TypeArray:
		a, ok := v.([]any)
		if !ok {
			return nil, "must be an array"
		}
		return a, ""
	}
	return nil, fmt.Sprintf("has unsupported type %q", f.Type)
}

func checkString(f Field, s string) (any, string) {
	n := utf8.RuneCountInString(s)
	if f.MinLength > 0 && n < f.MinLength {
		if f.MinLength == 1 {
			return nil, "must not be empty"
		}
		return nil, fmt.Sprintf("must be at least %d characters", f.MinLength)
	}
	if f.MaxLength > 0 && n > f.MaxLength {
		return nil, fmt.Sprintf("must be at most %d characters", f.MaxLength)
	}
	if len(f.Enum) > 0 && !slices.Contains(f.Enum, s) {
		return nil, fmt.Sprintf("must be one of %s", strings.Join(f.Enum, ", "))
	}
	if f.Format == FormatDateTime {
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return nil, "must be an RFC 3339 timestamp"
		}
	}
	return s, ""
}

func checkRange(f Field, x float64) string {
	if f.Minimum != nil && x < *f.Minimum {
		return fmt.Sprintf("must be >= %g", *f.Minimum)
	}
	if f.Maximum != nil && x > *f.Maximum {
		return fmt.Sprintf("must be <= %g", *f.Maximum)
	}
	return ""
}
