package dispatch

import (
	"fmt"
	"math"
	"regexp"
)

// FieldType enumerates the JSON types accepted by tool input schemas.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldBool   FieldType = "bool"
	FieldObject FieldType = "object"
)

// Field declares one tool input parameter.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	// MaxLength bounds string values; zero means unbounded.
	MaxLength int
	// Pattern constrains string values; nil means unconstrained.
	Pattern *regexp.Regexp
}

// Schema is the declared shape of a tool's input object.
type Schema struct {
	Fields []Field
}

// FieldError is one field-level validation finding, safe to return to the
// caller.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validate checks input against the schema and returns every violation.
// Unknown fields are rejected so typos surface instead of being ignored.
func (s Schema) Validate(input map[string]any) []FieldError {
	var errs []FieldError
	known := make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Name] = f
	}
	for name := range input {
		if _, ok := known[name]; !ok {
			errs = append(errs, FieldError{Field: name, Message: "unknown field"})
		}
	}
	for _, f := range s.Fields {
		value, present := input[f.Name]
		if !present || value == nil {
			if f.Required {
				errs = append(errs, FieldError{Field: f.Name, Message: "required"})
			}
			continue
		}
		if ferr := f.check(value); ferr != nil {
			errs = append(errs, *ferr)
		}
	}
	return errs
}

func (f Field) check(value any) *FieldError {
	switch f.Type {
	case FieldString:
		s, ok := value.(string)
		if !ok {
			return &FieldError{Field: f.Name, Message: "must be a string"}
		}
		if f.MaxLength > 0 && len(s) > f.MaxLength {
			return &FieldError{Field: f.Name, Message: fmt.Sprintf("exceeds %d characters", f.MaxLength)}
		}
		if f.Pattern != nil && !f.Pattern.MatchString(s) {
			return &FieldError{Field: f.Name, Message: fmt.Sprintf("must match %s", f.Pattern)}
		}
	case FieldInt:
		// encoding/json decodes numbers as float64.
		n, ok := value.(float64)
		if !ok || n != math.Trunc(n) {
			return &FieldError{Field: f.Name, Message: "must be an integer"}
		}
	case FieldBool:
		if _, ok := value.(bool); !ok {
			return &FieldError{Field: f.Name, Message: "must be a boolean"}
		}
	case FieldObject:
		if _, ok := value.(map[string]any); !ok {
			return &FieldError{Field: f.Name, Message: "must be an object"}
		}
	default:
		return &FieldError{Field: f.Name, Message: "unsupported schema type"}
	}
	return nil
}

// IntArg extracts an integer field from decoded input, defaulting when the
// field is absent.
func IntArg(input map[string]any, name string, def int) int {
	if v, ok := input[name].(float64); ok {
		return int(v)
	}
	return def
}

// StringArg extracts a string field from decoded input.
func StringArg(input map[string]any, name string) string {
	v, _ := input[name].(string)
	return v
}

// BoolArg extracts a boolean field from decoded input.
func BoolArg(input map[string]any, name string) bool {
	v, _ := input[name].(bool)
	return v
}
