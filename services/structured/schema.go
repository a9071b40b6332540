package structured

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/outfold/dispatch/services"
)

// FieldType enumerates the value types a schema field can require.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Field describes one named field of the desired object.
type Field struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required"`

	// Items is the element type for array fields; empty means untyped.
	Items FieldType `json:"items,omitempty"`
}

// Schema is the structural description of the object a caller wants back.
type Schema struct {
	Name   string  `json:"name,omitempty"`
	Fields []Field `json:"fields"`
}

// Validate checks the schema itself is usable.
func (s *Schema) Validate() error {
	if len(s.Fields) == 0 {
		return services.NewDispatchError(services.ErrKindConfiguration, "schema has no fields", nil)
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return services.NewDispatchError(services.ErrKindConfiguration, "schema field has no name", nil)
		}
		if seen[f.Name] {
			return services.NewDispatchError(services.ErrKindConfiguration,
				fmt.Sprintf("schema field %q declared twice", f.Name), nil)
		}
		seen[f.Name] = true
		switch f.Type {
		case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray, TypeObject:
		default:
			return services.NewDispatchError(services.ErrKindConfiguration,
				fmt.Sprintf("schema field %q has unknown type %q", f.Name, f.Type), nil)
		}
	}
	return nil
}

// RequiredFields returns the names of all required fields in order.
func (s *Schema) RequiredFields() []string {
	var names []string
	for _, f := range s.Fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

// JSONSchema renders the schema as a JSON Schema document for backends with
// native structured output. Strict decoding modes demand every property be
// listed in required, so optional fields are emitted as nullable instead of
// being left off the required list.
func (s *Schema) JSONSchema() ([]byte, error) {
	props := make(map[string]interface{}, len(s.Fields))
	required := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		prop := map[string]interface{}{}
		if f.Required {
			prop["type"] = string(f.Type)
		} else {
			prop["type"] = []string{string(f.Type), "null"}
		}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		if f.Type == TypeArray && f.Items != "" {
			prop["items"] = map[string]interface{}{"type": string(f.Items)}
		}
		props[f.Name] = prop
		required = append(required, f.Name)
	}

	doc := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
	return json.Marshal(doc)
}

// ExampleJSON renders one illustrative object with placeholder values, used
// by the emulator's instruction block.
func (s *Schema) ExampleJSON() string {
	var b strings.Builder
	b.WriteString("{")
	for i, f := range s.Fields {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q: %s", f.Name, exampleValue(f))
	}
	b.WriteString("}")
	return b.String()
}

func exampleValue(f Field) string {
	switch f.Type {
	case TypeString:
		return `"..."`
	case TypeNumber:
		return "1.5"
	case TypeInteger:
		return "1"
	case TypeBoolean:
		return "true"
	case TypeArray:
		if f.Items != "" {
			return "[" + exampleValue(Field{Type: f.Items}) + "]"
		}
		return "[]"
	case TypeObject:
		return "{}"
	default:
		return "null"
	}
}

// Violation describes one way a candidate object failed the schema.
type Violation struct {
	Field  string
	Reason string

	// Missing distinguishes an absent required field from one that is
	// present but empty or mistyped; the corrective prompt words the two
	// cases differently.
	Missing bool
}

// Check validates a decoded object against the schema and returns every
// violation found. An empty result means the object conforms.
func (s *Schema) Check(object map[string]interface{}) []Violation {
	var violations []Violation
	for _, f := range s.Fields {
		value, present := object[f.Name]
		if !present || value == nil {
			if f.Required {
				violations = append(violations, Violation{
					Field:   f.Name,
					Reason:  fmt.Sprintf("required field %q is missing", f.Name),
					Missing: true,
				})
			}
			continue
		}
		if !typeMatches(f.Type, value) {
			violations = append(violations, Violation{
				Field:  f.Name,
				Reason: fmt.Sprintf("field %q must be of type %s", f.Name, f.Type),
			})
			continue
		}
		if f.Required && isEmptyValue(f.Type, value) {
			violations = append(violations, Violation{
				Field:  f.Name,
				Reason: fmt.Sprintf("required field %q is empty", f.Name),
			})
		}
	}
	return violations
}

// typeMatches checks a decoded JSON value against a field type. JSON numbers
// decode as float64; integers additionally require a whole value.
func typeMatches(t FieldType, value interface{}) bool {
	switch t {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		_, ok := value.(float64)
		return ok
	case TypeInteger:
		n, ok := value.(float64)
		return ok && n == float64(int64(n))
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeArray:
		_, ok := value.([]interface{})
		return ok
	case TypeObject:
		_, ok := value.(map[string]interface{})
		return ok
	default:
		return false
	}
}

func isEmptyValue(t FieldType, value interface{}) bool {
	switch t {
	case TypeString:
		s, _ := value.(string)
		return strings.TrimSpace(s) == ""
	case TypeArray:
		a, _ := value.([]interface{})
		return len(a) == 0
	default:
		return false
	}
}
