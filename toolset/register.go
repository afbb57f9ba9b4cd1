package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/mantleworks/toolgate/provider"
)

// maxSchemaDepth bounds recursion when inferring schemas from nested
// struct types.
const maxSchemaDepth = 8

// RegisterFunc registers a native Go function as a tool. The argument
// schema is inferred from In, which must be a struct: each exported field
// becomes a parameter named by its json tag (or the field name), with a
// description taken from its desc tag. A field is required unless it is
// a pointer or carries the omitempty option.
func RegisterFunc[In any](c *Catalog, name, description string, fn func(ctx context.Context, in In) (any, error)) error {
	if fn == nil {
		return fmt.Errorf("toolset: tool %q has no function", name)
	}
	schema, err := inferSchema(reflect.TypeOf((*In)(nil)).Elem())
	if err != nil {
		return fmt.Errorf("toolset: tool %q: %w", name, err)
	}
	required := schema.Required

	return c.Register(Entry{
		Name:        name,
		Kind:        KindFunction,
		Description: description,
		Schema:      schema,
		Invoke: func(ctx context.Context, arguments json.RawMessage) (any, error) {
			fields := map[string]json.RawMessage{}
			if len(arguments) > 0 {
				if err := json.Unmarshal(arguments, &fields); err != nil {
					return nil, &provider.Error{
						Kind:    provider.ErrorKindInvalidArguments,
						Message: fmt.Sprintf("arguments must be a JSON object: %v", err),
					}
				}
			}
			for _, field := range required {
				if _, ok := fields[field]; !ok {
					return nil, &provider.Error{
						Kind:    provider.ErrorKindInvalidArguments,
						Message: fmt.Sprintf("missing required argument %q", field),
					}
				}
			}
			var in In
			if len(arguments) > 0 {
				if err := json.Unmarshal(arguments, &in); err != nil {
					return nil, &provider.Error{
						Kind:    provider.ErrorKindInvalidArguments,
						Message: fmt.Sprintf("arguments do not match the tool schema: %v", err),
					}
				}
			}
			return fn(ctx, in)
		},
	})
}

// inferSchema builds a JSON Schema object for a struct type.
func inferSchema(t reflect.Type) (*jsonschema.Schema, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("input type %s is not a struct", t)
	}
	return objectSchema(t, 0), nil
}

func objectSchema(t reflect.Type, depth int) *jsonschema.Schema {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema),
	}
	var required []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, omitempty, skip := parseJSONTag(field)
		if skip {
			continue
		}
		prop := fieldSchema(field.Type, depth)
		if desc := field.Tag.Get("desc"); desc != "" {
			prop.Description = desc
		}
		schema.Properties[name] = prop
		if field.Type.Kind() != reflect.Pointer && !omitempty {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	schema.Required = required
	return schema
}

func parseJSONTag(field reflect.StructField) (name string, omitempty, skip bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name = field.Name
	parts := strings.Split(tag, ",")
	if parts[0] != "" {
		name = parts[0]
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitempty = true
		}
	}
	return name, omitempty, false
}

var timeType = reflect.TypeOf(time.Time{})

func fieldSchema(t reflect.Type, depth int) *jsonschema.Schema {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if depth >= maxSchemaDepth {
		return &jsonschema.Schema{Type: "object"}
	}
	if t == timeType {
		return &jsonschema.Schema{Type: "string"}
	}
	switch t.Kind() {
	case reflect.String:
		return &jsonschema.Schema{Type: "string"}
	case reflect.Bool:
		return &jsonschema.Schema{Type: "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &jsonschema.Schema{Type: "integer"}
	case reflect.Float32, reflect.Float64:
		return &jsonschema.Schema{Type: "number"}
	case reflect.Slice, reflect.Array:
		return &jsonschema.Schema{Type: "array", Items: fieldSchema(t.Elem(), depth+1)}
	case reflect.Map:
		return &jsonschema.Schema{Type: "object"}
	case reflect.Struct:
		return objectSchema(t, depth+1)
	default:
		return &jsonschema.Schema{Type: "object"}
	}
}
