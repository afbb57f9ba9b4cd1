package provider

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/mantleworks/toolgate/provider/mcp"
)

// PlaceholderParam is the synthetic optional parameter injected into
// descriptors for tools that declare no inputs, so downstream schema
// consumers always see an object with at least one property. It is stripped
// from arguments before invocation.
const PlaceholderParam = "placeholder__"

// placeholderDescription documents the synthetic parameter.
const placeholderDescription = "No parameters required"

// ParamType is the coarse host-side type a provider schema field maps to.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamArray   ParamType = "array"
	ParamObject  ParamType = "object"
)

// Param describes one invocation parameter of a capability.
type Param struct {
	Type        ParamType
	Description string
	Required    bool
	Items       *Param
	Properties  map[string]Param
}

// Descriptor is the host-side description of one provider capability. The
// raw InputSchema is preserved verbatim for API responses; Params carries
// the translated form used for validation and schema generation.
type Descriptor struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	InputSchema map[string]any   `json:"inputSchema,omitempty"`
	Params      map[string]Param `json:"-"`
}

// DescribeTool translates one discovered tool into a Descriptor.
func DescribeTool(tool mcp.Tool) Descriptor {
	return Descriptor{
		Name:        tool.Name,
		Description: strings.TrimSpace(tool.Description),
		InputSchema: tool.InputSchema,
		Params:      translateInputSchema(tool.InputSchema),
	}
}

// DescribeTools translates a discovery listing into descriptors keyed by
// tool name.
func DescribeTools(tools []mcp.Tool) map[string]Descriptor {
	out := make(map[string]Descriptor, len(tools))
	for _, tool := range tools {
		out[tool.Name] = DescribeTool(tool)
	}
	return out
}

// translateInputSchema maps a JSON Schema object to host parameters. Tools
// that declare no parameters get the placeholder parameter instead of an
// empty set.
func translateInputSchema(schema map[string]any) map[string]Param {
	requiredSet := make(map[string]struct{})
	if requiredRaw, ok := schema["required"].([]any); ok {
		for _, item := range requiredRaw {
			if field, ok := item.(string); ok {
				requiredSet[field] = struct{}{}
			}
		}
	}

	propertiesRaw, _ := schema["properties"].(map[string]any)
	if len(propertiesRaw) == 0 {
		return map[string]Param{
			PlaceholderParam: {
				Type:        ParamString,
				Description: placeholderDescription,
			},
		}
	}

	params := make(map[string]Param, len(propertiesRaw))
	for name, raw := range propertiesRaw {
		fieldSchema, _ := raw.(map[string]any)
		param := translateFieldSchema(fieldSchema)
		_, param.Required = requiredSet[name]
		params[name] = param
	}
	return params
}

func translateFieldSchema(schema map[string]any) Param {
	param := Param{Type: ParamString}
	if schema == nil {
		return param
	}
	if desc, ok := schema["description"].(string); ok {
		param.Description = desc
	}
	if fieldType, ok := schema["type"].(string); ok {
		param.Type = mapSchemaType(fieldType)
	} else if typeArray, ok := schema["type"].([]any); ok {
		for _, rawType := range typeArray {
			typeName, _ := rawType.(string)
			if strings.EqualFold(typeName, "null") {
				continue
			}
			param.Type = mapSchemaType(typeName)
			break
		}
	}

	if param.Type == ParamArray {
		if itemSchema, ok := schema["items"].(map[string]any); ok {
			item := translateFieldSchema(itemSchema)
			param.Items = &item
		}
	}
	if param.Type == ParamObject {
		if props, ok := schema["properties"].(map[string]any); ok {
			param.Properties = make(map[string]Param, len(props))
			for name, raw := range props {
				childSchema, _ := raw.(map[string]any)
				param.Properties[name] = translateFieldSchema(childSchema)
			}
		}
	}
	return param
}

// mapSchemaType folds a JSON Schema type onto the host type set. Anything
// unrecognized degrades to string rather than failing discovery.
func mapSchemaType(jsonType string) ParamType {
	switch strings.ToLower(strings.TrimSpace(jsonType)) {
	case "string":
		return ParamString
	case "integer":
		return ParamInteger
	case "number":
		return ParamNumber
	case "boolean":
		return ParamBoolean
	case "array":
		return ParamArray
	case "object":
		return ParamObject
	default:
		return ParamString
	}
}

// Schema renders the descriptor's parameters as a JSON Schema object for
// API consumers.
func (d Descriptor) Schema() *jsonschema.Schema {
	properties := make(map[string]*jsonschema.Schema, len(d.Params))
	var required []string
	for _, name := range sortedParamNames(d.Params) {
		param := d.Params[name]
		properties[name] = param.schema()
		if param.Required {
			required = append(required, name)
		}
	}
	return &jsonschema.Schema{
		Type:        "object",
		Description: d.Description,
		Properties:  properties,
		Required:    required,
	}
}

func (p Param) schema() *jsonschema.Schema {
	schema := &jsonschema.Schema{
		Type:        string(p.Type),
		Description: p.Description,
	}
	if p.Items != nil {
		schema.Items = p.Items.schema()
	}
	if len(p.Properties) > 0 {
		schema.Properties = make(map[string]*jsonschema.Schema, len(p.Properties))
		for _, name := range sortedParamNames(p.Properties) {
			schema.Properties[name] = p.Properties[name].schema()
		}
	}
	return schema
}

// CheckArguments verifies required parameters are present and that values
// have roughly the declared shape. Unknown arguments are tolerated; the
// provider is the authority on its own schema.
func (d Descriptor) CheckArguments(args map[string]any) error {
	var missing []string
	for _, name := range sortedParamNames(d.Params) {
		param := d.Params[name]
		value, ok := args[name]
		if !ok || value == nil {
			if param.Required {
				missing = append(missing, name)
			}
			continue
		}
		if !checkValue(param, value) {
			return newError(ErrorKindInvalidArguments, fmt.Sprintf("argument %q is not a valid %s", name, param.Type), nil)
		}
	}
	if len(missing) > 0 {
		return newError(ErrorKindInvalidArguments, fmt.Sprintf("missing required arguments: %s", strings.Join(missing, ", ")), nil)
	}
	return nil
}

func checkValue(param Param, value any) bool {
	switch param.Type {
	case ParamString:
		_, ok := value.(string)
		return ok
	case ParamBoolean:
		_, ok := value.(bool)
		return ok
	case ParamNumber:
		return isJSONNumber(value)
	case ParamInteger:
		number, ok := asFloat(value)
		return ok && number == math.Trunc(number)
	case ParamArray:
		_, ok := value.([]any)
		return ok
	case ParamObject:
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

func isJSONNumber(value any) bool {
	_, ok := asFloat(value)
	return ok
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ScrubArguments drops the placeholder parameter and null values before an
// invocation is forwarded to the provider.
func ScrubArguments(args map[string]any) map[string]any {
	scrubbed := make(map[string]any, len(args))
	for key, value := range args {
		if key == PlaceholderParam || value == nil {
			continue
		}
		scrubbed[key] = value
	}
	return scrubbed
}

func sortedParamNames(params map[string]Param) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
