package stage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	apperrors "backup-orchestrator/internal/errors"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ParamType is the expected type of a stage argument
type ParamType int

const (
	TypeString ParamType = iota
	TypeInt
	TypeBool
)

func (t ParamType) String() string {
	switch t {
	case TypeInt:
		return "integer"
	case TypeBool:
		return "boolean"
	default:
		return "string"
	}
}

// Param describes one accepted argument of a module
type Param struct {
	Name     string
	Type     ParamType
	Required bool
	Enum     []string
	Min      *int
	Max      *int
	Default  interface{}
	// Requires names another argument that must be present when this one is given
	Requires string
	// Hint is the JSON Schema description, shown to the user when the argument is invalid
	Hint string
}

// Schema is the ordered list of arguments a module accepts
type Schema []Param

const schemaURL = "mem://backup-orchestrator/module.json"

func (s Schema) index(name string) int {
	for i, p := range s {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// document renders the schema as a JSON Schema object
func (s Schema) document() map[string]interface{} {
	properties := make(map[string]interface{}, len(s))
	required := []string{}
	for _, p := range s {
		property := map[string]interface{}{"type": p.Type.String()}
		if p.Hint != "" {
			property["description"] = p.Hint
		}
		if p.Type == TypeString {
			property["minLength"] = 1
		}
		if len(p.Enum) > 0 {
			property["enum"] = p.Enum
		}
		if p.Min != nil {
			property["minimum"] = *p.Min
		}
		if p.Max != nil {
			property["maximum"] = *p.Max
		}
		if p.Default != nil {
			property["default"] = p.Default
		}
		properties[p.Name] = property

		if p.Required {
			required = append(required, p.Name)
		}
	}

	return map[string]interface{}{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

func (s Schema) compile() (*jsonschema.Schema, error) {
	doc, err := json.Marshal(s.document())
	if err != nil {
		return nil, fmt.Errorf("failed to render module schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaURL, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("failed to load module schema: %w", err)
	}
	return compiler.Compile(schemaURL)
}

// Validate checks raw against the schema and returns the normalized arguments,
// defaults included. The first failure is returned as a parameter error.
func (s Schema) Validate(raw map[string]interface{}) (Args, error) {
	instance := make(map[string]interface{}, len(raw))
	for key, value := range raw {
		if value == nil {
			continue
		}
		if !jsonValue(value) {
			return nil, apperrors.NewParameterError(key, fmt.Sprintf("unsupported value of type %T", value), s.hint(key))
		}
		instance[key] = value
	}

	compiled, err := s.compile()
	if err != nil {
		return nil, err
	}
	if err := compiled.Validate(instance); err != nil {
		var validationErr *jsonschema.ValidationError
		if !errors.As(err, &validationErr) {
			return nil, err
		}
		return nil, s.parameterError(instance, validationErr)
	}

	for _, p := range s {
		if p.Requires == "" {
			continue
		}
		if _, given := instance[p.Name]; !given {
			continue
		}
		if _, ok := instance[p.Requires]; !ok {
			return nil, apperrors.NewParameterError(p.Name,
				fmt.Sprintf("field '%s' is required", p.Requires), p.Hint)
		}
	}

	args := make(Args, len(s))
	for _, p := range s {
		value, ok := instance[p.Name]
		if !ok {
			if p.Default != nil {
				args[p.Name] = p.Default
			}
			continue
		}
		if p.Type == TypeInt {
			value, _ = toInt(value)
		}
		args[p.Name] = value
	}
	return args, nil
}

func (s Schema) hint(name string) string {
	if i := s.index(name); i >= 0 {
		return s[i].Hint
	}
	return s.known()
}

func (s Schema) known() string {
	names := make([]string, len(s))
	for i, p := range s {
		names[i] = p.Name
	}
	return "accepted fields: " + strings.Join(names, ", ")
}

type violation struct {
	key     string
	rank    int
	message string
}

// parameterError reports the violation of the first argument, unknown ones
// first, then in schema order
func (s Schema) parameterError(instance map[string]interface{}, err *jsonschema.ValidationError) error {
	var violations []violation
	for _, leaf := range leaves(err) {
		keyword := leaf.KeywordLocation[strings.LastIndex(leaf.KeywordLocation, "/")+1:]
		switch {
		case keyword == "additionalProperties":
			for _, key := range sortedKeys(instance) {
				if s.index(key) < 0 {
					violations = append(violations, violation{key: key, rank: -1, message: "unknown field"})
				}
			}
		case keyword == "required" && leaf.InstanceLocation == "":
			for i, p := range s {
				if _, ok := instance[p.Name]; p.Required && !ok {
					violations = append(violations, violation{key: p.Name, rank: i, message: "required field"})
				}
			}
		default:
			key := pointerKey(leaf.InstanceLocation)
			violations = append(violations, violation{key: key, rank: s.index(key), message: leaf.Message})
		}
	}
	if len(violations) == 0 {
		return apperrors.NewParameterError("", err.Error(), s.known())
	}

	sort.SliceStable(violations, func(i, j int) bool { return violations[i].rank < violations[j].rank })
	first := violations[0]
	if first.rank < 0 {
		return apperrors.NewParameterError(first.key, first.message, s.known())
	}
	return apperrors.NewParameterError(first.key, first.message, s[first.rank].Hint)
}

func leaves(err *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return []*jsonschema.ValidationError{err}
	}
	var all []*jsonschema.ValidationError
	for _, cause := range err.Causes {
		all = append(all, leaves(cause)...)
	}
	return all
}

// pointerKey returns the top level property named by a JSON pointer
func pointerKey(pointer string) string {
	key, _, _ := strings.Cut(strings.TrimPrefix(pointer, "/"), "/")
	return strings.NewReplacer("~1", "/", "~0", "~").Replace(key)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// jsonValue reports whether v is a value the validator understands
func jsonValue(v interface{}) bool {
	switch v := v.(type) {
	case bool, string, int, int64, uint64, float64:
		return true
	case []interface{}:
		for _, item := range v {
			if !jsonValue(item) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		for _, item := range v {
			if item != nil && !jsonValue(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func toInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}

// Args holds validated arguments, keyed by parameter name
type Args map[string]interface{}

// Has reports whether name was given or defaulted
func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// String returns a string argument, or "" when absent
func (a Args) String(name string) string {
	v, _ := a[name].(string)
	return v
}

// Int returns an integer argument, or 0 when absent
func (a Args) Int(name string) int {
	v, _ := a[name].(int)
	return v
}

// Bool returns a boolean argument, or false when absent
func (a Args) Bool(name string) bool {
	v, _ := a[name].(bool)
	return v
}
