package lexicon

import (
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
)

// ValidationError reports a schema mismatch. The dispatcher maps it to an
// InvalidRequest for inputs and an InternalServerError for outputs.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// AssertValidParams checks a decoded parameter map against the method's
// parameter schema. Absent optional keys must be omitted from the map.
func (m *Method) AssertValidParams(params map[string]any) error {
	schema := m.Parameters
	if schema == nil {
		return nil
	}
	for _, req := range schema.Required {
		if _, ok := params[req]; !ok {
			return validationErrorf("Params must have the property %q", req)
		}
	}
	for name, v := range params {
		prop, ok := schema.Properties[name]
		if !ok {
			continue
		}
		if err := validateValue(prop, v, "Params/"+name); err != nil {
			return err
		}
	}
	return nil
}

// AssertValidInput checks a decoded request body against the input schema.
func (m *Method) AssertValidInput(body any) error {
	if m.Input == nil || m.Input.Schema == nil {
		return nil
	}
	return validateValue(m.Input.Schema, body, "Input")
}

// AssertValidOutput checks a handler's success body against the output
// schema.
func (m *Method) AssertValidOutput(body any) error {
	if m.Output == nil || m.Output.Schema == nil {
		return nil
	}
	return validateValue(m.Output.Schema, body, "Output")
}

// AssertValidMessage checks a subscription message body against the schema
// registered for its "#name" fragment. Unknown fragments fail; a method
// with no message schemas accepts anything.
func (m *Method) AssertValidMessage(fragment string, body any) error {
	if m.Message == nil {
		return nil
	}
	schema, ok := m.Message[fragment]
	if !ok {
		return validationErrorf("Unknown message type %q", fragment)
	}
	if schema == nil {
		return nil
	}
	return validateValue(schema, body, "Message")
}

func validateValue(prop *Property, v any, path string) error {
	switch prop.Type {
	case TypeUnknown:
		return nil
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return validationErrorf("%s must be a string", path)
		}
		if prop.MaxLength > 0 && len(s) > prop.MaxLength {
			return validationErrorf("%s must not be longer than %d characters", path, prop.MaxLength)
		}
		if len(prop.Enum) > 0 && !contains(prop.Enum, s) {
			return validationErrorf("%s must be one of %v", path, prop.Enum)
		}
	case TypeDatetime:
		s, ok := v.(string)
		if !ok {
			return validationErrorf("%s must be a string", path)
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return validationErrorf("%s must be an RFC 3339 datetime", path)
		}
	case TypeInteger:
		if _, ok := asInteger(v); !ok {
			return validationErrorf("%s must be an integer", path)
		}
	case TypeFloat:
		switch v.(type) {
		case float64, float32, int, int64:
		default:
			return validationErrorf("%s must be a number", path)
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return validationErrorf("%s must be a boolean", path)
		}
	case TypeBytes:
		if _, ok := v.([]byte); !ok {
			return validationErrorf("%s must be a byte array", path)
		}
	case TypeCIDLink:
		if _, ok := v.(cid.Cid); !ok {
			return validationErrorf("%s must be a cid-link", path)
		}
	case TypeArray:
		arr, ok := v.([]any)
		if !ok {
			return validationErrorf("%s must be an array", path)
		}
		if prop.Items != nil {
			for i, item := range arr {
				if err := validateValue(prop.Items, item, fmt.Sprintf("%s/%d", path, i)); err != nil {
					return err
				}
			}
		}
	case TypeObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return validationErrorf("%s must be an object", path)
		}
		for _, req := range prop.Required {
			val, present := obj[req]
			if !present {
				return validationErrorf("%s must have the property %q", path, req)
			}
			if val == nil && !contains(prop.Nullable, req) {
				return validationErrorf("%s/%s must not be null", path, req)
			}
		}
		for name, child := range prop.Properties {
			val, present := obj[name]
			if !present || val == nil {
				continue
			}
			if err := validateValue(child, val, path+"/"+name); err != nil {
				return err
			}
		}
	}
	return nil
}

func asInteger(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
