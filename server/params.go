package server

import (
	"net/url"
	"strconv"

	"github.com/atgraph/xrpc/lexicon"
	"github.com/atgraph/xrpc/xrpc"
)

// decodeParams converts a query string into a typed parameter map per the
// method's schema and validates it. Absent optional keys stay absent.
func decodeParams(m *lexicon.Method, query url.Values) (map[string]any, error) {
	params := make(map[string]any)
	if m.Parameters != nil {
		for name, prop := range m.Parameters.Properties {
			values, ok := query[name]
			if !ok || len(values) == 0 {
				continue
			}
			if prop.Type == lexicon.TypeArray {
				itemType := lexicon.TypeString
				if prop.Items != nil {
					itemType = prop.Items.Type
				}
				arr := make([]any, len(values))
				for i, v := range values {
					arr[i] = decodePrimitive(itemType, v)
				}
				params[name] = arr
			} else {
				params[name] = decodePrimitive(prop.Type, values[0])
			}
		}
	}
	if err := m.AssertValidParams(params); err != nil {
		return nil, xrpc.InvalidRequest(err.Error())
	}
	return params, nil
}

func decodePrimitive(t lexicon.PropType, v string) any {
	switch t {
	case lexicon.TypeInteger:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return int64(0)
		}
		return n
	case lexicon.TypeFloat:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return float64(0)
		}
		return f
	case lexicon.TypeBoolean:
		return v == "true"
	default:
		return v
	}
}
