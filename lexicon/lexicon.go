// Package lexicon holds method definitions and the schema validation the
// request engine drives: parameter decoding rules, input/output body
// validation, and IPLD-aware JSON interop.
package lexicon

import (
	"fmt"
	"sort"

	"github.com/atgraph/xrpc/nsid"
)

// MethodType discriminates the three method kinds.
type MethodType int

const (
	Query MethodType = iota
	Procedure
	Subscription
)

func (t MethodType) String() string {
	switch t {
	case Query:
		return "query"
	case Procedure:
		return "procedure"
	case Subscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// PropType enumerates schema value types.
type PropType int

const (
	TypeString PropType = iota
	TypeInteger
	TypeFloat
	TypeBoolean
	TypeDatetime
	TypeArray
	TypeObject
	TypeBytes
	TypeCIDLink
	TypeUnknown
)

func (t PropType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInteger:
		return "integer"
	case TypeFloat:
		return "float"
	case TypeBoolean:
		return "boolean"
	case TypeDatetime:
		return "datetime"
	case TypeArray:
		return "array"
	case TypeObject:
		return "object"
	case TypeBytes:
		return "bytes"
	case TypeCIDLink:
		return "cid-link"
	default:
		return "unknown"
	}
}

// Property describes one schema node.
type Property struct {
	Type       PropType
	Items      *Property            // arrays
	Properties map[string]*Property // objects
	Required   []string             // objects
	Nullable   []string             // objects
	Enum       []string             // strings
	MaxLength  int                  // strings; 0 means unset
}

// Params is the parameter schema of a query, procedure, or subscription.
type Params struct {
	Required   []string
	Properties map[string]*Property
}

// BodySchema describes an input or output body. A nil Schema means the
// body is opaque for the declared encoding.
type BodySchema struct {
	Encoding string
	Schema   *Property
}

// Method is one lexicon method definition.
type Method struct {
	NSID       string
	Type       MethodType
	Parameters *Params
	Input      *BodySchema
	Output     *BodySchema
	// Message maps "#name" fragments to schemas for subscription messages;
	// a nil map accepts any message.
	Message map[string]*Property
	Errors  []string
}

// Registry is an immutable NSID-keyed collection of method definitions.
// It is built once at server construction and read without locking.
type Registry struct {
	methods map[string]*Method
}

// NewRegistry builds a registry from the given methods. NSIDs must be
// well-formed and unique.
func NewRegistry(methods ...*Method) (*Registry, error) {
	reg := &Registry{methods: make(map[string]*Method, len(methods))}
	for _, m := range methods {
		if !nsid.Valid(m.NSID) {
			return nil, fmt.Errorf("lexicon: invalid nsid %q", m.NSID)
		}
		if _, dup := reg.methods[m.NSID]; dup {
			return nil, fmt.Errorf("lexicon: duplicate nsid %q", m.NSID)
		}
		reg.methods[m.NSID] = m
	}
	return reg, nil
}

// Method returns the definition for id, if registered.
func (r *Registry) Method(id string) (*Method, bool) {
	m, ok := r.methods[id]
	return m, ok
}

// NSIDs returns the registered identifiers in sorted order.
func (r *Registry) NSIDs() []string {
	out := make([]string, 0, len(r.methods))
	for id := range r.methods {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DeclaresError reports whether the method declares the named error.
func (m *Method) DeclaresError(name string) bool {
	for _, e := range m.Errors {
		if e == name {
			return true
		}
	}
	return false
}
