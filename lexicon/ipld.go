package lexicon

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

// JSON wire forms for IPLD values: a cid-link is {"$link": "<cid>"} and a
// byte string is {"$bytes": "<base64-nopad>"}. CBOR carries CIDs as tag 42
// with a multibase identity prefix.

const cidTag = 42

var (
	cborDec cbor.DecMode
	cborEnc cbor.EncMode
)

func init() {
	var err error
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any{}),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	cborEnc, err = cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
}

// Rehydrate walks a JSON-decoded value and replaces the IPLD wire forms
// with their native types: cid.Cid for $link and []byte for $bytes.
func Rehydrate(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 1 {
			if link, ok := val["$link"].(string); ok {
				c, err := cid.Decode(link)
				if err != nil {
					return nil, fmt.Errorf("invalid cid-link: %w", err)
				}
				return c, nil
			}
			if b64, ok := val["$bytes"].(string); ok {
				b, err := decodeBase64(b64)
				if err != nil {
					return nil, fmt.Errorf("invalid bytes: %w", err)
				}
				return b, nil
			}
		}
		out := make(map[string]any, len(val))
		for k, child := range val {
			rc, err := Rehydrate(child)
			if err != nil {
				return nil, err
			}
			out[k] = rc
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			rc, err := Rehydrate(child)
			if err != nil {
				return nil, err
			}
			out[i] = rc
		}
		return out, nil
	default:
		return v, nil
	}
}

// Project is the inverse of Rehydrate: native IPLD values become their
// JSON wire forms. Values without IPLD content pass through unchanged.
func Project(v any) any {
	switch val := v.(type) {
	case cid.Cid:
		return map[string]any{"$link": val.String()}
	case []byte:
		return map[string]any{"$bytes": base64.RawStdEncoding.EncodeToString(val)}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = Project(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = Project(child)
		}
		return out
	default:
		return v
	}
}

// MarshalJSON serializes v with the IPLD JSON projection applied.
func MarshalJSON(v any) ([]byte, error) {
	return json.Marshal(Project(v))
}

// UnmarshalJSON decodes JSON and rehydrates IPLD wire forms.
func UnmarshalJSON(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return Rehydrate(v)
}

// DecodeCBOR decodes a CBOR item into the same shape UnmarshalJSON
// produces: string-keyed maps, []any, with tag 42 values as cid.Cid.
func DecodeCBOR(b []byte) (any, error) {
	var v any
	if err := cborDec.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return liftCBOR(v)
}

// EncodeCBOR encodes a value, carrying cid.Cid as tag 42.
func EncodeCBOR(v any) ([]byte, error) {
	return cborEnc.Marshal(lowerCBOR(v))
}

func liftCBOR(v any) (any, error) {
	switch val := v.(type) {
	case cbor.Tag:
		if val.Number != cidTag {
			return nil, fmt.Errorf("unexpected cbor tag %d", val.Number)
		}
		raw, ok := val.Content.([]byte)
		if !ok || len(raw) == 0 || raw[0] != 0 {
			return nil, fmt.Errorf("malformed cid-link tag")
		}
		c, err := cid.Cast(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid cid-link: %w", err)
		}
		return c, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			lc, err := liftCBOR(child)
			if err != nil {
				return nil, err
			}
			out[k] = lc
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			lc, err := liftCBOR(child)
			if err != nil {
				return nil, err
			}
			out[i] = lc
		}
		return out, nil
	default:
		return v, nil
	}
}

func lowerCBOR(v any) any {
	switch val := v.(type) {
	case cid.Cid:
		return cbor.Tag{Number: cidTag, Content: append([]byte{0}, val.Bytes()...)}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = lowerCBOR(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = lowerCBOR(child)
		}
		return out
	default:
		return v
	}
}

func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
