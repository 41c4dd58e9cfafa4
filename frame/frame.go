// Package frame implements the binary subscription frame codec: each frame
// is two concatenated CBOR items, a small header followed by an opaque
// body.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Op discriminates the two frame variants.
type Op int8

const (
	OpMessage Op = 1
	OpError   Op = -1
)

// Header is the first CBOR item of a frame. T names the message schema for
// Message frames and is absent on Error frames.
type Header struct {
	Op Op     `cbor:"op"`
	T  string `cbor:"t,omitempty"`
}

// ErrorBody is the body of an Error frame.
type ErrorBody struct {
	Error   string `cbor:"error"`
	Message string `cbor:"message,omitempty"`
}

// Frame is a parsed or to-be-sent subscription frame. Body holds the
// encoded bytes of the second CBOR item, preserved verbatim so that a
// parse/serialize round trip is exact.
type Frame struct {
	Header Header
	Body   []byte
}

var (
	ErrMissingBody  = errors.New("Missing frame body")
	ErrTooManyItems = errors.New("Too many CBOR data items in frame")
	ErrBadHeader    = errors.New("Invalid frame header")
	ErrBadErrorBody = errors.New("Invalid error frame body")
)

// Message builds a Message frame with optional type tag t and a CBOR
// encoding of body.
func Message(t string, body any) (*Frame, error) {
	b, err := cbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode frame body: %w", err)
	}
	return &Frame{Header: Header{Op: OpMessage, T: t}, Body: b}, nil
}

// Error builds an Error frame.
func Error(name, message string) (*Frame, error) {
	b, err := cbor.Marshal(ErrorBody{Error: name, Message: message})
	if err != nil {
		return nil, fmt.Errorf("encode error frame body: %w", err)
	}
	return &Frame{Header: Header{Op: OpError}, Body: b}, nil
}

// IsError reports whether the frame is an Error frame.
func (f *Frame) IsError() bool { return f.Header.Op == OpError }

// Bytes serializes the frame as header followed by body.
func (f *Frame) Bytes() ([]byte, error) {
	hdr, err := cbor.Marshal(f.Header)
	if err != nil {
		return nil, fmt.Errorf("encode frame header: %w", err)
	}
	out := make([]byte, 0, len(hdr)+len(f.Body))
	out = append(out, hdr...)
	out = append(out, f.Body...)
	return out, nil
}

// DecodeBody unmarshals the body item into v.
func (f *Frame) DecodeBody(v any) error {
	return cbor.Unmarshal(f.Body, v)
}

// ErrorBody decodes and validates the body of an Error frame.
func (f *Frame) ErrorBody() (*ErrorBody, error) {
	eb, err := parseErrorBody(f.Body)
	if err != nil {
		return nil, err
	}
	return eb, nil
}

// Parse decodes a frame from b. It enforces that b holds exactly two CBOR
// items, that the header is well-formed, and that Error frame bodies match
// the error shape. Truncated CBOR surfaces the decoder's own error.
func Parse(b []byte) (*Frame, error) {
	dec := cbor.NewDecoder(bytes.NewReader(b))
	var items []cbor.RawMessage
	for {
		var raw cbor.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		items = append(items, raw)
		if len(items) > 2 {
			return nil, ErrTooManyItems
		}
	}
	if len(items) == 0 {
		return nil, ErrBadHeader
	}

	hdr, err := parseHeader(items[0])
	if err != nil {
		return nil, err
	}
	if len(items) < 2 {
		return nil, ErrMissingBody
	}
	f := &Frame{Header: hdr, Body: []byte(items[1])}
	if f.IsError() {
		if _, err := parseErrorBody(f.Body); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func parseHeader(raw cbor.RawMessage) (Header, error) {
	var m map[string]any
	if err := cbor.Unmarshal(raw, &m); err != nil {
		return Header{}, ErrBadHeader
	}
	op, ok := asInt(m["op"])
	if !ok || (op != int64(OpMessage) && op != int64(OpError)) {
		return Header{}, ErrBadHeader
	}
	hdr := Header{Op: Op(op)}
	if op == int64(OpMessage) {
		if tv, present := m["t"]; present {
			ts, ok := tv.(string)
			if !ok {
				return Header{}, ErrBadHeader
			}
			hdr.T = ts
		}
	}
	return hdr, nil
}

func parseErrorBody(raw []byte) (*ErrorBody, error) {
	var m map[string]any
	if err := cbor.Unmarshal(raw, &m); err != nil {
		return nil, ErrBadErrorBody
	}
	name, ok := m["error"].(string)
	if !ok {
		return nil, ErrBadErrorBody
	}
	eb := &ErrorBody{Error: name}
	if mv, present := m["message"]; present {
		ms, ok := mv.(string)
		if !ok {
			return nil, ErrBadErrorBody
		}
		eb.Message = ms
	}
	return eb, nil
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
