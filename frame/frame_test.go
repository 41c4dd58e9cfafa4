package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestMessageRoundTrip(t *testing.T) {
	f, err := Message("#commit", map[string]any{"seq": 42, "ops": []any{"create"}})
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	b, err := f.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	got, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Header != f.Header {
		t.Fatalf("header = %+v; want %+v", got.Header, f.Header)
	}
	if !bytes.Equal(got.Body, f.Body) {
		t.Fatalf("body mismatch")
	}
	var body struct {
		Seq int      `cbor:"seq"`
		Ops []string `cbor:"ops"`
	}
	if err := got.DecodeBody(&body); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if body.Seq != 42 || len(body.Ops) != 1 || body.Ops[0] != "create" {
		t.Fatalf("body = %+v", body)
	}
}

func TestMessageNoType(t *testing.T) {
	f, err := Message("", map[string]any{"count": 3})
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	b, _ := f.Bytes()
	got, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Header.Op != OpMessage || got.Header.T != "" {
		t.Fatalf("header = %+v", got.Header)
	}
}

func TestErrorRoundTrip(t *testing.T) {
	f, err := Error("InvalidRequest", "bad params")
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	b, _ := f.Bytes()
	got, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !got.IsError() {
		t.Fatalf("expected error frame")
	}
	eb, err := got.ErrorBody()
	if err != nil {
		t.Fatalf("ErrorBody: %v", err)
	}
	if eb.Error != "InvalidRequest" || eb.Message != "bad params" {
		t.Fatalf("error body = %+v", eb)
	}
}

func TestParseMissingBody(t *testing.T) {
	hdr, _ := cbor.Marshal(Header{Op: OpMessage})
	_, err := Parse(hdr)
	if !errors.Is(err, ErrMissingBody) {
		t.Fatalf("err = %v; want %v", err, ErrMissingBody)
	}
}

func TestParseTooManyItems(t *testing.T) {
	hdr, _ := cbor.Marshal(Header{Op: OpMessage})
	body, _ := cbor.Marshal(map[string]any{"a": 1})
	extra, _ := cbor.Marshal("extra")
	b := append(append(append([]byte{}, hdr...), body...), extra...)
	_, err := Parse(b)
	if !errors.Is(err, ErrTooManyItems) {
		t.Fatalf("err = %v; want %v", err, ErrTooManyItems)
	}
}

func TestParseBadHeader(t *testing.T) {
	body, _ := cbor.Marshal(map[string]any{})
	cases := []any{
		map[string]any{"op": 2},
		map[string]any{"op": "1"},
		map[string]any{},
		map[string]any{"op": 1, "t": 5},
		"not a map",
	}
	for _, hdr := range cases {
		hb, _ := cbor.Marshal(hdr)
		_, err := Parse(append(append([]byte{}, hb...), body...))
		if !errors.Is(err, ErrBadHeader) {
			t.Fatalf("header %v: err = %v; want %v", hdr, err, ErrBadHeader)
		}
	}
}

func TestParseBadErrorBody(t *testing.T) {
	hdr, _ := cbor.Marshal(Header{Op: OpError})
	cases := []any{
		map[string]any{},
		map[string]any{"error": 5},
		map[string]any{"error": "X", "message": 7},
		"nope",
	}
	for _, body := range cases {
		bb, _ := cbor.Marshal(body)
		_, err := Parse(append(append([]byte{}, hdr...), bb...))
		if !errors.Is(err, ErrBadErrorBody) {
			t.Fatalf("body %v: err = %v; want %v", body, err, ErrBadErrorBody)
		}
	}
}

func TestParseTruncated(t *testing.T) {
	f, _ := Message("#x", map[string]any{"k": "v"})
	b, _ := f.Bytes()
	_, err := Parse(b[:len(b)-2])
	if err == nil {
		t.Fatalf("expected decoder error on truncated input")
	}
	if errors.Is(err, ErrBadHeader) || errors.Is(err, ErrMissingBody) {
		t.Fatalf("truncated input should surface the decoder error, got %v", err)
	}
}
