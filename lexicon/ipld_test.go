package lexicon

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/ipfs/go-cid"
)

const testCID = "bafyreidfayvfuwqa7qlnopdjiqrxzs6blmoeu4rujcjtnci5beludirz2a"

func TestJSONRoundTrip(t *testing.T) {
	in := []byte(`{"cid":{"$link":"` + testCID + `"},"bytes":{"$bytes":"AAECAw"},"n":3}`)
	v, err := UnmarshalJSON(in)
	if err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	obj := v.(map[string]any)
	c, ok := obj["cid"].(cid.Cid)
	if !ok {
		t.Fatalf("cid not rehydrated: %T", obj["cid"])
	}
	want, _ := cid.Decode(testCID)
	if !c.Equals(want) {
		t.Fatalf("cid = %s; want %s", c, want)
	}
	b, ok := obj["bytes"].([]byte)
	if !ok || !bytes.Equal(b, []byte{0, 1, 2, 3}) {
		t.Fatalf("bytes = %v (%T)", obj["bytes"], obj["bytes"])
	}

	out, err := MarshalJSON(v)
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	var got, orig map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal projected: %v", err)
	}
	if err := json.Unmarshal(in, &orig); err != nil {
		t.Fatalf("unmarshal original: %v", err)
	}
	if got["cid"].(map[string]any)["$link"] != testCID {
		t.Fatalf("projected cid = %v", got["cid"])
	}
	if got["bytes"].(map[string]any)["$bytes"] != "AAECAw" {
		t.Fatalf("projected bytes = %v", got["bytes"])
	}
}

func TestRehydratePadding(t *testing.T) {
	v, err := UnmarshalJSON([]byte(`{"b":{"$bytes":"AAECAw=="}}`))
	if err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	b := v.(map[string]any)["b"].([]byte)
	if !bytes.Equal(b, []byte{0, 1, 2, 3}) {
		t.Fatalf("bytes = %v", b)
	}
}

func TestRehydrateBadLink(t *testing.T) {
	if _, err := UnmarshalJSON([]byte(`{"cid":{"$link":"not-a-cid"}}`)); err == nil {
		t.Fatalf("expected error for malformed cid")
	}
}

func TestCBORRoundTrip(t *testing.T) {
	c, _ := cid.Decode(testCID)
	in := map[string]any{
		"cid":   c,
		"bytes": []byte{9, 8, 7},
		"nested": map[string]any{
			"list": []any{"a", c},
		},
	}
	enc, err := EncodeCBOR(in)
	if err != nil {
		t.Fatalf("EncodeCBOR: %v", err)
	}
	out, err := DecodeCBOR(enc)
	if err != nil {
		t.Fatalf("DecodeCBOR: %v", err)
	}
	obj := out.(map[string]any)
	got, ok := obj["cid"].(cid.Cid)
	if !ok || !got.Equals(c) {
		t.Fatalf("cid = %v (%T)", obj["cid"], obj["cid"])
	}
	if b := obj["bytes"].([]byte); !bytes.Equal(b, []byte{9, 8, 7}) {
		t.Fatalf("bytes = %v", b)
	}
	inner := obj["nested"].(map[string]any)["list"].([]any)
	if ic, ok := inner[1].(cid.Cid); !ok || !ic.Equals(c) {
		t.Fatalf("nested cid = %v (%T)", inner[1], inner[1])
	}
}
