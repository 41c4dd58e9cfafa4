package lexicon

import (
	"testing"
)

func ping() *Method {
	return &Method{
		NSID: "io.example.ping",
		Type: Query,
		Parameters: &Params{
			Required: []string{"message"},
			Properties: map[string]*Property{
				"message": {Type: TypeString},
				"count":   {Type: TypeInteger},
				"tags":    {Type: TypeArray, Items: &Property{Type: TypeString}},
			},
		},
	}
}

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(ping())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, ok := reg.Method("io.example.ping"); !ok {
		t.Fatalf("method not found")
	}
	if _, ok := reg.Method("io.example.pong"); ok {
		t.Fatalf("unexpected method")
	}
	if _, err := NewRegistry(ping(), ping()); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if _, err := NewRegistry(&Method{NSID: "bad", Type: Query}); err == nil {
		t.Fatalf("expected invalid nsid error")
	}
}

func TestAssertValidParams(t *testing.T) {
	m := ping()
	if err := m.AssertValidParams(map[string]any{"message": "hi"}); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
	err := m.AssertValidParams(map[string]any{})
	if err == nil {
		t.Fatalf("missing required accepted")
	}
	if err.Error() != `Params must have the property "message"` {
		t.Fatalf("message = %q", err.Error())
	}
	if err := m.AssertValidParams(map[string]any{"message": 7}); err == nil {
		t.Fatalf("wrong type accepted")
	}
	if err := m.AssertValidParams(map[string]any{"message": "hi", "count": int64(3)}); err != nil {
		t.Fatalf("integer rejected: %v", err)
	}
	if err := m.AssertValidParams(map[string]any{"message": "hi", "tags": []any{"a", "b"}}); err != nil {
		t.Fatalf("array rejected: %v", err)
	}
	if err := m.AssertValidParams(map[string]any{"message": "hi", "tags": []any{"a", 1}}); err == nil {
		t.Fatalf("bad array item accepted")
	}
}

func TestAssertValidInput(t *testing.T) {
	m := &Method{
		NSID: "io.example.save",
		Type: Procedure,
		Input: &BodySchema{
			Encoding: "application/json",
			Schema: &Property{
				Type:     TypeObject,
				Required: []string{"message"},
				Properties: map[string]*Property{
					"message": {Type: TypeString, MaxLength: 10},
					"when":    {Type: TypeDatetime},
					"extra":   {Type: TypeUnknown},
				},
			},
		},
	}
	if err := m.AssertValidInput(map[string]any{"message": "hello"}); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
	if err := m.AssertValidInput(map[string]any{}); err == nil {
		t.Fatalf("missing required accepted")
	}
	if err := m.AssertValidInput(map[string]any{"message": "waaaay too long"}); err == nil {
		t.Fatalf("over-long string accepted")
	}
	if err := m.AssertValidInput(map[string]any{"message": "x", "when": "not a date"}); err == nil {
		t.Fatalf("bad datetime accepted")
	}
	if err := m.AssertValidInput(map[string]any{"message": "x", "when": "2024-05-01T12:00:00Z"}); err != nil {
		t.Fatalf("good datetime rejected: %v", err)
	}
	if err := m.AssertValidInput("not an object"); err == nil {
		t.Fatalf("non-object accepted")
	}
}

func TestAssertValidMessage(t *testing.T) {
	m := &Method{
		NSID: "io.example.stream",
		Type: Subscription,
		Message: map[string]*Property{
			"#tick": {
				Type:       TypeObject,
				Required:   []string{"count"},
				Properties: map[string]*Property{"count": {Type: TypeInteger}},
			},
		},
	}
	if err := m.AssertValidMessage("#tick", map[string]any{"count": int64(1)}); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}
	if err := m.AssertValidMessage("#tock", map[string]any{}); err == nil {
		t.Fatalf("unknown fragment accepted")
	}
	open := &Method{NSID: "io.example.open", Type: Subscription}
	if err := open.AssertValidMessage("#whatever", map[string]any{}); err != nil {
		t.Fatalf("schemaless subscription rejected message: %v", err)
	}
}
