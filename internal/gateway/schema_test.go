package gateway

import (
	"encoding/json"
	"strings"
	"testing"
)

func verdictSchema() *Schema {
	return Object(map[string]*Schema{
		"verdict":    StrEnum("pass or fail", "pass", "fail"),
		"score":      Num("0.0 to 1.0"),
		"rationale":  Str("why"),
		"techniques": Array(Str("technique name")),
	}, "verdict", "score")
}

func TestSchemaValidateOK(t *testing.T) {
	raw := json.RawMessage(`{"verdict":"pass","score":0.8,"techniques":["role_play"]}`)
	if err := verdictSchema().Validate(raw); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}
}

func TestSchemaValidateFailures(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"missing required", `{"verdict":"pass"}`, "missing required field"},
		{"bad enum", `{"verdict":"maybe","score":0.5}`, "not in enum"},
		{"wrong type", `{"verdict":"pass","score":"high"}`, "expected number"},
		{"not object", `[1,2]`, "expected object"},
		{"bad array item", `{"verdict":"pass","score":1,"techniques":[42]}`, "expected string"},
		{"invalid json", `{"verdict":`, "not valid JSON"},
	}
	s := verdictSchema()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Validate(json.RawMessage(tc.raw))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestSchemaValidateInteger(t *testing.T) {
	s := Object(map[string]*Schema{
		"count": {Type: "integer"},
	}, "count")
	if err := s.Validate(json.RawMessage(`{"count":3}`)); err != nil {
		t.Errorf("integer rejected: %v", err)
	}
	if err := s.Validate(json.RawMessage(`{"count":3.5}`)); err == nil {
		t.Error("fractional value accepted as integer")
	}
}

func TestSchemaInstruction(t *testing.T) {
	instr := verdictSchema().Instruction()
	if !strings.Contains(instr, "ONLY a JSON value") {
		t.Error("instruction missing JSON directive")
	}
	if !strings.Contains(instr, `"verdict"`) {
		t.Error("instruction missing schema body")
	}
}

func TestSchemaToGenAI(t *testing.T) {
	g := verdictSchema().toGenAI()
	if g == nil {
		t.Fatal("nil genai schema")
	}
	if len(g.Properties) != 4 {
		t.Errorf("expected 4 properties, got %d", len(g.Properties))
	}
	if len(g.Required) != 2 {
		t.Errorf("expected 2 required fields, got %d", len(g.Required))
	}
	if got := g.Properties["verdict"].Enum; len(got) != 2 {
		t.Errorf("enum not carried through: %v", got)
	}
}

func TestExtractJSONPlain(t *testing.T) {
	raw, err := ExtractJSON(`{"a":1}`)
	if err != nil {
		t.Fatalf("ExtractJSON failed: %v", err)
	}
	if string(raw) != `{"a":1}` {
		t.Errorf("got %s", raw)
	}
}

func TestExtractJSONFenced(t *testing.T) {
	text := "```json\n{\"verdict\": \"pass\"}\n```"
	raw, err := ExtractJSON(text)
	if err != nil {
		t.Fatalf("ExtractJSON failed: %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("extracted JSON invalid: %v", err)
	}
	if v["verdict"] != "pass" {
		t.Errorf("got %v", v)
	}
}

func TestExtractJSONWithProse(t *testing.T) {
	text := `Here is my analysis: {"score": 0.7, "note": "brace } in string"} hope that helps`
	raw, err := ExtractJSON(text)
	if err != nil {
		t.Fatalf("ExtractJSON failed: %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("extracted JSON invalid: %v", err)
	}
	if v["score"] != 0.7 {
		t.Errorf("score = %v", v["score"])
	}
}

func TestExtractJSONArray(t *testing.T) {
	raw, err := ExtractJSON(`the probes are ["p1","p2"]`)
	if err != nil {
		t.Fatalf("ExtractJSON failed: %v", err)
	}
	var v []string
	if err := json.Unmarshal(raw, &v); err != nil || len(v) != 2 {
		t.Errorf("got %s (%v)", raw, err)
	}
}

func TestExtractJSONNone(t *testing.T) {
	if _, err := ExtractJSON("no structured data here"); err == nil {
		t.Error("expected error for prose-only text")
	}
	if _, err := ExtractJSON(`{"unterminated":`); err == nil {
		t.Error("expected error for unterminated JSON")
	}
}
