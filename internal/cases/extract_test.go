package cases

import (
	"encoding/json"
	"testing"

	"smile-backend/internal/llm"
)

func TestExtractPrefersToolCall(t *testing.T) {
	res := llm.Result{
		Text:     `ignore this {"detected": false}`,
		ToolCall: &llm.ToolCall{Name: analysisToolName, Arguments: json.RawMessage(`{"detected": true}`)},
	}
	raw, err := extractStructured(res)
	if err != nil {
		t.Fatalf("extractStructured: %v", err)
	}
	var parsed struct {
		Detected bool `json:"detected"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || !parsed.Detected {
		t.Fatalf("tool call arguments not preferred, got %s", raw)
	}
}

func TestExtractFencedBlock(t *testing.T) {
	res := llm.Result{Text: "Here is the result:\n```json\n{\"detected\": true, \"confidence\": 80}\n```\nHope this helps."}
	raw, err := extractStructured(res)
	if err != nil {
		t.Fatalf("extractStructured: %v", err)
	}
	if !json.Valid(raw) {
		t.Fatalf("invalid JSON extracted: %s", raw)
	}
}

func TestExtractBraceMatchedWithProse(t *testing.T) {
	res := llm.Result{Text: `The analysis shows {"detected": true, "note": "brace } inside string"} as discussed.`}
	raw, err := extractStructured(res)
	if err != nil {
		t.Fatalf("extractStructured: %v", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, raw)
	}
	if parsed["note"] != "brace } inside string" {
		t.Errorf("string-literal brace handling broken: %v", parsed["note"])
	}
}

func TestExtractRepairsTruncatedObject(t *testing.T) {
	res := llm.Result{Text: `{"detected": true, "confidence": 80, "findings": [{"tooth": "11"`}
	raw, err := extractStructured(res)
	if err != nil {
		t.Fatalf("truncated object should be repaired: %v", err)
	}
	if !json.Valid(raw) {
		t.Fatalf("repaired output invalid: %s", raw)
	}
}

func TestExtractNoJSON(t *testing.T) {
	for _, text := range []string{"", "no structure here at all", "I cannot analyze this image."} {
		if _, err := extractStructured(llm.Result{Text: text}); err == nil {
			t.Errorf("extractStructured(%q) expected error", text)
		}
	}
}
