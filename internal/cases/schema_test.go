package cases

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseAnalysisAcceptsNumericToothAndScaledConfidence(t *testing.T) {
	raw := json.RawMessage(`{
		"detected": true,
		"confidence": 0.8,
		"findings": [{"tooth": 11, "procedure": "caries", "priority": "high"}]
	}`)
	out, err := parseAnalysis("openai", raw)
	if err != nil {
		t.Fatalf("parseAnalysis: %v", err)
	}
	if out.Confidence != 80 {
		t.Errorf("confidence = %v, want 80 (scaled from 0-1)", out.Confidence)
	}
	if out.Findings[0].Tooth != "11" {
		t.Errorf("tooth = %q, want 11", out.Findings[0].Tooth)
	}
	if out.PrimaryTooth != "11" {
		t.Errorf("primary = %q, want 11", out.PrimaryTooth)
	}
}

func TestParseAnalysisRejectsMissingRequiredFields(t *testing.T) {
	raw := json.RawMessage(`{"findings": []}`)
	_, err := parseAnalysis("openai", raw)
	var invalid *ValidationFailed
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want ValidationFailed", err)
	}
	paths := map[string]bool{}
	for _, d := range invalid.Diagnostics {
		paths[d.Path] = true
	}
	if !paths["detected"] || !paths["confidence"] {
		t.Fatalf("diagnostics missing required-field entries: %+v", invalid.Diagnostics)
	}
}

func TestParseAnalysisRejectsDetectedWithoutFindings(t *testing.T) {
	raw := json.RawMessage(`{"detected": true, "confidence": 90, "findings": []}`)
	_, err := parseAnalysis("openai", raw)
	var invalid *ValidationFailed
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want ValidationFailed", err)
	}
}

func TestParseAnalysisRejectsInvalidTooth(t *testing.T) {
	raw := json.RawMessage(`{
		"detected": true,
		"confidence": 90,
		"findings": [{"tooth": "99", "procedure": "caries"}]
	}`)
	_, err := parseAnalysis("openai", raw)
	var invalid *ValidationFailed
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want ValidationFailed", err)
	}
	if invalid.Diagnostics[0].Code != "invalid_tooth" {
		t.Errorf("code = %q, want invalid_tooth", invalid.Diagnostics[0].Code)
	}
}

func TestParseAnalysisRecordsUnmappedEnumValues(t *testing.T) {
	raw := json.RawMessage(`{
		"detected": true,
		"confidence": 90,
		"findings": [{"tooth": "21", "procedure": "mystery_procedure", "priority": "high"}]
	}`)
	out, err := parseAnalysis("openai", raw)
	if err != nil {
		t.Fatalf("parseAnalysis: %v", err)
	}
	if out.Findings[0].Procedure != "" {
		t.Errorf("procedure = %q, want empty for unmapped value", out.Findings[0].Procedure)
	}
	noted := false
	for _, o := range out.Observations {
		if strings.Contains(o, "mystery_procedure") {
			noted = true
		}
	}
	if !noted {
		t.Error("unmapped value must be recorded, not silently dropped")
	}
}

func TestParseAnalysisIgnoresUnknownExtraFields(t *testing.T) {
	raw := json.RawMessage(`{
		"detected": true,
		"confidence": 77,
		"model_notes": {"chain_of_thought": "..."},
		"findings": [{"tooth": "11", "priority": "high", "internal_score": 0.4}]
	}`)
	out, err := parseAnalysis("openai", raw)
	if err != nil {
		t.Fatalf("extra fields must not fail validation: %v", err)
	}
	if len(out.Findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(out.Findings))
	}
}

func TestParseAnalysisReanchorsForeignPrimaryTooth(t *testing.T) {
	raw := json.RawMessage(`{
		"detected": true,
		"confidence": 90,
		"primaryTooth": "48",
		"findings": [
			{"tooth": "12", "priority": "low"},
			{"tooth": "16", "priority": "high"}
		]
	}`)
	out, err := parseAnalysis("openai", raw)
	if err != nil {
		t.Fatalf("parseAnalysis: %v", err)
	}
	if out.PrimaryTooth != "16" {
		t.Fatalf("primary = %q, want the highest-priority listed tooth", out.PrimaryTooth)
	}
}

func TestParseAnalysisNormalizesLocaleVariants(t *testing.T) {
	raw := json.RawMessage(`{
		"detected": true,
		"confidence": 85,
		"indication": "clareamento",
		"findings": [{
			"tooth": "11",
			"procedure": "cárie",
			"depth": "profunda",
			"priority": "alta",
			"indication": "faceta"
		}]
	}`)
	out, err := parseAnalysis("gemini", raw)
	if err != nil {
		t.Fatalf("parseAnalysis: %v", err)
	}
	f := out.Findings[0]
	if f.Procedure != ProcedureCaries || f.Depth != DepthDeep || f.Priority != PriorityHigh || f.Indication != IndicationVeneer {
		t.Fatalf("variants not normalized: %+v", f)
	}
	if out.Indication != IndicationWhitening {
		t.Errorf("indication = %q, want whitening", out.Indication)
	}
}

func TestClampBounds(t *testing.T) {
	got := clampBounds(&Bounds{X: -0.2, Y: 0.5, Width: 1.4, Height: 0.3})
	if got.X != 0 || got.Width != 1 || got.Y != 0.5 || got.Height != 0.3 {
		t.Fatalf("bounds not clamped: %+v", got)
	}
	if clampBounds(nil) != nil {
		t.Fatal("nil bounds must stay nil")
	}
}

func TestClampConfidence(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0.5, 50},
		{1, 100},
		{88, 88},
		{150, 100},
		{-4, 0},
		{0, 0},
	}
	for _, tc := range cases {
		if got := clampConfidence(tc.in); got != tc.want {
			t.Errorf("clampConfidence(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
