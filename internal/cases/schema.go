package cases

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"smile-backend/internal/llm"
)

// analysisToolName is the function the vision providers are asked to call.
const analysisToolName = "report_case_analysis"

// analysisToolParameters is the permissive JSON schema sent with the tool
// definition. Providers routinely add unrequested fields; the schema does not
// forbid them and the validator ignores rather than rejects extras.
var analysisToolParameters = json.RawMessage(`{
  "type": "object",
  "properties": {
    "detected": {"type": "boolean"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 100},
    "findings": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "tooth": {"type": "string"},
          "region": {"type": "string"},
          "procedure": {"type": "string"},
          "size": {"type": "string"},
          "substrate": {"type": "string"},
          "condition": {"type": "string"},
          "depth": {"type": "string"},
          "priority": {"type": "string"},
          "rationale": {"type": "string"},
          "indication": {"type": "string"},
          "bounds": {
            "type": "object",
            "properties": {
              "x": {"type": "number"},
              "y": {"type": "number"},
              "width": {"type": "number"},
              "height": {"type": "number"}
            }
          }
        },
        "required": ["tooth"]
      }
    },
    "primaryTooth": {"type": "string"},
    "indication": {"type": "string"},
    "observations": {"type": "array", "items": {"type": "string"}},
    "warnings": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["detected", "confidence", "findings"]
}`)

// AnalysisToolDef returns the tool definition attached to vision requests.
func AnalysisToolDef() *llm.ToolDef {
	return &llm.ToolDef{
		Name:        analysisToolName,
		Description: "Report the structured per-tooth case analysis.",
		Parameters:  analysisToolParameters,
	}
}

// rawFinding tolerates the shapes providers actually emit: tooth numbers as
// strings or numbers, enum values in any casing or locale.
type rawFinding struct {
	Tooth      any     `json:"tooth"`
	Region     string  `json:"region"`
	Procedure  string  `json:"procedure"`
	Size       string  `json:"size"`
	Substrate  string  `json:"substrate"`
	Condition  string  `json:"condition"`
	Depth      string  `json:"depth"`
	Priority   string  `json:"priority"`
	Rationale  string  `json:"rationale"`
	Indication string  `json:"indication"`
	Bounds     *Bounds `json:"bounds"`
}

type rawAnalysis struct {
	Detected     *bool        `json:"detected"`
	Confidence   *float64     `json:"confidence"`
	Findings     []rawFinding `json:"findings"`
	PrimaryTooth any          `json:"primaryTooth"`
	Indication   string       `json:"indication"`
	Observations []string     `json:"observations"`
	Warnings     []string     `json:"warnings"`
}

// parseAnalysis validates the extracted object and produces a typed analysis.
// Structural violations are fatal and reported as field-level diagnostics;
// unmappable optional enum values are nulled with a logged note instead.
func parseAnalysis(provider string, raw json.RawMessage) (CaseAnalysis, error) {
	var parsed rawAnalysis
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return CaseAnalysis{}, &ValidationFailed{Provider: provider, Diagnostics: []Diagnostic{
			{Path: "$", Code: "parse_error", Message: err.Error()},
		}}
	}

	var diags []Diagnostic
	if parsed.Detected == nil {
		diags = append(diags, Diagnostic{Path: "detected", Code: "required", Message: "detected is required"})
	}
	if parsed.Confidence == nil {
		diags = append(diags, Diagnostic{Path: "confidence", Code: "required", Message: "confidence is required"})
	}
	if parsed.Detected != nil && *parsed.Detected && len(parsed.Findings) == 0 {
		diags = append(diags, Diagnostic{Path: "findings", Code: "empty", Message: "detected case must carry at least one finding"})
	}

	out := CaseAnalysis{
		Observations: ensureStrings(parsed.Observations),
		Warnings:     ensureStrings(parsed.Warnings),
	}
	if parsed.Detected != nil {
		out.Detected = *parsed.Detected
	}
	if parsed.Confidence != nil {
		out.Confidence = clampConfidence(*parsed.Confidence)
	}
	out.Indication = normalizeIndication(parsed.Indication)

	out.Findings = make([]Finding, 0, len(parsed.Findings))
	for i, rf := range parsed.Findings {
		tooth, ok := toothNumber(rf.Tooth)
		if !ok {
			diags = append(diags, Diagnostic{
				Path:    fmt.Sprintf("findings[%d].tooth", i),
				Code:    "invalid_tooth",
				Message: fmt.Sprintf("not a valid FDI tooth number: %v", rf.Tooth),
			})
			continue
		}
		f := Finding{
			Tooth:      tooth,
			Region:     normalizeRegion(rf.Region),
			Procedure:  normalizeProcedure(rf.Procedure),
			Size:       normalizeSize(rf.Size),
			Substrate:  normalizeSubstrate(rf.Substrate),
			Condition:  normalizeCondition(rf.Condition),
			Depth:      normalizeDepth(rf.Depth),
			Priority:   normalizePriority(rf.Priority),
			Rationale:  strings.TrimSpace(rf.Rationale),
			Indication: normalizeIndication(rf.Indication),
			Bounds:     clampBounds(rf.Bounds),
		}
		// Unmapped nullable enums collapse to empty, but never silently:
		// the dropped token is recorded so tuning can catch vocabulary gaps.
		for _, dropped := range []struct{ field, raw, mapped string }{
			{"procedure", rf.Procedure, f.Procedure},
			{"depth", rf.Depth, f.Depth},
			{"substrate", rf.Substrate, f.Substrate},
		} {
			if strings.TrimSpace(dropped.raw) != "" && dropped.mapped == "" {
				out.Observations = append(out.Observations,
					fmt.Sprintf("tooth %s: unmapped %s value %q discarded", tooth, dropped.field, dropped.raw))
			}
		}
		out.Findings = append(out.Findings, f)
	}

	if len(diags) > 0 {
		return CaseAnalysis{}, &ValidationFailed{Provider: provider, Diagnostics: diags}
	}

	if tooth, ok := toothNumber(parsed.PrimaryTooth); ok && hasTooth(out.Findings, tooth) {
		out.PrimaryTooth = tooth
	} else if len(out.Findings) > 0 {
		out.PrimaryTooth = highestPriorityTooth(out.Findings)
	}
	return out, nil
}

// toothNumber accepts FDI notation as a string or number ("11".."48").
func toothNumber(value any) (string, bool) {
	var s string
	switch v := value.(type) {
	case string:
		s = strings.TrimSpace(v)
	case float64:
		s = strconv.Itoa(int(v))
	case json.Number:
		s = v.String()
	default:
		return "", false
	}
	if len(s) != 2 {
		return "", false
	}
	quadrant := s[0]
	position := s[1]
	if quadrant < '1' || quadrant > '4' {
		return "", false
	}
	if position < '1' || position > '8' {
		return "", false
	}
	return s, true
}

func hasTooth(findings []Finding, tooth string) bool {
	for _, f := range findings {
		if f.Tooth == tooth {
			return true
		}
	}
	return false
}

func highestPriorityTooth(findings []Finding) string {
	best := findings[0]
	for _, f := range findings[1:] {
		if priorityRank(f.Priority) < priorityRank(best.Priority) {
			best = f
		}
	}
	return best.Tooth
}

func clampConfidence(value float64) float64 {
	// Some callers report 0-1, providers report 0-100. Scale up the former.
	if value > 0 && value <= 1 {
		value *= 100
	}
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

func clampBounds(b *Bounds) *Bounds {
	if b == nil {
		return nil
	}
	clamp := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	return &Bounds{X: clamp(b.X), Y: clamp(b.Y), Width: clamp(b.Width), Height: clamp(b.Height)}
}

func ensureStrings(value []string) []string {
	if value == nil {
		return []string{}
	}
	out := make([]string, 0, len(value))
	for _, s := range value {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
