package cases

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"smile-backend/internal/llm"
)

var errNoJSON = errors.New("no JSON object in output")

// extractStructured pulls the structured payload out of a provider result.
// Preference order: the tool call's argument map, then a fenced JSON block in
// the free text, then a brace-matched object. Candidates that fail to parse
// get one repair pass before being rejected.
func extractStructured(result llm.Result) (json.RawMessage, error) {
	if result.ToolCall != nil && len(result.ToolCall.Arguments) > 0 {
		return result.ToolCall.Arguments, nil
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return nil, errNoJSON
	}
	if candidate := fencedBlock(text); candidate != "" {
		if raw, ok := parseOrRepair(candidate); ok {
			return raw, nil
		}
	}
	if candidate := braceMatched(text); candidate != "" {
		if raw, ok := parseOrRepair(candidate); ok {
			return raw, nil
		}
	}
	return nil, errNoJSON
}

// ParseAnalysisResult extracts the structured payload from a provider result
// and validates it into a CaseAnalysis. Callers outside the fallback chain
// use this to inspect a single provider response.
func ParseAnalysisResult(provider string, result llm.Result) (CaseAnalysis, json.RawMessage, error) {
	raw, err := extractStructured(result)
	if err != nil {
		return CaseAnalysis{}, nil, err
	}
	analysis, err := parseAnalysis(provider, raw)
	if err != nil {
		return CaseAnalysis{}, raw, err
	}
	return analysis, raw, nil
}

func parseOrRepair(candidate string) (json.RawMessage, bool) {
	if json.Valid([]byte(candidate)) {
		return json.RawMessage(candidate), true
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil || !json.Valid([]byte(repaired)) {
		return nil, false
	}
	return json.RawMessage(repaired), true
}

// fencedBlock returns the contents of the first ```json (or plain ```) fence.
func fencedBlock(text string) string {
	for _, marker := range []string{"```json", "```"} {
		start := strings.Index(text, marker)
		if start < 0 {
			continue
		}
		rest := text[start+len(marker):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		candidate := strings.TrimSpace(rest[:end])
		if strings.HasPrefix(candidate, "{") {
			return candidate
		}
	}
	return ""
}

// braceMatched returns the first balanced top-level JSON object in the text.
// Braces inside string literals are skipped.
func braceMatched(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	// Unbalanced tail: hand everything from the first brace to the repairer.
	return text[start:]
}
