package cases

import (
	"fmt"
	"sort"
	"strings"

	"smile-backend/internal/shared/telemetry"
)

// SafetyNet is the deterministic post-inference correction pipeline. Every
// rule is a pure CaseAnalysis -> CaseAnalysis function; the fixed order below
// is load-bearing and changing it invalidates the rule-interaction tests.
type SafetyNet struct {
	// MinConfidence gates retention of low-reliability finding classes.
	// Empirically tuned; exposed as configuration rather than hard-coded.
	MinConfidence float64
	// MultiSignalCount is the co-occurrence count that exempts a gated
	// class from confidence gating.
	MultiSignalCount int
}

// DefaultSafetyNet returns the tuned production thresholds.
func DefaultSafetyNet() SafetyNet {
	return SafetyNet{MinConfidence: 65, MultiSignalCount: 3}
}

// Apply runs every rule in order and returns the corrected analysis.
// The input is never mutated.
func (sn SafetyNet) Apply(analysis CaseAnalysis) CaseAnalysis {
	rules := []struct {
		name string
		fn   func(CaseAnalysis) CaseAnalysis
	}{
		{"dedupe", dedupeFindings},
		{"confidence_gate", sn.gateLowConfidence},
		{"depth_consistency", escalateDepthFromEvidence},
		{"arch_majority", filterMinorityArch},
		{"substrate_conditioning", clearAestheticSubstrate},
		{"resort_reanchor", resortAndReanchor},
		{"warning_synthesis", sn.synthesizeWarnings},
	}
	out := cloneAnalysis(analysis)
	for _, rule := range rules {
		before := len(out.Findings)
		out = rule.fn(out)
		if len(out.Findings) != before {
			telemetry.Info("safetynet.rule", map[string]any{
				"rule":            rule.name,
				"findings_before": before,
				"findings_after":  len(out.Findings),
			})
		}
	}
	return out
}

func cloneAnalysis(a CaseAnalysis) CaseAnalysis {
	out := a
	out.Findings = append([]Finding(nil), a.Findings...)
	out.Observations = append([]string(nil), a.Observations...)
	out.Warnings = append([]string(nil), a.Warnings...)
	for i, f := range out.Findings {
		if f.Bounds != nil {
			b := *f.Bounds
			out.Findings[i].Bounds = &b
		}
	}
	return out
}

// dedupeFindings keeps the first finding per tooth. Providers emit the
// higher-priority duplicate first, so first-wins is the safe choice.
func dedupeFindings(a CaseAnalysis) CaseAnalysis {
	seen := make(map[string]bool, len(a.Findings))
	kept := a.Findings[:0:0]
	for _, f := range a.Findings {
		if seen[f.Tooth] {
			continue
		}
		seen[f.Tooth] = true
		kept = append(kept, f)
	}
	a.Findings = kept
	return a
}

// gateLowConfidence strips diastema-closure findings below the confidence
// threshold. Two overrides keep them: three or more co-occurring findings of
// the class (overwhelming multi-signal evidence), or a contralateral/adjacent
// pair (a recognized anatomical pattern).
func (sn SafetyNet) gateLowConfidence(a CaseAnalysis) CaseAnalysis {
	if a.Confidence >= sn.MinConfidence {
		return a
	}
	var gated []Finding
	for _, f := range a.Findings {
		if f.Procedure == ProcedureDiastemaClosure {
			gated = append(gated, f)
		}
	}
	if len(gated) == 0 {
		return a
	}
	if len(gated) >= sn.MultiSignalCount {
		return a
	}

	kept := a.Findings[:0:0]
	var removed []string
	for _, f := range a.Findings {
		if f.Procedure != ProcedureDiastemaClosure || inAnatomicalPattern(f, gated) {
			kept = append(kept, f)
			continue
		}
		removed = append(removed, f.Tooth)
	}
	if len(removed) > 0 {
		a.Warnings = append(a.Warnings, fmt.Sprintf(
			"Low-confidence spacing findings removed pending better capture: teeth %s",
			strings.Join(removed, ", ")))
	}
	a.Findings = kept
	return a
}

// inAnatomicalPattern reports whether f has a contralateral partner or a
// same-arch neighbor among the other gated findings.
func inAnatomicalPattern(f Finding, gated []Finding) bool {
	for _, other := range gated {
		if other.Tooth == f.Tooth {
			continue
		}
		if other.Tooth == contralateralTooth(f.Tooth) || adjacentTeeth(f.Tooth, other.Tooth) {
			return true
		}
	}
	return false
}

// contralateralTooth mirrors an FDI tooth across the midline (11<->21, 36<->46).
func contralateralTooth(tooth string) string {
	if len(tooth) != 2 {
		return ""
	}
	mirror := map[byte]byte{'1': '2', '2': '1', '3': '4', '4': '3'}
	q, ok := mirror[tooth[0]]
	if !ok {
		return ""
	}
	return string([]byte{q, tooth[1]})
}

// adjacentTeeth reports same-arch neighbors. Within a quadrant that is
// position +/- 1; across the midline the two central incisors are adjacent.
func adjacentTeeth(a, b string) bool {
	if len(a) != 2 || len(b) != 2 {
		return false
	}
	if a[0] == b[0] {
		diff := int(a[1]) - int(b[1])
		return diff == 1 || diff == -1
	}
	if b == contralateralTooth(a) && a[1] == '1' {
		return true
	}
	return false
}

// Depth evidence keywords scanned in observations and rationales. Matching is
// case-insensitive against the clinical languages the prompts run in.
var deepEvidenceKeywords = []string{"deep", "profunda", "profundo", "pulp", "polpa", "near pulp"}

// escalateDepthFromEvidence cross-checks each finding's depth tier against
// keyword evidence in the free text. Mismatches escalate toward the more
// severe tier, never downward, and the override is documented inline.
func escalateDepthFromEvidence(a CaseAnalysis) CaseAnalysis {
	textPool := strings.ToLower(strings.Join(a.Observations, " "))
	for i, f := range a.Findings {
		if f.Procedure != ProcedureCaries && f.Procedure != ProcedureFracture {
			continue
		}
		if f.Depth == DepthDeep {
			continue
		}
		haystack := textPool + " " + strings.ToLower(f.Rationale)
		keyword := ""
		for _, kw := range deepEvidenceKeywords {
			if strings.Contains(haystack, kw) {
				keyword = kw
				break
			}
		}
		if keyword == "" {
			continue
		}
		previous := f.Depth
		if previous == "" {
			previous = "unset"
		}
		a.Findings[i].Depth = DepthDeep
		a.Observations = append(a.Observations, fmt.Sprintf(
			"tooth %s: depth escalated from %s to deep (evidence keyword %q)", f.Tooth, previous, keyword))
	}
	return a
}

// filterMinorityArch removes the smaller arch group when one arch strictly
// outnumbers the other. Single-photo cases reliably frame one arch; findings
// on the other are usually reflections or mislabeled teeth. Ties keep all.
func filterMinorityArch(a CaseAnalysis) CaseAnalysis {
	var upper, lower int
	for _, f := range a.Findings {
		if isUpperArch(f.Tooth) {
			upper++
		} else {
			lower++
		}
	}
	if upper == 0 || lower == 0 || upper == lower {
		return a
	}
	removeUpper := upper < lower
	kept := a.Findings[:0:0]
	var removed []string
	for _, f := range a.Findings {
		if isUpperArch(f.Tooth) == removeUpper {
			removed = append(removed, f.Tooth)
			continue
		}
		kept = append(kept, f)
	}
	arch := "lower"
	if removeUpper {
		arch = "upper"
	}
	a.Findings = kept
	a.Warnings = append(a.Warnings, fmt.Sprintf(
		"Removed %s-arch findings (teeth %s): minority arch in a single-arch capture is usually misattributed",
		arch, strings.Join(removed, ", ")))
	return a
}

func isUpperArch(tooth string) bool {
	return len(tooth) == 2 && (tooth[0] == '1' || tooth[0] == '2')
}

// Aesthetic evidence tokens checked against rationale text.
var aestheticKeywords = []string{"aesthetic", "esthetic", "estética", "estetica", "whitening", "clareamento", "veneer", "faceta"}

// clearAestheticSubstrate nulls the substrate classification on findings
// whose indication or rationale marks a purely aesthetic procedure; substrate
// only applies to restorative work.
func clearAestheticSubstrate(a CaseAnalysis) CaseAnalysis {
	for i, f := range a.Findings {
		if f.Substrate == "" {
			continue
		}
		aesthetic := f.Indication == IndicationAesthetic ||
			f.Indication == IndicationWhitening ||
			f.Indication == IndicationVeneer
		if !aesthetic {
			rationale := strings.ToLower(f.Rationale)
			for _, kw := range aestheticKeywords {
				if strings.Contains(rationale, kw) {
					aesthetic = true
					break
				}
			}
		}
		if aesthetic {
			a.Findings[i].Substrate = ""
		}
	}
	return a
}

// resortAndReanchor sorts findings by priority (stable within a tier) and
// repairs the primary reference if earlier rules removed it.
func resortAndReanchor(a CaseAnalysis) CaseAnalysis {
	sort.SliceStable(a.Findings, func(i, j int) bool {
		return priorityRank(a.Findings[i].Priority) < priorityRank(a.Findings[j].Priority)
	})
	if len(a.Findings) == 0 {
		a.PrimaryTooth = ""
		return a
	}
	if a.PrimaryTooth == "" || !hasTooth(a.Findings, a.PrimaryTooth) {
		a.PrimaryTooth = a.Findings[0].Tooth
	}
	return a
}

const multiFindingWarningSuffix = "units require attention, select one to proceed first"

const recaptureAdvisory = "Single low-confidence finding: consider re-capturing the photo with better lighting and framing"

// synthesizeWarnings prepends one summary warning for multi-finding cases and
// appends one advisory for a lone low-confidence finding.
func (sn SafetyNet) synthesizeWarnings(a CaseAnalysis) CaseAnalysis {
	if len(a.Findings) > 1 && !containsSuffix(a.Warnings, multiFindingWarningSuffix) {
		summary := fmt.Sprintf("%d %s", len(a.Findings), multiFindingWarningSuffix)
		a.Warnings = append([]string{summary}, a.Warnings...)
	}
	if len(a.Findings) == 1 && a.Confidence < sn.MinConfidence && !contains(a.Warnings, recaptureAdvisory) {
		a.Warnings = append(a.Warnings, recaptureAdvisory)
	}
	return a
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func containsSuffix(list []string, suffix string) bool {
	for _, item := range list {
		if strings.HasSuffix(item, suffix) {
			return true
		}
	}
	return false
}
