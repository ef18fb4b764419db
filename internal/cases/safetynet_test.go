package cases

import (
	"reflect"
	"strings"
	"testing"
)

func finding(tooth, procedure, priority string) Finding {
	return Finding{Tooth: tooth, Procedure: procedure, Priority: priority, Indication: IndicationRestoration}
}

func TestDedupeKeepsFirstFindingPerTooth(t *testing.T) {
	sn := DefaultSafetyNet()
	in := CaseAnalysis{
		Detected:   true,
		Confidence: 90,
		Findings: []Finding{
			finding("11", ProcedureCaries, PriorityHigh),
			finding("11", ProcedureFracture, PriorityLow),
			finding("12", ProcedureCaries, PriorityMedium),
		},
	}
	out := sn.Apply(in)
	if len(out.Findings) != 2 {
		t.Fatalf("findings = %d, want 2", len(out.Findings))
	}
	seen := map[string]int{}
	for _, f := range out.Findings {
		seen[f.Tooth]++
	}
	for tooth, n := range seen {
		if n != 1 {
			t.Errorf("tooth %s appears %d times", tooth, n)
		}
	}
	for _, f := range out.Findings {
		if f.Tooth == "11" && f.Procedure != ProcedureCaries {
			t.Errorf("first finding for tooth 11 did not win: %+v", f)
		}
	}
}

func TestConfidenceGateRemovesLoneLowConfidenceSpacing(t *testing.T) {
	sn := DefaultSafetyNet()
	in := CaseAnalysis{
		Detected:   true,
		Confidence: 50,
		Findings: []Finding{
			finding("11", ProcedureDiastemaClosure, PriorityMedium),
			finding("16", ProcedureCaries, PriorityHigh),
		},
	}
	out := sn.Apply(in)
	for _, f := range out.Findings {
		if f.Procedure == ProcedureDiastemaClosure {
			t.Fatalf("low-confidence spacing finding survived: %+v", f)
		}
	}
	warned := false
	for _, w := range out.Warnings {
		if strings.Contains(w, "Low-confidence spacing") {
			warned = true
		}
	}
	if !warned {
		t.Error("expected a removal warning")
	}
}

func TestConfidenceGateKeepsAboveThreshold(t *testing.T) {
	sn := DefaultSafetyNet()
	in := CaseAnalysis{
		Detected:   true,
		Confidence: 75,
		Findings:   []Finding{finding("11", ProcedureDiastemaClosure, PriorityMedium)},
	}
	out := sn.Apply(in)
	if len(out.Findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(out.Findings))
	}
}

func TestConfidenceGateKeepsContralateralPair(t *testing.T) {
	sn := DefaultSafetyNet()
	in := CaseAnalysis{
		Detected:   true,
		Confidence: 50,
		Findings: []Finding{
			finding("11", ProcedureDiastemaClosure, PriorityMedium),
			finding("21", ProcedureDiastemaClosure, PriorityMedium),
		},
	}
	out := sn.Apply(in)
	if len(out.Findings) != 2 {
		t.Fatalf("contralateral pair must survive, got %d findings", len(out.Findings))
	}
}

func TestConfidenceGateKeepsMultiSignalGroup(t *testing.T) {
	sn := DefaultSafetyNet()
	in := CaseAnalysis{
		Detected:   true,
		Confidence: 20,
		Findings: []Finding{
			finding("11", ProcedureDiastemaClosure, PriorityMedium),
			finding("13", ProcedureDiastemaClosure, PriorityMedium),
			finding("15", ProcedureDiastemaClosure, PriorityMedium),
		},
	}
	out := sn.Apply(in)
	if len(out.Findings) != 3 {
		t.Fatalf("three co-occurring findings must survive at any confidence, got %d", len(out.Findings))
	}
}

func TestDepthEscalatesFromRationaleEvidence(t *testing.T) {
	sn := DefaultSafetyNet()
	f := finding("16", ProcedureCaries, PriorityHigh)
	f.Depth = DepthMedium
	f.Rationale = "Extensive lesion, appears profunda and close to pulp"
	in := CaseAnalysis{Detected: true, Confidence: 90, Findings: []Finding{f}}

	out := sn.Apply(in)
	if out.Findings[0].Depth != DepthDeep {
		t.Fatalf("depth = %q, want deep", out.Findings[0].Depth)
	}
	documented := false
	for _, o := range out.Observations {
		if strings.Contains(o, "depth escalated") {
			documented = true
		}
	}
	if !documented {
		t.Error("escalation must be documented in observations")
	}
}

func TestDepthNeverDowngrades(t *testing.T) {
	sn := DefaultSafetyNet()
	f := finding("16", ProcedureCaries, PriorityHigh)
	f.Depth = DepthDeep
	f.Rationale = "small superficial defect"
	in := CaseAnalysis{Detected: true, Confidence: 90, Findings: []Finding{f}}

	out := sn.Apply(in)
	if out.Findings[0].Depth != DepthDeep {
		t.Fatalf("depth = %q, deep must never downgrade", out.Findings[0].Depth)
	}
}

func TestDepthEscalationIgnoresAestheticClasses(t *testing.T) {
	sn := DefaultSafetyNet()
	f := finding("11", ProcedureDiscoloration, PriorityLow)
	f.Rationale = "deep discoloration of the enamel"
	in := CaseAnalysis{Detected: true, Confidence: 90, Findings: []Finding{f}}

	out := sn.Apply(in)
	if out.Findings[0].Depth != "" {
		t.Fatalf("depth = %q, aesthetic classes must not be escalated", out.Findings[0].Depth)
	}
}

func TestArchMajorityFilterRemovesMinority(t *testing.T) {
	sn := DefaultSafetyNet()
	in := CaseAnalysis{
		Detected:   true,
		Confidence: 90,
		Findings: []Finding{
			finding("11", ProcedureCaries, PriorityHigh),
			finding("21", ProcedureCaries, PriorityMedium),
			finding("36", ProcedureCaries, PriorityLow),
		},
	}
	out := sn.Apply(in)
	for _, f := range out.Findings {
		if !isUpperArch(f.Tooth) {
			t.Fatalf("minority lower-arch finding survived: %+v", f)
		}
	}
	if len(out.Findings) != 2 {
		t.Fatalf("findings = %d, want 2", len(out.Findings))
	}
}

func TestArchMajorityTieKeepsAll(t *testing.T) {
	sn := DefaultSafetyNet()
	in := CaseAnalysis{
		Detected:   true,
		Confidence: 90,
		Findings: []Finding{
			finding("11", ProcedureCaries, PriorityHigh),
			finding("36", ProcedureCaries, PriorityLow),
		},
	}
	out := sn.Apply(in)
	if len(out.Findings) != 2 {
		t.Fatalf("tie must keep all findings, got %d", len(out.Findings))
	}
}

func TestArchMajorityFilterIsIdempotent(t *testing.T) {
	in := CaseAnalysis{
		Detected:   true,
		Confidence: 90,
		Findings: []Finding{
			finding("11", ProcedureCaries, PriorityHigh),
			finding("21", ProcedureCaries, PriorityMedium),
			finding("36", ProcedureCaries, PriorityLow),
		},
	}
	once := filterMinorityArch(cloneAnalysis(in))
	twice := filterMinorityArch(cloneAnalysis(once))
	if !reflect.DeepEqual(once.Findings, twice.Findings) {
		t.Fatalf("second application changed findings:\nonce:  %+v\ntwice: %+v", once.Findings, twice.Findings)
	}
}

func TestAestheticSubstrateCleared(t *testing.T) {
	sn := DefaultSafetyNet()
	f := finding("11", ProcedureDiscoloration, PriorityLow)
	f.Indication = IndicationWhitening
	f.Substrate = "dentin"
	in := CaseAnalysis{Detected: true, Confidence: 90, Findings: []Finding{f}}

	out := sn.Apply(in)
	if out.Findings[0].Substrate != "" {
		t.Fatalf("substrate = %q, want cleared for aesthetic work", out.Findings[0].Substrate)
	}
}

func TestResortAndReanchorPrimary(t *testing.T) {
	sn := DefaultSafetyNet()
	in := CaseAnalysis{
		Detected:     true,
		Confidence:   90,
		PrimaryTooth: "15",
		Findings: []Finding{
			finding("12", ProcedureCaries, PriorityLow),
			finding("16", ProcedureFracture, PriorityHigh),
			finding("14", ProcedureCaries, PriorityMedium),
		},
	}
	out := sn.Apply(in)
	if out.Findings[0].Priority != PriorityHigh {
		t.Fatalf("first finding priority = %q, want high", out.Findings[0].Priority)
	}
	if out.PrimaryTooth != "16" {
		t.Fatalf("primary = %q, want 16 (stale reference repaired)", out.PrimaryTooth)
	}
	if !hasTooth(out.Findings, out.PrimaryTooth) {
		t.Fatal("primary tooth must reference a listed finding")
	}
}

func TestWarningSynthesis(t *testing.T) {
	sn := DefaultSafetyNet()

	multi := sn.Apply(CaseAnalysis{
		Detected:   true,
		Confidence: 90,
		Findings: []Finding{
			finding("11", ProcedureCaries, PriorityHigh),
			finding("12", ProcedureCaries, PriorityMedium),
			finding("13", ProcedureCaries, PriorityLow),
		},
	})
	if len(multi.Warnings) == 0 || !strings.HasPrefix(multi.Warnings[0], "3 ") {
		t.Fatalf("want count-prefixed summary warning first, got %v", multi.Warnings)
	}

	single := sn.Apply(CaseAnalysis{
		Detected:   true,
		Confidence: 40,
		Findings:   []Finding{finding("11", ProcedureCaries, PriorityHigh)},
	})
	if !contains(single.Warnings, recaptureAdvisory) {
		t.Fatalf("want recapture advisory for lone low-confidence finding, got %v", single.Warnings)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	sn := DefaultSafetyNet()
	in := CaseAnalysis{
		Detected:   true,
		Confidence: 50,
		Findings: []Finding{
			finding("11", ProcedureDiastemaClosure, PriorityMedium),
			finding("11", ProcedureCaries, PriorityHigh),
			finding("36", ProcedureCaries, PriorityLow),
		},
	}
	snapshot := cloneAnalysis(in)
	_ = sn.Apply(in)
	if !reflect.DeepEqual(in, snapshot) {
		t.Fatal("Apply mutated its input")
	}
}
