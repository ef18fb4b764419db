package protocol

import (
	"strings"
	"testing"
)

func testCatalog() *Catalog {
	return NewCatalog([]CatalogEntry{
		{ProductLine: "Vittra APS", Shade: "A1", LayerType: LayerTypeBody},
		{ProductLine: "Vittra APS", Shade: "A2", LayerType: LayerTypeBody},
		{ProductLine: "Vittra APS", Shade: "A3.5", LayerType: LayerTypeBody},
		{ProductLine: "Vittra APS", Shade: "E-A2", LayerType: LayerTypeEnamel},
		{ProductLine: "Vittra APS", Shade: "Trans N", LayerType: LayerTypeEnamel},
		{ProductLine: "Vittra APS", Shade: "OA2", LayerType: LayerTypeOpaque},
		{ProductLine: "Z350 XT", Shade: "A2B", LayerType: LayerTypeBody},
		{ProductLine: "Z350 XT", Shade: "A2E", LayerType: LayerTypeEnamel},
	})
}

func TestCorrectReplacesUnknownShadeWithNearest(t *testing.T) {
	p := &Protocol{
		Layers: []Layer{
			{Order: 1, Name: "Dentin body", Role: "", ProductLine: "Vittra APS", Shade: "A3"},
		},
		Checklist: []string{"Apply A3 in 2mm increments", "Polish"},
	}
	c := NewCorrector(testCatalog())
	c.Correct(p, CaseContext{})

	if p.Layers[0].Shade != "A3.5" {
		t.Fatalf("shade = %q, want A3.5", p.Layers[0].Shade)
	}
	if got := p.Checklist[0]; got != "Apply A3.5 in 2mm increments" {
		t.Errorf("checklist not rewritten: %q", got)
	}
	if len(p.Alerts) == 0 {
		t.Error("expected a substitution alert")
	}
}

func TestCorrectUnknownProductLineFallsBackToUniversal(t *testing.T) {
	p := &Protocol{
		Layers: []Layer{
			{Order: 1, Name: "Body", ProductLine: "Estelite Omega", Shade: "B2"},
		},
	}
	c := NewCorrector(testCatalog())
	c.Correct(p, CaseContext{})

	if !c.Catalog.Has(p.Layers[0].ProductLine, p.Layers[0].Shade) {
		// Product line is kept; only the shade must land on a real row
		// from a universal line.
		found := false
		for _, u := range UniversalProductLines {
			if c.Catalog.Has(u, p.Layers[0].Shade) {
				found = true
			}
		}
		if !found {
			t.Fatalf("shade %q not backed by any universal line", p.Layers[0].Shade)
		}
	}
}

func TestCorrectEmptyCatalogUsesHardDefault(t *testing.T) {
	p := &Protocol{
		Layers: []Layer{{Order: 1, Name: "Body", ProductLine: "Ghost Line", Shade: "X9"}},
	}
	c := NewCorrector(NewCatalog(nil))
	c.Correct(p, CaseContext{})

	if p.Layers[0].Shade != DefaultBodyShade {
		t.Fatalf("shade = %q, want hard default %q", p.Layers[0].Shade, DefaultBodyShade)
	}
}

func TestChecklistRewriteIsWholeToken(t *testing.T) {
	p := &Protocol{
		Layers: []Layer{
			{Order: 1, Name: "Body", ProductLine: "Vittra APS", Shade: "A3"},
		},
		Checklist: []string{
			"Start with A3, never OA3 or A3.5; finish A3",
		},
	}
	c := NewCorrector(testCatalog())
	c.Correct(p, CaseContext{})

	got := p.Checklist[0]
	if strings.Contains(got, "OA3.5.5") || strings.Contains(got, "A3.5.5") {
		t.Fatalf("partial-token corruption: %q", got)
	}
	if !strings.Contains(got, "Start with A3.5,") || !strings.Contains(got, "finish A3.5") {
		t.Errorf("whole tokens not replaced: %q", got)
	}
	if !strings.Contains(got, "never OA3 ") {
		t.Errorf("embedded token was touched: %q", got)
	}
}

func TestChecklistRewriteHandlesAdjacentTokens(t *testing.T) {
	p := &Protocol{
		Layers: []Layer{
			{Order: 1, Name: "Body", ProductLine: "Vittra APS", Shade: "A3"},
		},
		Checklist: []string{
			"Shade A3 A3 on the cervical third",
			"Blend A3/A3 toward the incisal edge",
		},
	}
	c := NewCorrector(testCatalog())
	c.Correct(p, CaseContext{})

	if p.Checklist[0] != "Shade A3.5 A3.5 on the cervical third" {
		t.Errorf("space-separated tokens not both replaced: %q", p.Checklist[0])
	}
	if p.Checklist[1] != "Blend A3.5/A3.5 toward the incisal edge" {
		t.Errorf("slash-separated tokens not both replaced: %q", p.Checklist[1])
	}
}

func TestReplaceWholeTokenDelimiters(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"A2 A2", "A3 A3"},
		{"A2/A2/A2", "A3/A3/A3"},
		{"A2", "A3"},
		{"apply A2 then A2", "apply A3 then A3"},
		{"OA2 A2.5", "OA2 A2.5"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := replaceWholeToken(tc.in, "A2", "A3"); got != tc.want {
			t.Errorf("replaceWholeToken(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestProximalRidgeLineEnforced(t *testing.T) {
	p := &Protocol{
		Layers: []Layer{
			{Order: 1, Name: "Proximal ridge", Role: RoleProximalRidge, ProductLine: "Z350 XT", Shade: "A2B"},
		},
	}
	c := NewCorrector(testCatalog())
	c.Correct(p, CaseContext{})

	if p.Layers[0].ProductLine != "Vittra APS" {
		t.Fatalf("product line = %q, want Vittra APS", p.Layers[0].ProductLine)
	}
}

func TestIncisalBuildupRequiresTranslucentShade(t *testing.T) {
	p := &Protocol{
		Layers: []Layer{
			{Order: 2, Name: "Incisal build-up", Role: RoleIncisalBuildup, ProductLine: "Vittra APS", Shade: "A2"},
		},
	}
	c := NewCorrector(testCatalog())
	c.Correct(p, CaseContext{})

	if !isTranslucentShade(p.Layers[0].Shade) {
		t.Fatalf("shade = %q, want a translucent-family shade", p.Layers[0].Shade)
	}
}

func TestFinalOuterRejectsHighTranslucency(t *testing.T) {
	p := &Protocol{
		Layers: []Layer{
			{Order: 3, Name: "Final enamel", Role: RoleFinalOuter, ProductLine: "Vittra APS", Shade: "Trans N"},
		},
	}
	c := NewCorrector(testCatalog())
	c.Correct(p, CaseContext{})

	if isHighTranslucencyShade(p.Layers[0].Shade) {
		t.Fatalf("final layer kept high-translucency shade %q", p.Layers[0].Shade)
	}
}

func TestAlertDedupe(t *testing.T) {
	p := &Protocol{
		Layers: []Layer{
			{Order: 1, Name: "Body", ProductLine: "Vittra APS", Shade: "A3"},
			{Order: 2, Name: "Body 2", ProductLine: "Vittra APS", Shade: "A3"},
		},
	}
	c := NewCorrector(testCatalog())
	c.Correct(p, CaseContext{})

	count := 0
	for _, a := range p.Alerts {
		if strings.Contains(a, "A3 ") {
			count++
		}
	}
	if count > 1 {
		t.Fatalf("duplicate alerts for the same substitution: %v", p.Alerts)
	}
}

func TestAnteriorAestheticLayerFloorAdvisory(t *testing.T) {
	p := &Protocol{
		Layers: []Layer{
			{Order: 1, Name: "Body", ProductLine: "Vittra APS", Shade: "A2"},
			{Order: 2, Name: "Enamel", ProductLine: "Vittra APS", Shade: "E-A2"},
		},
	}
	c := NewCorrector(testCatalog())
	c.Correct(p, CaseContext{Anterior: true, Aesthetic: true})

	if len(p.Warnings) == 0 {
		t.Fatal("expected a minimum-layer advisory warning")
	}
	if len(p.Layers) != 2 {
		t.Fatalf("advisory must not change layers, got %d", len(p.Layers))
	}

	// Posterior case: no advisory.
	q := &Protocol{Layers: []Layer{{Order: 1, Name: "Body", ProductLine: "Vittra APS", Shade: "A2"}}}
	c2 := NewCorrector(testCatalog())
	c2.Correct(q, CaseContext{Anterior: false, Aesthetic: true})
	if len(q.Warnings) != 0 {
		t.Fatalf("unexpected advisory for posterior case: %v", q.Warnings)
	}
}
