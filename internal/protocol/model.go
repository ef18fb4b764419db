package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Layer types a catalog entry or protocol layer belongs to.
const (
	LayerTypeOpaque = "opaque"
	LayerTypeBody   = "body"
	LayerTypeEnamel = "enamel"
)

// Layer roles with dedicated material constraints.
const (
	RoleProximalRidge = "proximal_ridge"
	RoleIncisalBuildup = "incisal_buildup"
	RoleFinalOuter    = "final_outer"
)

// CatalogEntry is one valid (product line, shade) combination from the
// reference store. Read-only.
type CatalogEntry struct {
	ProductLine string `json:"productLine"`
	Shade       string `json:"shade"`
	LayerType   string `json:"type"`
}

// Layer is one build-up increment of a treatment protocol.
type Layer struct {
	Order       int     `json:"order"`
	Name        string  `json:"name"`
	Role        string  `json:"role,omitempty"`
	Brand       string  `json:"brand"`
	ProductLine string  `json:"productLine"`
	Shade       string  `json:"shade"`
	ThicknessMM float64 `json:"thicknessMm,omitempty"`
	Purpose     string  `json:"purpose,omitempty"`
	Technique   string  `json:"technique,omitempty"`
}

// Protocol is an ordered layer list plus derived text artifacts. The
// checklist and alerts must stay textually consistent with any material
// substitution applied to the layers.
type Protocol struct {
	Layers    []Layer  `json:"layers"`
	Checklist []string `json:"checklist"`
	Alerts    []string `json:"alerts"`
	Warnings  []string `json:"warnings"`
}

// ProductLines returns the distinct product lines the protocol references,
// in first-appearance order.
func (p *Protocol) ProductLines() []string {
	seen := make(map[string]bool, len(p.Layers))
	var lines []string
	for _, layer := range p.Layers {
		line := strings.TrimSpace(layer.ProductLine)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		lines = append(lines, line)
	}
	return lines
}

// Parse decodes a generated protocol payload, tolerating absent optional
// lists the way providers actually emit them.
func Parse(raw json.RawMessage) (*Protocol, error) {
	var p Protocol
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("protocol parse: %w", err)
	}
	if len(p.Layers) == 0 {
		return nil, fmt.Errorf("protocol has no layers")
	}
	for i := range p.Layers {
		if p.Layers[i].Order == 0 {
			p.Layers[i].Order = i + 1
		}
		p.Layers[i].Role = normalizeRole(p.Layers[i].Role, p.Layers[i].Name)
	}
	if p.Checklist == nil {
		p.Checklist = []string{}
	}
	if p.Alerts == nil {
		p.Alerts = []string{}
	}
	if p.Warnings == nil {
		p.Warnings = []string{}
	}
	return &p, nil
}

// normalizeRole resolves a layer role from the declared role or, failing
// that, from the layer name.
func normalizeRole(role, name string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleProximalRidge, "proximal ridge", "crista proximal":
		return RoleProximalRidge
	case RoleIncisalBuildup, "incisal buildup", "incisal build-up", "halo incisal":
		return RoleIncisalBuildup
	case RoleFinalOuter, "final outer", "final enamel", "esmalte final":
		return RoleFinalOuter
	}
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "proximal"):
		return RoleProximalRidge
	case strings.Contains(lower, "incisal"):
		return RoleIncisalBuildup
	case strings.Contains(lower, "final"):
		return RoleFinalOuter
	}
	return ""
}
