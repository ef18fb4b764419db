package protocol

import (
	"fmt"
	"sort"
	"strings"
)

// Shade families recognized when a layer's catalog row is unavailable and a
// constraint still has to be enforced from the shade code alone.
var highTranslucencyShades = map[string]bool{
	"trans n":   true,
	"trans 30":  true,
	"trans 20":  true,
	"t-blue":    true,
	"t-neutral": true,
}

// Product lines allowed on proximal ridge layers. The ridge carries the
// contact point; only lines with adequate flexural strength qualify.
var proximalRidgeLines = []string{"Vittra APS", "Empress Direct"}

// CaseContext carries the anatomical/classification facts the minimum-layer
// policy needs.
type CaseContext struct {
	Anterior  bool
	Aesthetic bool
}

// Corrector validates and repairs a generated protocol against the loaded
// catalog. It never removes clinical intent; it only replaces materially
// invalid choices and keeps the derived text in sync.
type Corrector struct {
	Catalog *Catalog
	// MinAnteriorLayers is the advisory layer floor for anterior aesthetic
	// cases. Tuned empirically; override via config.
	MinAnteriorLayers int

	substitutions map[string]string
	seenAlerts    map[string]bool
}

// NewCorrector builds a corrector over the request-scoped catalog.
func NewCorrector(catalog *Catalog) *Corrector {
	return &Corrector{
		Catalog:           catalog,
		MinAnteriorLayers: 3,
		substitutions:     make(map[string]string),
		seenAlerts:        make(map[string]bool),
	}
}

// Correct repairs every layer, rewrites derived text for each substitution,
// and applies the minimum-layer policy. The protocol is corrected in place.
func (c *Corrector) Correct(p *Protocol, caseCtx CaseContext) {
	for i := range p.Layers {
		c.correctLayer(p, &p.Layers[i])
	}
	c.rewriteChecklist(p)
	c.enforceLayerFloor(p, caseCtx)
}

func (c *Corrector) correctLayer(p *Protocol, layer *Layer) {
	layerType := c.layerTypeOf(layer)

	// Step 1-2: catalog presence, nearest valid substitute, safe default.
	if !c.Catalog.Has(layer.ProductLine, layer.Shade) {
		replacement, source := c.substitute(layer.ProductLine, layer.Shade, layerType)
		c.applySubstitution(p, layer, replacement, source)
	}

	// Step 3: layer-type constraints hold regardless of catalog presence.
	switch layer.Role {
	case RoleProximalRidge:
		if !containsFold(proximalRidgeLines, layer.ProductLine) {
			prev := layer.ProductLine
			layer.ProductLine = proximalRidgeLines[0]
			if !c.Catalog.Has(layer.ProductLine, layer.Shade) {
				repl, _ := c.substitute(layer.ProductLine, layer.Shade, layerType)
				c.applySubstitution(p, layer, repl, "ridge product line change")
			}
			c.addAlert(p, "ridge_line", prev, layer.ProductLine, fmt.Sprintf(
				"Proximal ridge layer moved from %s to %s: ridge layers require a high-strength line", prev, layer.ProductLine))
		}
	case RoleIncisalBuildup:
		if !isTranslucentShade(layer.Shade) {
			repl, _ := c.substitute(layer.ProductLine, layer.Shade, LayerTypeEnamel)
			if !isTranslucentShade(repl) {
				repl = "Trans N"
			}
			prev := layer.Shade
			c.applySubstitution(p, layer, repl, "incisal build-up needs a translucent shade")
			c.addAlert(p, "incisal_translucency", prev, layer.Shade, fmt.Sprintf(
				"Incisal build-up shade %s replaced with %s: this layer must come from the translucent family", prev, layer.Shade))
		}
	case RoleFinalOuter:
		if isHighTranslucencyShade(layer.Shade) {
			prev := layer.Shade
			repl := c.firstOfType(layer.ProductLine, LayerTypeEnamel, DefaultEnamelShade)
			c.applySubstitution(p, layer, repl, "final outer layer must not be overly translucent")
			c.addAlert(p, "final_translucency", prev, layer.Shade, fmt.Sprintf(
				"Final layer shade %s replaced with %s: an overly translucent outer layer grays the restoration", prev, layer.Shade))
		}
	}

	// Dentin/enamel family exclusivity.
	switch layerType {
	case LayerTypeBody:
		if isEnamelOnlyShade(layer.Shade) {
			prev := layer.Shade
			repl := c.firstOfType(layer.ProductLine, LayerTypeBody, DefaultBodyShade)
			c.applySubstitution(p, layer, repl, "body layer cannot carry an enamel-only shade")
			c.addAlert(p, "family_mismatch", prev, layer.Shade, fmt.Sprintf(
				"Body layer shade %s replaced with %s: enamel-only shades lack the opacity a dentin layer needs", prev, layer.Shade))
		}
	case LayerTypeEnamel:
		if isDentinOnlyShade(layer.Shade) {
			prev := layer.Shade
			repl := c.firstOfType(layer.ProductLine, LayerTypeEnamel, DefaultEnamelShade)
			c.applySubstitution(p, layer, repl, "enamel layer cannot carry a dentin-only shade")
			c.addAlert(p, "family_mismatch", prev, layer.Shade, fmt.Sprintf(
				"Enamel layer shade %s replaced with %s: dentin shades are too opaque for the outer shell", prev, layer.Shade))
		}
	}
}

// substitute picks the nearest valid shade for the product line, preferring
// the requested layer type and shade-name similarity. When the line has no
// usable rows at all, the universal default takes over.
func (c *Corrector) substitute(line, shade, layerType string) (string, string) {
	candidates := c.Catalog.EntriesOfType(line, layerType)
	if len(candidates) == 0 {
		candidates = c.Catalog.Entries(line)
	}
	if len(candidates) == 0 {
		for _, universal := range UniversalProductLines {
			if rows := c.Catalog.EntriesOfType(universal, layerType); len(rows) > 0 {
				candidates = rows
				break
			}
		}
	}
	if len(candidates) == 0 {
		return defaultShadeFor(layerType), "hard-coded safe default"
	}
	best := candidates[0]
	bestScore := shadeSimilarity(shade, best.Shade)
	for _, e := range candidates[1:] {
		if score := shadeSimilarity(shade, e.Shade); score > bestScore {
			best, bestScore = e, score
		}
	}
	return best.Shade, "nearest catalog shade"
}

func defaultShadeFor(layerType string) string {
	switch layerType {
	case LayerTypeEnamel:
		return DefaultEnamelShade
	case LayerTypeOpaque:
		return DefaultOpaqueShade
	default:
		return DefaultBodyShade
	}
}

func (c *Corrector) firstOfType(line, layerType, fallback string) string {
	if rows := c.Catalog.EntriesOfType(line, layerType); len(rows) > 0 {
		return rows[0].Shade
	}
	for _, universal := range UniversalProductLines {
		if rows := c.Catalog.EntriesOfType(universal, layerType); len(rows) > 0 {
			return rows[0].Shade
		}
	}
	return fallback
}

func (c *Corrector) applySubstitution(p *Protocol, layer *Layer, replacement, reason string) {
	if replacement == "" || strings.EqualFold(layer.Shade, replacement) {
		return
	}
	original := layer.Shade
	layer.Shade = replacement
	if original != "" {
		c.substitutions[original] = replacement
		c.addAlert(p, "substitution", original, replacement, fmt.Sprintf(
			"Shade %s is not available for %s; using %s (%s)", original, layer.ProductLine, replacement, reason))
	}
}

// addAlert appends an alert unless one covering the same substitution topic
// already exists. Topic identity, not exact text, drives the dedupe.
func (c *Corrector) addAlert(p *Protocol, topic, original, replacement, text string) {
	key := strings.ToLower(topic + "|" + original + "|" + replacement)
	if c.seenAlerts[key] {
		return
	}
	c.seenAlerts[key] = true
	p.Alerts = append(p.Alerts, text)
}

// rewriteChecklist replaces every occurrence of each substituted shade token
// in the derived checklist, whole-token only so "A2" never corrupts "OA2" or
// "A2,5". Substitutions apply in sorted order so chained replacements across
// product lines are reproducible.
func (c *Corrector) rewriteChecklist(p *Protocol) {
	originals := make([]string, 0, len(c.substitutions))
	for original := range c.substitutions {
		originals = append(originals, original)
	}
	sort.Strings(originals)
	for _, original := range originals {
		replacement := c.substitutions[original]
		for i, item := range p.Checklist {
			p.Checklist[i] = replaceWholeToken(item, original, replacement)
		}
	}
}

// replaceWholeToken replaces every whole-token occurrence of token in s. The
// boundary check does not consume the delimiter, so occurrences separated by
// a single character ("A2 A2", "A2/A2") are all replaced.
func replaceWholeToken(s, token, replacement string) string {
	if token == "" || token == replacement {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, token)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := i + len(token)
		boundedLeft := i == 0 || !isShadeChar(s[i-1])
		boundedRight := end == len(s) || !isShadeChar(s[end])
		if boundedLeft && boundedRight {
			b.WriteString(s[:i])
			b.WriteString(replacement)
			s = s[end:]
			continue
		}
		b.WriteString(s[:i+1])
		s = s[i+1:]
	}
}

// isShadeChar reports whether ch can continue a shade code. Shade codes
// contain dots and dashes, so \b-style word boundaries are not enough.
func isShadeChar(ch byte) bool {
	switch {
	case ch >= 'A' && ch <= 'Z', ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9':
		return true
	case ch == '.', ch == '-':
		return true
	}
	return false
}

// enforceLayerFloor appends a warning when an anterior aesthetic case has
// fewer layers than the policy floor. Advisory only; never blocks.
func (c *Corrector) enforceLayerFloor(p *Protocol, caseCtx CaseContext) {
	if !caseCtx.Anterior || !caseCtx.Aesthetic {
		return
	}
	if len(p.Layers) >= c.MinAnteriorLayers {
		return
	}
	p.Warnings = append(p.Warnings, fmt.Sprintf(
		"Anterior aesthetic build-ups usually need at least %d layers; this protocol has %d",
		c.MinAnteriorLayers, len(p.Layers)))
}

// Substitutions returns the (original -> replacement) map applied so far.
func (c *Corrector) Substitutions() map[string]string {
	out := make(map[string]string, len(c.substitutions))
	for k, v := range c.substitutions {
		out[k] = v
	}
	return out
}

func (c *Corrector) layerTypeOf(layer *Layer) string {
	for _, e := range c.Catalog.Entries(layer.ProductLine) {
		if strings.EqualFold(e.Shade, layer.Shade) {
			return strings.ToLower(e.LayerType)
		}
	}
	// No catalog row: infer from the shade code.
	switch {
	case isDentinOnlyShade(layer.Shade):
		return LayerTypeBody
	case isEnamelOnlyShade(layer.Shade) || isTranslucentShade(layer.Shade):
		return LayerTypeEnamel
	case strings.HasPrefix(strings.ToUpper(layer.Shade), "O"):
		return LayerTypeOpaque
	default:
		return LayerTypeBody
	}
}

// shadeSimilarity scores how close two shade codes are. Longest shared
// prefix dominates; matching hue letters (A/B/C/D) break ties so "A3" lands
// on "A3.5" before "B3".
func shadeSimilarity(a, b string) int {
	ua := strings.ToUpper(strings.TrimSpace(a))
	ub := strings.ToUpper(strings.TrimSpace(b))
	if ua == ub {
		return 100
	}
	score := 0
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			break
		}
		score += 10
	}
	if hueOf(ua) != "" && hueOf(ua) == hueOf(ub) {
		score += 5
	}
	return score
}

func hueOf(shade string) string {
	shade = strings.TrimPrefix(strings.TrimPrefix(shade, "E-"), "O")
	for _, h := range []string{"A", "B", "C", "D"} {
		if strings.HasPrefix(shade, h) {
			return h
		}
	}
	return ""
}

func isTranslucentShade(shade string) bool {
	lower := strings.ToLower(strings.TrimSpace(shade))
	return strings.HasPrefix(lower, "trans") || strings.HasPrefix(lower, "t-")
}

func isHighTranslucencyShade(shade string) bool {
	return highTranslucencyShades[strings.ToLower(strings.TrimSpace(shade))]
}

func isEnamelOnlyShade(shade string) bool {
	upper := strings.ToUpper(strings.TrimSpace(shade))
	return strings.HasPrefix(upper, "E-") || strings.HasPrefix(upper, "EA") || isTranslucentShade(shade)
}

func isDentinOnlyShade(shade string) bool {
	upper := strings.ToUpper(strings.TrimSpace(shade))
	return strings.HasPrefix(upper, "D-") || strings.HasPrefix(upper, "DA")
}
