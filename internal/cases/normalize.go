package cases

import "strings"

// Providers intermittently answer enum fields in the language of the clinical
// prompt rather than the canonical vocabulary. These static tables rewrite
// known variants back, case-insensitively. Unmapped values are left untouched
// so the closed-enum check downstream can flag them instead of silently
// dropping data.

var priorityVariants = map[string]string{
	"high":   PriorityHigh,
	"alta":   PriorityHigh,
	"alto":   PriorityHigh,
	"medium": PriorityMedium,
	"media":  PriorityMedium,
	"média":  PriorityMedium,
	"médio":  PriorityMedium,
	"low":    PriorityLow,
	"baixa":  PriorityLow,
	"baja":   PriorityLow,
}

var depthVariants = map[string]string{
	"superficial": DepthSuperficial,
	"shallow":     DepthSuperficial,
	"rasa":        DepthSuperficial,
	"medium":      DepthMedium,
	"media":       DepthMedium,
	"média":       DepthMedium,
	"deep":        DepthDeep,
	"profunda":    DepthDeep,
	"profundo":    DepthDeep,
}

var procedureVariants = map[string]string{
	"caries":             ProcedureCaries,
	"carie":              ProcedureCaries,
	"cárie":              ProcedureCaries,
	"cavity":             ProcedureCaries,
	"fracture":           ProcedureFracture,
	"fratura":            ProcedureFracture,
	"fractura":           ProcedureFracture,
	"diastema":           ProcedureDiastemaClosure,
	"diastema_closure":   ProcedureDiastemaClosure,
	"diastema closure":   ProcedureDiastemaClosure,
	"fechamento de diastema": ProcedureDiastemaClosure,
	"discoloration":      ProcedureDiscoloration,
	"discoloração":       ProcedureDiscoloration,
	"manchamento":        ProcedureDiscoloration,
	"abrasion":           ProcedureAbrasion,
	"abrasão":            ProcedureAbrasion,
	"erosion":            ProcedureErosion,
	"erosão":             ProcedureErosion,
	"malformation":       ProcedureMalformation,
	"malformação":        ProcedureMalformation,
	"old_restoration":    ProcedureOldRestoration,
	"old restoration":    ProcedureOldRestoration,
	"restauração antiga": ProcedureOldRestoration,
}

var indicationVariants = map[string]string{
	"restoration":  IndicationRestoration,
	"restauração":  IndicationRestoration,
	"restauracion": IndicationRestoration,
	"aesthetic":    IndicationAesthetic,
	"esthetic":     IndicationAesthetic,
	"estética":     IndicationAesthetic,
	"estetica":     IndicationAesthetic,
	"whitening":    IndicationWhitening,
	"clareamento":  IndicationWhitening,
	"veneer":       IndicationVeneer,
	"faceta":       IndicationVeneer,
}

var regionVariants = map[string]string{
	"anterior":  "anterior",
	"frontal":   "anterior",
	"posterior": "posterior",
}

var sizeVariants = map[string]string{
	"small":   "small",
	"pequena": "small",
	"pequeno": "small",
	"medium":  "medium",
	"media":   "medium",
	"média":   "medium",
	"large":   "large",
	"grande":  "large",
}

var substrateVariants = map[string]string{
	"dentin":             "dentin",
	"dentina":            "dentin",
	"enamel":             "enamel",
	"esmalte":            "enamel",
	"existing_composite": "existing_composite",
	"composite":          "existing_composite",
	"resina":             "existing_composite",
	"metal":              "metal",
}

var conditionVariants = map[string]string{
	"vital":      "vital",
	"discolored": "discolored",
	"manchado":   "discolored",
	"darkened":   "darkened",
	"escurecido": "darkened",
}

func lookupVariant(table map[string]string, value string) (string, bool) {
	mapped, ok := table[strings.ToLower(strings.TrimSpace(value))]
	return mapped, ok
}

// normalizePriority always resolves: unmappable values get the default.
func normalizePriority(value string) string {
	if mapped, ok := lookupVariant(priorityVariants, value); ok {
		return mapped
	}
	return PriorityMedium
}

// normalizeIndication always resolves: unmappable values get the default.
func normalizeIndication(value string) string {
	if mapped, ok := lookupVariant(indicationVariants, value); ok {
		return mapped
	}
	return IndicationRestoration
}

// The remaining enum fields are nullable: unmappable values collapse to "".
func normalizeDepth(value string) string     { return mapOrEmpty(depthVariants, value) }
func normalizeProcedure(value string) string { return mapOrEmpty(procedureVariants, value) }
func normalizeRegion(value string) string    { return mapOrEmpty(regionVariants, value) }
func normalizeSize(value string) string      { return mapOrEmpty(sizeVariants, value) }
func normalizeSubstrate(value string) string { return mapOrEmpty(substrateVariants, value) }
func normalizeCondition(value string) string { return mapOrEmpty(conditionVariants, value) }

func mapOrEmpty(table map[string]string, value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	if mapped, ok := lookupVariant(table, value); ok {
		return mapped
	}
	return ""
}
