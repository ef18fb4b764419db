package cases

import "smile-backend/internal/llm"

// DefaultPrompts returns the built-in prompt set. Deployments can override
// any of these through the registry before the service starts.
func DefaultPrompts() []llm.Prompt {
	return []llm.Prompt{
		{
			ID: llm.PromptCaseAnalysis,
			System: "You are a restorative dentistry assistant. You examine intraoral and smile " +
				"photographs and report findings per tooth using FDI two-digit notation. " +
				"Report only what is visible. Always answer through the provided tool.",
			User: "Examine this photograph. For every tooth with a visible clinical finding, report " +
				"the tooth number, the region, the suspected procedure class, lesion depth when " +
				"assessable, treatment priority, and a short rationale. Include an overall " +
				"confidence from 0 to 100 and the primary treatment indication.",
		},
		{
			ID: llm.PromptProtocolDesign,
			System: "You are a restorative dentistry assistant. You design layered composite " +
				"protocols. Answer with a single JSON object containing layers, checklist, and " +
				"alerts. Each layer names its product line, shade, thickness in millimeters, and " +
				"application technique.",
			User: "Design a layered restoration protocol for the findings below. Order layers from " +
				"deepest to outermost and include a step-by-step checklist.\n\nFindings:\n%s",
		},
		{
			ID: llm.PromptSimulationEdit,
			System: "",
			User: "Edit this smile photograph to preview the cosmetic outcome of the planned " +
				"treatment. Whiten and harmonize the visible teeth. Do not move any tooth, do not " +
				"close gaps, and do not change the gum line or lip position.",
		},
	}
}
