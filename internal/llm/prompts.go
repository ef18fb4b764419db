package llm

import (
	"fmt"
	"strings"
	"sync"
)

// Prompt is one named prompt pair. The clinical text itself is configuration
// data; the pipeline only addresses prompts by identifier.
type Prompt struct {
	ID     string
	System string
	User   string
}

// PromptRegistry resolves prompt identifiers. It is constructed explicitly
// and injected, so tests can run the pipeline against fake prompt text.
type PromptRegistry struct {
	mu      sync.RWMutex
	prompts map[string]Prompt
}

// Well-known prompt identifiers used by the pipeline.
const (
	PromptCaseAnalysis    = "case_analysis"
	PromptProtocolDesign  = "protocol_design"
	PromptSimulationEdit  = "simulation_edit"
	PromptImageAcceptance = "image_acceptance"
)

// NewPromptRegistry builds a registry from the given prompts.
func NewPromptRegistry(prompts ...Prompt) *PromptRegistry {
	reg := &PromptRegistry{prompts: make(map[string]Prompt, len(prompts))}
	for _, p := range prompts {
		reg.prompts[p.ID] = p
	}
	return reg
}

// Register adds or replaces a prompt.
func (r *PromptRegistry) Register(p Prompt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts[p.ID] = p
}

// Get returns the prompt for the given identifier.
func (r *PromptRegistry) Get(id string) (Prompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prompts[strings.TrimSpace(id)]
	if !ok {
		return Prompt{}, fmt.Errorf("prompt %q not registered", id)
	}
	return p, nil
}
