package cases

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrNoAnalysis is returned when a downstream-only mode is requested
	// without a prior analysis to run it on.
	ErrNoAnalysis = errors.New("prior analysis required")
)

// Stable error codes persisted with failed cases.
const (
	ErrorCodeValidation     = "VALIDATION_ERROR"
	ErrorCodeProviderLimit  = "PROVIDER_RATE_LIMITED"
	ErrorCodeExhausted      = "PIPELINE_EXHAUSTED"
	ErrorCodeLedger         = "LEDGER_ERROR"
	ErrorCodeImageRejected  = "IMAGE_REJECTED"
	ErrorCodeStorage        = "STORAGE_ERROR"
	ErrorCodeInternal       = "INTERNAL_ERROR"
	ErrorCodeSchemaMismatch = "LLM_SCHEMA_MISMATCH"
)

// Attempt records one provider try in the fallback chain.
type Attempt struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// PipelineExhausted means every provider in the chain failed. It carries the
// per-attempt reasons so the caller-visible failure can show the whole chain.
type PipelineExhausted struct {
	Attempts []Attempt
}

func (e *PipelineExhausted) Error() string {
	reasons := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		reasons = append(reasons, fmt.Sprintf("%s: %s", a.Provider, a.Error))
	}
	return "all providers exhausted: " + strings.Join(reasons, "; ")
}

// ValidationFailed is a schema violation in provider output. The orchestrator
// treats it like malformed output and advances the chain.
type ValidationFailed struct {
	Provider    string
	Diagnostics []Diagnostic
}

// Diagnostic is one field-level schema violation, logged in full before the
// failure is folded into the fallback flow.
type Diagnostic struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationFailed) Error() string {
	if len(e.Diagnostics) == 0 {
		return "output validation failed"
	}
	first := e.Diagnostics[0]
	return fmt.Sprintf("output validation failed at %s: %s (%d total)", first.Path, first.Message, len(e.Diagnostics))
}
