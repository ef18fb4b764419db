package cases

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"smile-backend/internal/llm"
	"smile-backend/internal/shared/metrics"
	"smile-backend/internal/shared/telemetry"
)

// Provider pairs a client with the model it should run for this capability.
type Provider struct {
	Client llm.Client
	Model  string
}

// chainResult is the first provider output that survived validation.
type chainResult struct {
	Analysis CaseAnalysis
	Raw      json.RawMessage
	Provider string
	Model    string
	Attempts []Attempt
}

// Attempt outcomes.
const (
	outcomeSuccess   = "success"
	outcomeMalformed = "malformed_output"
	outcomeInvalid   = "validation_failed"
	outcomeProvider  = "provider_error"
	outcomeAborted   = "aborted"
)

// minCallBudget is the floor below which trying another provider is pointless.
const minCallBudget = 2 * time.Second

// runAnalysisChain tries providers strictly in order under one shared budget.
// At most one success is accepted; remaining providers are never raced. A
// rate-limit or quota condition on the primary path aborts immediately so the
// caller-visible "try again later" is not masked behind a slow fallback.
func runAnalysisChain(ctx context.Context, providers []Provider, base llm.Request, budget time.Duration) (chainResult, error) {
	deadline := time.Now().Add(budget)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var attempts []Attempt
	for i, p := range providers {
		remaining := time.Until(deadline)
		if remaining < minCallBudget {
			break
		}
		req := base
		req.Model = p.Model
		// Each call gets a fair share of what is left, strictly below the
		// case deadline so a hung provider cannot eat the whole chain.
		req.Timeout = callTimeout(remaining, len(providers)-i)

		started := time.Now()
		result, err := p.Client.Invoke(ctx, req)
		elapsed := time.Since(started).Milliseconds()

		if err == nil {
			analysis, parseErr := parseStructured(p.Client.Name(), result)
			if parseErr == nil {
				attempts = append(attempts, Attempt{Provider: p.Client.Name(), Model: p.Model, Outcome: outcomeSuccess, DurationMs: elapsed})
				return chainResult{
					Analysis: analysis.parsed,
					Raw:      analysis.raw,
					Provider: p.Client.Name(),
					Model:    p.Model,
					Attempts: attempts,
				}, nil
			}
			err = parseErr
		}

		outcome, abort := classifyAttempt(err, i == 0)
		attempts = append(attempts, Attempt{
			Provider:   p.Client.Name(),
			Model:      p.Model,
			Outcome:    outcome,
			Error:      err.Error(),
			DurationMs: elapsed,
		})
		telemetry.Info("case.provider_attempt", map[string]any{
			"provider":    p.Client.Name(),
			"model":       p.Model,
			"outcome":     outcome,
			"duration_ms": elapsed,
		})
		if abort {
			return chainResult{Attempts: attempts}, err
		}
		metrics.IncFallbackAdvance()
	}
	return chainResult{Attempts: attempts}, &PipelineExhausted{Attempts: attempts}
}

func callTimeout(remaining time.Duration, providersLeft int) time.Duration {
	if providersLeft < 1 {
		providersLeft = 1
	}
	share := remaining / time.Duration(providersLeft)
	// Always leave headroom under the case deadline, even on the last try.
	ceiling := remaining - time.Second
	if ceiling < minCallBudget {
		ceiling = minCallBudget
	}
	if share > ceiling {
		return ceiling
	}
	if share < minCallBudget {
		return minCallBudget
	}
	return share
}

// classifyAttempt decides whether a failure falls through to the next
// provider or aborts the chain.
func classifyAttempt(err error, primary bool) (outcome string, abort bool) {
	var transient *llm.TransientError
	if errors.As(err, &transient) {
		if primary && transient.RateLimited() {
			return outcomeAborted, true
		}
		return outcomeProvider, false
	}
	var malformed *llm.MalformedOutputError
	if errors.As(err, &malformed) {
		return outcomeMalformed, false
	}
	var invalid *ValidationFailed
	if errors.As(err, &invalid) {
		return outcomeInvalid, false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return outcomeProvider, false
	}
	return outcomeProvider, false
}

type parsedOutput struct {
	parsed CaseAnalysis
	raw    json.RawMessage
}

// parseStructured runs extraction and schema validation on one result.
// Validation failures are logged with full diagnostics here; the orchestrator
// only sees them as a reason to advance.
func parseStructured(provider string, result llm.Result) (parsedOutput, error) {
	raw, err := extractStructured(result)
	if err != nil {
		return parsedOutput{}, &llm.MalformedOutputError{Provider: provider, Reason: err.Error()}
	}
	analysis, err := parseAnalysis(provider, raw)
	if err != nil {
		var invalid *ValidationFailed
		if errors.As(err, &invalid) {
			telemetry.Error("case.validation_failed", map[string]any{
				"provider":    provider,
				"diagnostics": invalid.Diagnostics,
			})
		}
		return parsedOutput{}, err
	}
	return parsedOutput{parsed: analysis, raw: raw}, nil
}
