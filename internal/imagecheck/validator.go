// Package imagecheck gates AI-edited smile images before they reach the
// user. The check is fail-closed: any doubt, any error, any timeout means
// the image is rejected.
package imagecheck

import (
	"context"
	"strings"
	"time"

	"smile-backend/internal/llm"
	"smile-backend/internal/shared/telemetry"
)

const (
	defaultTimeout   = 10 * time.Second
	verdictMaxTokens = 5
)

const verdictSystem = "You are a dental photo reviewer. Answer with exactly one word: YES or NO."

const verdictUser = `Compare the two images. The second is an AI-edited version of the first.
Answer YES only if the edit kept every tooth in its original position and did not
move or reshape the gingival (gum) margin. Whitening and surface texture changes
are acceptable. Any shifted tooth, closed gap, or altered gum line means NO.
Answer with one word: YES or NO.`

// Result reports the acceptance decision and why it was made.
type Result struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
}

// Validator asks a vision model whether an edited image stayed within the
// allowed cosmetic envelope.
type Validator struct {
	client  llm.Client
	model   string
	timeout time.Duration
}

// NewValidator wires the validator to a vision-capable client. A zero
// timeout falls back to the package default.
func NewValidator(client llm.Client, model string, timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Validator{client: client, model: model, timeout: timeout}
}

// Check runs the yes/no verdict call. Every failure path returns
// Accepted=false; the error is informational, never a pass.
func (v *Validator) Check(ctx context.Context, original, edited llm.Image) Result {
	if v.client == nil {
		return Result{Accepted: false, Reason: "no verdict client configured"}
	}

	res, err := v.client.Invoke(ctx, llm.Request{
		Model:     v.model,
		System:    verdictSystem,
		User:      verdictUser,
		Images:    []llm.Image{original, edited},
		MaxTokens: verdictMaxTokens,
		Timeout:   v.timeout,
	})
	if err != nil {
		telemetry.Error("imagecheck.verdict_error", map[string]any{
			"provider": v.client.Name(),
			"error":    err.Error(),
		})
		return Result{Accepted: false, Reason: "verdict call failed: " + err.Error()}
	}

	verdict := strings.ToUpper(strings.Trim(strings.TrimSpace(res.Text), ".!\"'"))
	switch verdict {
	case "YES":
		return Result{Accepted: true, Reason: "edit stayed within cosmetic bounds"}
	case "NO":
		return Result{Accepted: false, Reason: "model reported anatomical changes"}
	default:
		telemetry.Info("imagecheck.unparseable_verdict", map[string]any{
			"provider": v.client.Name(),
			"verdict":  res.Text,
		})
		return Result{Accepted: false, Reason: "unparseable verdict"}
	}
}
