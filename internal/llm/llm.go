package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Image is one input image with its declared media type.
type Image struct {
	Data      []byte
	MediaType string
}

// ToolDef describes the structured-output tool a provider should call.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request captures a single inference call. Immutable once constructed.
type Request struct {
	Model       string
	System      string
	User        string
	Images      []Image
	Tool        *ToolDef
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// ToolCall is the structured call a provider returned, if any.
type ToolCall struct {
	Name      string
	Arguments json.RawMessage
}

// Usage holds token counters reported by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Result is a provider response: free text, a structured call, or both.
type Result struct {
	Text         string
	ToolCall     *ToolCall
	FinishReason string
	Usage        Usage
}

// Client abstracts a multimodal inference provider.
type Client interface {
	Name() string
	Invoke(ctx context.Context, req Request) (Result, error)
}

// EditRequest asks a provider to rewrite an input image per a prompt.
type EditRequest struct {
	Model   string
	Prompt  string
	Image   Image
	Timeout time.Duration
}

// EditResult carries the generated image bytes.
type EditResult struct {
	Data      []byte
	MediaType string
	Usage     Usage
}

// ImageEditor is the image-edit capability. Not every provider has one.
type ImageEditor interface {
	Name() string
	EditImage(ctx context.Context, req EditRequest) (EditResult, error)
}

// TransientError is a provider failure that may clear on its own:
// rate limits, quota exhaustion, timeouts, 5xx.
type TransientError struct {
	Provider   string
	HTTPStatus int
	Retryable  bool
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s transient error (status=%d retryable=%v): %v", e.Provider, e.HTTPStatus, e.Retryable, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimited reports whether the failure is a rate-limit or quota condition
// the caller should surface rather than mask behind a slow fallback chain.
func (e *TransientError) RateLimited() bool {
	return e.HTTPStatus == 429 || e.HTTPStatus == 402
}

// MalformedOutputError means the provider answered but the payload is
// unusable: truncated tool call, empty content, or a reported bad generation.
type MalformedOutputError struct {
	Provider string
	Reason   string
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("%s malformed output: %s", e.Provider, e.Reason)
}
