package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"smile-backend/internal/llm"
	"smile-backend/internal/shared/telemetry"
)

const (
	apiBase        = "https://generativelanguage.googleapis.com/v1beta/models"
	providerName   = "gemini"
	defaultTimeout = 60 * time.Second
)

// Client implements llm.Client and llm.ImageEditor against the Gemini
// generateContent API.
type Client struct {
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a new Gemini client.
func NewClient(apiKey string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	return &Client{
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}, nil
}

// Name identifies the provider in attempt records and logs.
func (c *Client) Name() string { return providerName }

type inlineData struct {
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`
}

type part struct {
	Text         string            `json:"text,omitempty"`
	InlineData   *inlineData       `json:"inline_data,omitempty"`
	FunctionCall *functionCallPart `json:"functionCall,omitempty"`
}

type functionCallPart struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type toolBlock struct {
	FunctionDeclarations []functionDeclaration `json:"function_declarations"`
}

type generateRequest struct {
	SystemInstruction *content          `json:"system_instruction,omitempty"`
	Contents          []content         `json:"contents"`
	Tools             []toolBlock       `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	Temperature        *float32 `json:"temperature,omitempty"`
	MaxOutputTokens    int      `json:"maxOutputTokens,omitempty"`
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Invoke performs one generateContent call.
func (c *Client) Invoke(ctx context.Context, req llm.Request) (llm.Result, error) {
	body := generateRequest{
		Contents: []content{buildUserContent(req.User, req.Images)},
	}
	if strings.TrimSpace(req.System) != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}
	if req.Tool != nil {
		body.Tools = []toolBlock{{FunctionDeclarations: []functionDeclaration{{
			Name:        req.Tool.Name,
			Description: req.Tool.Description,
			Parameters:  req.Tool.Parameters,
		}}}}
	}
	temp := req.Temperature
	body.GenerationConfig = &generationConfig{Temperature: &temp, MaxOutputTokens: req.MaxTokens}

	parsed, err := c.post(ctx, req.Model, body, req.Timeout)
	if err != nil {
		return llm.Result{}, err
	}
	if len(parsed.Candidates) == 0 {
		return llm.Result{}, &llm.MalformedOutputError{Provider: providerName, Reason: "response missing candidates"}
	}

	candidate := parsed.Candidates[0]
	result := llm.Result{
		FinishReason: candidate.FinishReason,
		Usage:        toUsage(parsed),
	}
	var texts []string
	for _, p := range candidate.Content.Parts {
		if p.FunctionCall != nil && result.ToolCall == nil {
			args := p.FunctionCall.Args
			if len(args) == 0 || !json.Valid(args) {
				return llm.Result{}, &llm.MalformedOutputError{Provider: providerName, Reason: "function call args truncated or unparsable"}
			}
			result.ToolCall = &llm.ToolCall{Name: p.FunctionCall.Name, Arguments: args}
		}
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	result.Text = strings.TrimSpace(strings.Join(texts, "\n"))
	if result.Text == "" && result.ToolCall == nil {
		return llm.Result{}, &llm.MalformedOutputError{Provider: providerName, Reason: "empty content"}
	}
	logUsage(req.Model, result.Usage)
	return result, nil
}

// EditImage rewrites the input image per the prompt and returns the generated
// image bytes.
func (c *Client) EditImage(ctx context.Context, req llm.EditRequest) (llm.EditResult, error) {
	body := generateRequest{
		Contents:         []content{buildUserContent(req.Prompt, []llm.Image{req.Image})},
		GenerationConfig: &generationConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	}
	parsed, err := c.post(ctx, req.Model, body, req.Timeout)
	if err != nil {
		return llm.EditResult{}, err
	}
	if len(parsed.Candidates) == 0 {
		return llm.EditResult{}, &llm.MalformedOutputError{Provider: providerName, Reason: "response missing candidates"}
	}
	for _, p := range parsed.Candidates[0].Content.Parts {
		if p.InlineData == nil || p.InlineData.Data == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			return llm.EditResult{}, &llm.MalformedOutputError{Provider: providerName, Reason: "generated image not decodable"}
		}
		return llm.EditResult{Data: data, MediaType: p.InlineData.MimeType, Usage: toUsage(parsed)}, nil
	}
	return llm.EditResult{}, &llm.MalformedOutputError{Provider: providerName, Reason: "no image in response"}
}

func (c *Client) post(ctx context.Context, model string, body generateRequest, timeout time.Duration) (*generateResponse, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/%s:generateContent", apiBase, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-goog-api-key", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return nil, &llm.TransientError{Provider: providerName, Retryable: true, Err: fmt.Errorf("request timeout: %w", err)}
		}
		return nil, &llm.TransientError{Provider: providerName, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &llm.TransientError{Provider: providerName, Retryable: true, Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, classifyStatus(resp.StatusCode, raw)
	}

	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &llm.MalformedOutputError{Provider: providerName, Reason: fmt.Sprintf("response parse: %v", err)}
	}
	if parsed.Error != nil {
		return nil, &llm.MalformedOutputError{Provider: providerName, Reason: fmt.Sprintf("%s (%s)", parsed.Error.Message, parsed.Error.Status)}
	}
	return &parsed, nil
}

func buildUserContent(text string, images []llm.Image) content {
	parts := make([]part, 0, len(images)+1)
	parts = append(parts, part{Text: text})
	for _, img := range images {
		mediaType := img.MediaType
		if mediaType == "" {
			mediaType = "image/jpeg"
		}
		parts = append(parts, part{InlineData: &inlineData{
			MimeType: mediaType,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		}})
	}
	return content{Role: "user", Parts: parts}
}

func classifyStatus(status int, body []byte) error {
	var parsed generateResponse
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		msg = parsed.Error.Message
	}
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusPaymentRequired:
		return &llm.TransientError{Provider: providerName, HTTPStatus: status, Retryable: true, Err: errors.New(msg)}
	case status >= 500:
		return &llm.TransientError{Provider: providerName, HTTPStatus: status, Retryable: true, Err: errors.New(msg)}
	default:
		return &llm.TransientError{Provider: providerName, HTTPStatus: status, Retryable: false, Err: errors.New(msg)}
	}
}

func toUsage(parsed *generateResponse) llm.Usage {
	if parsed == nil || parsed.UsageMetadata == nil {
		return llm.Usage{}
	}
	return llm.Usage{
		PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
		CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
	}
}

func logUsage(model string, usage llm.Usage) {
	telemetry.Info("llm.usage", map[string]any{
		"provider":          providerName,
		"model":             model,
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"total_tokens":      usage.TotalTokens,
	})
}

var (
	_ llm.Client      = (*Client)(nil)
	_ llm.ImageEditor = (*Client)(nil)
)
