package openai

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
	apiURL         = "https://api.openai.com/v1/chat/completions"
	providerName   = "openai"
	defaultTimeout = 60 * time.Second
)

// Client implements llm.Client using OpenAI Chat Completions with vision
// inputs and function calling.
type Client struct {
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a new OpenAI client.
func NewClient(apiKey string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	return &Client{
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}, nil
}

// Name identifies the provider in attempt records and logs.
func (c *Client) Name() string { return providerName }

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type toolSpec struct {
	Type     string       `json:"type"`
	Function functionSpec `json:"function"`
}

type functionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Tools       []toolSpec    `json:"tools,omitempty"`
	ToolChoice  any           `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Invoke performs one chat-completions call. The request timeout is enforced
// here so one slow call cannot eat the whole case budget.
func (c *Client) Invoke(ctx context.Context, req llm.Request) (llm.Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := chatRequest{
		Model:     req.Model,
		Messages:  buildMessages(req),
		MaxTokens: req.MaxTokens,
	}
	temp := req.Temperature
	body.Temperature = &temp
	if req.Tool != nil {
		body.Tools = []toolSpec{{
			Type: "function",
			Function: functionSpec{
				Name:        req.Tool.Name,
				Description: req.Tool.Description,
				Parameters:  req.Tool.Parameters,
			},
		}}
		body.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]string{"name": req.Tool.Name},
		}
	}

	parsed, err := c.post(ctx, body)
	if err != nil {
		return llm.Result{}, err
	}

	if len(parsed.Choices) == 0 {
		return llm.Result{}, &llm.MalformedOutputError{Provider: providerName, Reason: "response missing choices"}
	}
	choice := parsed.Choices[0]
	result := llm.Result{
		Text:         strings.TrimSpace(choice.Message.Content),
		FinishReason: choice.FinishReason,
		Usage:        toUsage(parsed.Usage),
	}
	if len(choice.Message.ToolCalls) > 0 {
		call := choice.Message.ToolCalls[0].Function
		args := strings.TrimSpace(call.Arguments)
		if args == "" || !json.Valid([]byte(args)) {
			return llm.Result{}, &llm.MalformedOutputError{Provider: providerName, Reason: "tool call arguments truncated or unparsable"}
		}
		result.ToolCall = &llm.ToolCall{Name: call.Name, Arguments: json.RawMessage(args)}
	}
	if result.Text == "" && result.ToolCall == nil {
		return llm.Result{}, &llm.MalformedOutputError{Provider: providerName, Reason: "empty content"}
	}
	logUsage(req.Model, result.Usage)
	return result, nil
}

func (c *Client) post(ctx context.Context, body chatRequest) (*chatResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
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

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &llm.MalformedOutputError{Provider: providerName, Reason: fmt.Sprintf("response parse: %v", err)}
	}
	if parsed.Error != nil {
		return nil, &llm.MalformedOutputError{Provider: providerName, Reason: fmt.Sprintf("%s (%s)", parsed.Error.Message, parsed.Error.Type)}
	}
	return &parsed, nil
}

func buildMessages(req llm.Request) []chatMessage {
	messages := make([]chatMessage, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	if len(req.Images) == 0 {
		messages = append(messages, chatMessage{Role: "user", Content: req.User})
		return messages
	}
	parts := make([]contentPart, 0, len(req.Images)+1)
	parts = append(parts, contentPart{Type: "text", Text: req.User})
	for _, img := range req.Images {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: dataURI(img)},
		})
	}
	messages = append(messages, chatMessage{Role: "user", Content: parts})
	return messages
}

func dataURI(img llm.Image) string {
	mediaType := img.MediaType
	if mediaType == "" {
		mediaType = "image/jpeg"
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

func classifyStatus(status int, body []byte) error {
	var parsed chatResponse
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

func toUsage(raw *struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}) llm.Usage {
	if raw == nil {
		return llm.Usage{}
	}
	return llm.Usage{
		PromptTokens:     raw.PromptTokens,
		CompletionTokens: raw.CompletionTokens,
		TotalTokens:      raw.TotalTokens,
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

var _ llm.Client = (*Client)(nil)
