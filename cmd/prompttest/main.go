package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"smile-backend/internal/cases"
	"smile-backend/internal/llm"
	gemini "smile-backend/internal/llm/gemini"
	openai "smile-backend/internal/llm/openai"
	"smile-backend/internal/shared/config"
)

func main() {
	cfg := config.Load()

	imagePath := flag.String("image", "", "Path to smile photo (jpg, png or webp)")
	promptName := flag.String("prompt", llm.PromptCaseAnalysis, "Prompt to run")
	provider := flag.String("provider", "openai", "Inference provider")
	model := flag.String("model", "", "Model override")
	outPath := flag.String("out", "", "Path to write raw JSON output (optional)")
	flag.Parse()

	if strings.TrimSpace(*imagePath) == "" {
		exitErr("image path is required")
	}

	mediaType, err := mediaTypeFromExt(*imagePath)
	if err != nil {
		exitErr(err.Error())
	}

	imageBytes, err := os.ReadFile(*imagePath)
	if err != nil {
		exitErr(fmt.Sprintf("read image: %v", err))
	}

	client, resolvedModel, err := buildClient(cfg, *provider, *model)
	if err != nil {
		exitErr(err.Error())
	}

	registry := llm.NewPromptRegistry(cases.DefaultPrompts()...)
	prompt, err := registry.Get(*promptName)
	if err != nil {
		exitErr(err.Error())
	}

	req := llm.Request{
		Model:  resolvedModel,
		System: prompt.System,
		User:   prompt.User,
		Images: []llm.Image{{Data: imageBytes, MediaType: mediaType}},
	}
	if *promptName == llm.PromptCaseAnalysis {
		req.Tool = cases.AnalysisToolDef()
	}

	result, err := client.Invoke(context.Background(), req)
	if err != nil {
		exitErr(fmt.Sprintf("invoke: %v", err))
	}

	var raw json.RawMessage
	if *promptName == llm.PromptCaseAnalysis {
		_, raw, err = cases.ParseAnalysisResult(client.Name(), result)
		if err != nil {
			exitErr(fmt.Sprintf("parse analysis: %v", err))
		}
	} else {
		raw = json.RawMessage(result.Text)
		if !json.Valid(raw) {
			raw, _ = json.Marshal(map[string]string{"text": result.Text})
		}
	}

	pretty, err := prettyJSON(raw)
	if err != nil {
		exitErr(fmt.Sprintf("format json: %v", err))
	}

	if *outPath != "" {
		if err := os.WriteFile(*outPath, pretty, 0o644); err != nil {
			exitErr(fmt.Sprintf("write output: %v", err))
		}
	}

	if _, err := os.Stdout.Write(pretty); err != nil {
		exitErr(fmt.Sprintf("write stdout: %v", err))
	}
	if len(pretty) == 0 || pretty[len(pretty)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
}

func buildClient(cfg config.Config, provider, model string) (llm.Client, string, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "openai":
		client, err := openai.NewClient(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, "", err
		}
		if model == "" {
			model = cfg.OpenAIModel
		}
		return client, model, nil
	case "gemini":
		client, err := gemini.NewClient(cfg.GeminiAPIKey)
		if err != nil {
			return nil, "", err
		}
		if model == "" {
			model = cfg.GeminiModel
		}
		return client, model, nil
	default:
		return nil, "", fmt.Errorf("unsupported provider: %s", provider)
	}
}

func mediaTypeFromExt(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg", nil
	case ".png":
		return "image/png", nil
	case ".webp":
		return "image/webp", nil
	default:
		return "", fmt.Errorf("unsupported image file type: %s", filepath.Ext(path))
	}
}

func prettyJSON(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func exitErr(msg string) {
	_, _ = fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
