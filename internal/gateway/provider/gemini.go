package provider

import (
	"context"
	"fmt"
	"strings"

	"council/internal/config"

	"google.golang.org/genai"
)

// GeminiBackend 通过 Gemini API 调用。
type GeminiBackend struct {
	name   string
	opts   Options
	client *genai.Client
}

func NewGemini(name string, cfg config.BackendConfig) (*GeminiBackend, error) {
	key := cfg.ResolvedAPIKey()
	if key == "" {
		return nil, fmt.Errorf("backend %s: api_key is required", name)
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("backend %s: create gemini client: %w", name, err)
	}
	return &GeminiBackend{name: name, opts: optionsFrom(cfg), client: client}, nil
}

func (b *GeminiBackend) Name() string { return b.name }

func (b *GeminiBackend) Call(ctx context.Context, req Request) (string, error) {
	model := pickModel(req, b.opts.Model)
	if model == "" {
		return "", fmt.Errorf("backend %s: model is required", b.name)
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		Temperature:       genai.Ptr(float32(b.opts.Temperature)),
	}
	if b.opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(b.opts.MaxTokens)
	}
	if b.opts.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}
	contents := []*genai.Content{genai.NewContentFromText(userMessage(req), genai.RoleUser)}
	resp, err := b.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("%s generate content: %w", b.name, err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", ErrNoResponse
	}
	return text, nil
}
