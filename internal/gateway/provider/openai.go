package provider

import (
	"context"
	"fmt"
	"strings"

	"council/internal/config"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// OpenAIBackend 兼容 OpenAI / Groq / SambaNova / Cerebras 等 chat completions 接口。
type OpenAIBackend struct {
	name   string
	client *openai.Client
	opts   Options
}

// Options 为模型类后端的公共生成参数。
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

func optionsFrom(cfg config.BackendConfig) Options {
	return Options{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		JSONMode:    cfg.JSONMode,
	}
}

func NewOpenAI(name string, cfg config.BackendConfig) (*OpenAIBackend, error) {
	key := cfg.ResolvedAPIKey()
	if key == "" {
		return nil, fmt.Errorf("backend %s: api_key is required", name)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(key)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimSuffix(strings.TrimRight(base, "/"), "/chat/completions")))
	}
	for k, v := range cfg.Headers {
		reqOpts = append(reqOpts, option.WithHeader(k, v))
	}
	client := openai.NewClient(reqOpts...)
	return &OpenAIBackend{name: name, client: &client, opts: optionsFrom(cfg)}, nil
}

func (b *OpenAIBackend) Name() string { return b.name }

func (b *OpenAIBackend) Call(ctx context.Context, req Request) (string, error) {
	model := pickModel(req, b.opts.Model)
	if model == "" {
		return "", fmt.Errorf("backend %s: model is required", b.name)
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(userMessage(req)),
		},
		Temperature: openai.Float(b.opts.Temperature),
	}
	if b.opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(b.opts.MaxTokens))
	}
	if b.opts.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%s chat completion: %w", b.name, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrNoResponse
	}
	return resp.Choices[0].Message.Content, nil
}
