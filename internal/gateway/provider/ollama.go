package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"council/internal/config"

	"github.com/ollama/ollama/api"
)

// OllamaBackend 调用本地或自建的 Ollama 服务。
type OllamaBackend struct {
	name   string
	client *api.Client
	opts   Options
}

func NewOllama(name string, cfg config.BackendConfig) (*OllamaBackend, error) {
	var (
		client *api.Client
		err    error
	)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		u, perr := url.Parse(base)
		if perr != nil {
			return nil, fmt.Errorf("backend %s: invalid base_url: %w", name, perr)
		}
		client = api.NewClient(u, http.DefaultClient)
	} else {
		client, err = api.ClientFromEnvironment()
	}
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", name, err)
	}
	return &OllamaBackend{name: name, client: client, opts: optionsFrom(cfg)}, nil
}

func (b *OllamaBackend) Name() string { return b.name }

func (b *OllamaBackend) Call(ctx context.Context, req Request) (string, error) {
	model := pickModel(req, b.opts.Model)
	if model == "" {
		return "", fmt.Errorf("backend %s: model is required", b.name)
	}
	stream := false
	options := map[string]any{"temperature": b.opts.Temperature}
	if b.opts.MaxTokens > 0 {
		options["num_predict"] = b.opts.MaxTokens
	}
	chat := &api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{Role: "system", Content: req.System},
			{Role: "user", Content: userMessage(req)},
		},
		Stream:  &stream,
		Options: options,
	}
	var sb strings.Builder
	err := b.client.Chat(ctx, chat, func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%s chat: %w", b.name, err)
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", ErrNoResponse
	}
	return sb.String(), nil
}
