package execution

import (
	"context"
	"fmt"
	"time"

	"council/internal/config"
	"council/internal/pkg/text"

	"github.com/go-resty/resty/v2"
)

// Webhook 以 JSON POST 投递决策，cycle_id 作为幂等键。
type Webhook struct {
	client *resty.Client
	url    string
}

func NewWebhook(cfg config.WebhookConfig) *Webhook {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Content-Type", "application/json")
	if len(cfg.Headers) > 0 {
		client.SetHeaders(cfg.Headers)
	}
	return &Webhook{client: client, url: cfg.URL}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Deliver(ctx context.Context, env Envelope) error {
	body, err := env.payload()
	if err != nil {
		return err
	}
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", env.CycleID).
		SetBody(body).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook status=%d: %s", resp.StatusCode(), text.Truncate(resp.String(), 200))
	}
	return nil
}
