package execution

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"council/internal/config"
	"council/internal/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram 消息长度上限。
const telegramMessageLimit = 4096

type chatSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram 将需要人工复核的决策推送到指定会话。
type Telegram struct {
	bot    chatSender
	chatID int64
}

func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	client := &http.Client{Timeout: 15 * time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	logger.Infof("Telegram bot 已授权: %s", bot.Self.UserName)
	return &Telegram{bot: bot, chatID: cfg.ChatID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// NotifyReview 发送纯文本提醒，超长时分段，最多重试 3 次。
func (t *Telegram) NotifyReview(ctx context.Context, env Envelope) error {
	runes := []rune(ReviewText(env))
	for start := 0; start < len(runes); start += telegramMessageLimit {
		end := min(start+telegramMessageLimit, len(runes))
		if err := t.send(ctx, string(runes[start:end])); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telegram) send(ctx context.Context, body string) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		msg := tgbotapi.NewMessage(t.chatID, body)
		if _, err := t.bot.Send(msg); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("telegram send failed: %w", lastErr)
}
