package alerts

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-telegram/bot"

	"github.com/fractal-platform/macrobrain/internal/config"
)

// TelegramChannel pushes alerts to a Telegram chat.
type TelegramChannel struct {
	bot    *bot.Bot
	chatID string
}

// NewTelegramChannel builds the channel, or (nil, nil) when no bot token is
// configured so callers can skip wiring it.
func NewTelegramChannel(cfg config.TelegramConfig) (*TelegramChannel, error) {
	if cfg.BotToken == "" {
		return nil, nil
	}
	b, err := bot.New(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram channel: %w", err)
	}
	return &TelegramChannel{bot: b, chatID: cfg.ChatID}, nil
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Send(ctx context.Context, evt Event) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s\n%s", evt.Severity, evt.Source, evt.Message)
	keys := make([]string, 0, len(evt.Fields))
	for k := range evt.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n%s: %s", k, evt.Fields[k])
	}
	_, err := c.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: c.chatID,
		Text:   sb.String(),
	})
	return err
}
