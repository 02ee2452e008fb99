package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Telegram sends alerts via the Telegram Bot API.
type Telegram struct {
	botToken string
	chatID   string
	client   *resty.Client
}

// NewTelegram creates a Telegram notifier for one chat.
func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		client:   resty.New().SetTimeout(10 * time.Second),
	}
}

func (t *Telegram) Send(ctx context.Context, alert Alert) error {
	prefix := ""
	switch alert.Level {
	case LevelWarning:
		prefix = "[warn] "
	case LevelCritical:
		prefix = "[critical] "
	}

	text := fmt.Sprintf("%s*%s*\n\n%s",
		prefix, escapeMarkdown(alert.Title), escapeMarkdown(alert.Message))
	if alert.Strategy != "" {
		text += "\n\n`" + escapeMarkdown(alert.Strategy) + "`"
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "MarkdownV2",
		}).
		Post(url)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode())
	}
	return nil
}

// escapeMarkdown escapes MarkdownV2 reserved characters.
func escapeMarkdown(s string) string {
	r := strings.NewReplacer(
		"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]", "(", "\\(", ")", "\\)",
		"~", "\\~", "`", "\\`", ">", "\\>", "#", "\\#", "+", "\\+", "-", "\\-",
		"=", "\\=", "|", "\\|", "{", "\\{", "}", "\\}", ".", "\\.", "!", "\\!",
	)
	return r.Replace(s)
}
