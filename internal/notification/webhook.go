package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Webhook POSTs alerts as JSON to a generic HTTP endpoint.
type Webhook struct {
	url    string
	client *resty.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: resty.New().SetTimeout(10 * time.Second),
	}
}

func (w *Webhook) Send(ctx context.Context, alert Alert) error {
	payload := map[string]any{
		"level":    string(alert.Level),
		"title":    alert.Title,
		"message":  alert.Message,
		"strategy": alert.Strategy,
		"session":  alert.Session,
		"ts":       time.Now().UTC().Format(time.RFC3339Nano),
	}

	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode())
	}
	return nil
}
