package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-resty/resty/v2"
)

// Deliverer sends a rendered message to a conversation. Channel adapters
// live behind this interface.
type Deliverer interface {
	Deliver(ctx context.Context, conversationRef, text string) error
}

// DelivererFunc adapts a function to a Deliverer.
type DelivererFunc func(ctx context.Context, conversationRef, text string) error

func (f DelivererFunc) Deliver(ctx context.Context, conversationRef, text string) error {
	return f(ctx, conversationRef, text)
}

// LogDeliverer writes messages to a logger. It is the default when no
// channel is configured.
type LogDeliverer struct {
	Logger *slog.Logger
}

func (d LogDeliverer) Deliver(ctx context.Context, conversationRef, text string) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "message delivered", "conversation_ref", conversationRef, "text", text)
	return nil
}

// WebhookDeliverer posts {"conversation_ref", "text"} to a channel adapter.
type WebhookDeliverer struct {
	url    string
	client *resty.Client
}

// NewWebhookDeliverer creates a WebhookDeliverer. client may be nil.
func NewWebhookDeliverer(url string, client *resty.Client) *WebhookDeliverer {
	if client == nil {
		client = resty.New()
	}
	return &WebhookDeliverer{url: url, client: client}
}

func (d *WebhookDeliverer) Deliver(ctx context.Context, conversationRef, text string) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"conversation_ref": conversationRef, "text": text}).
		Post(d.url)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", d.url, err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return fmt.Errorf("deliver to %s: status %d", d.url, resp.StatusCode())
	}
	return nil
}
