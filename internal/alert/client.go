// Package alert posts sync failure notices to a Slack incoming webhook.
package alert

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/cbmmg/painel-centrais/internal/config"
	"github.com/cbmmg/painel-centrais/internal/metrics"
	"github.com/cbmmg/painel-centrais/internal/models"
)

// Notifier is told when syncing starts failing and when it recovers.
type Notifier interface {
	SyncFailed(ctx context.Context, entry models.SyncLogEntry) error
	SyncRecovered(ctx context.Context, entry models.SyncLogEntry, failures int) error
}

// New returns a webhook client, or a no-op notifier when no webhook is set.
func New(cfg config.AlertConfig) Notifier {
	if cfg.WebhookURL == "" {
		return Nop{}
	}
	return NewClient(cfg)
}

type Nop struct{}

func (Nop) SyncFailed(context.Context, models.SyncLogEntry) error { return nil }

func (Nop) SyncRecovered(context.Context, models.SyncLogEntry, int) error { return nil }

type Client struct {
	webhookURL    string
	channel       string
	httpClient    *http.Client
	retryAttempts int
	backoff       time.Duration
}

func NewClient(cfg config.AlertConfig) *Client {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		httpClient: &http.Client{
			Timeout: cfg.Timeout.Duration,
		},
		retryAttempts: attempts,
		backoff:       time.Second,
	}
}

func (c *Client) SyncFailed(ctx context.Context, e models.SyncLogEntry) error {
	text := fmt.Sprintf(":rotating_light: Sincronização %s falhou (%s)", e.SyncType, e.Source)
	return c.send(ctx, text, []slack.AttachmentField{
		{Title: "Fonte", Value: e.SourceKind, Short: true},
		{Title: "Execução", Value: e.RunID, Short: true},
		{Title: "Erro", Value: e.Details},
	}, "danger")
}

func (c *Client) SyncRecovered(ctx context.Context, e models.SyncLogEntry, failures int) error {
	text := fmt.Sprintf(":white_check_mark: Sincronização restabelecida após %d falha(s) (%s)", failures, e.Source)
	return c.send(ctx, text, []slack.AttachmentField{
		{Title: "Tipo", Value: string(e.SyncType), Short: true},
		{Title: "Registros novos", Value: fmt.Sprint(e.RecordsAdded), Short: true},
	}, "good")
}

// SendTest posts a connectivity check message.
func (c *Client) SendTest(ctx context.Context) error {
	return c.send(ctx, ":wrench: Painel Centrais: teste de conexão com o webhook", nil, "good")
}

func (c *Client) send(ctx context.Context, text string, fields []slack.AttachmentField, color string) error {
	msg := &slack.WebhookMessage{
		Channel: c.channel,
		Text:    text,
		Attachments: []slack.Attachment{{
			Color:  color,
			Fields: fields,
		}},
	}

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			select {
			case <-ctx.Done():
				metrics.RecordAlert(false)
				return ctx.Err()
			case <-time.After(time.Duration(attempt*attempt) * c.backoff):
			}
		}

		err := slack.PostWebhookCustomHTTPContext(ctx, c.webhookURL, c.httpClient, msg)
		if err == nil {
			metrics.RecordAlert(true)
			return nil
		}
		lastErr = err

		var sce slack.StatusCodeError
		if errors.As(err, &sce) && !sce.Retryable() {
			break
		}
	}

	metrics.RecordAlert(false)
	return fmt.Errorf("failed after %d attempts: %w", c.retryAttempts, lastErr)
}
