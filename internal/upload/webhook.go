package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/config"
)

const webhookSecretHeader = "X-Webhook-Secret"

// Webhook notifies an external service that a recording's artifacts
// landed in object storage. Delivery is best-effort: callers log the
// returned error and move on.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	log    *slog.Logger
}

// NewWebhook returns nil when no URL is configured; a nil Webhook
// silently skips Notify.
func NewWebhook(cfg config.WebhookConfig, log *slog.Logger) *Webhook {
	if cfg.URL == "" {
		return nil
	}
	return &Webhook{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		log:    log.With("component", "webhook"),
	}
}

func (w *Webhook) Notify(ctx context.Context, doc Metadata) error {
	if w == nil {
		return nil
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(webhookSecretHeader, w.secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("webhook rejected: unauthorized, check shared secret")
	case resp.StatusCode >= 300:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	w.log.Info("webhook delivered", "recording_id", doc.RecordingID)
	return nil
}
