package imagequeue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookEffector forwards side effects to a chat bridge as JSON POSTs.
// Any non-2xx reply is reported as an error.
type WebhookEffector struct {
	URL        string
	Secret     string        // optional: sent as X-Webhook-Secret
	HTTPClient *http.Client  // default: http.DefaultClient
	Timeout    time.Duration // default: 10s
}

var _ Effector = (*WebhookEffector)(nil)

type webhookPayload struct {
	Action    string `json:"action"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Marker    string `json:"marker,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

func (w *WebhookEffector) ApplyMarker(ctx context.Context, origin Origin, marker MarkerKind) error {
	return w.post(ctx, webhookPayload{
		Action:    ActionMarker.String(),
		ChatID:    origin.ChatID,
		MessageID: origin.MessageID,
		Marker:    marker.String(),
		Emoji:     marker.Emoji(),
	})
}

func (w *WebhookEffector) DeleteMessage(ctx context.Context, origin Origin) error {
	return w.post(ctx, webhookPayload{
		Action:    ActionDelete.String(),
		ChatID:    origin.ChatID,
		MessageID: origin.MessageID,
	})
}

func (w *WebhookEffector) post(ctx context.Context, p webhookPayload) error {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("imagequeue: webhook encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("imagequeue: webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Secret != "" {
		req.Header.Set("X-Webhook-Secret", w.Secret)
	}

	client := w.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req) //nolint:gosec // G107: URL comes from operator configuration
	if err != nil {
		return fmt.Errorf("imagequeue: webhook %s: %w", p.Action, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorSnippetBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("imagequeue: webhook %s: status %d", p.Action, resp.StatusCode)
	}
	return nil
}
