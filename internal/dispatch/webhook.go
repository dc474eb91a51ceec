package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	v1 "github.com/aevon-lab/funnel-tracker/internal/api/v1"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	webhookSinkName = "webhook"

	// maxErrorBody bounds how much of a failed response is logged.
	maxErrorBody = 4 << 10
)

// WebhookSink posts events as JSON to the endpoint configured for their name.
type WebhookSink struct {
	urls   map[v1.EventName]string
	client *http.Client
}

var _ Sink = (*WebhookSink)(nil)

// NewWebhookSink builds a sink over urls. A nil client gets an otelhttp-instrumented
// client with the given timeout.
func NewWebhookSink(urls map[v1.EventName]string, timeout time.Duration, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	copied := make(map[v1.EventName]string, len(urls))
	for name, u := range urls {
		if u != "" {
			copied[name] = u
		}
	}
	return &WebhookSink{urls: copied, client: client}
}

func (w *WebhookSink) Name() string { return webhookSinkName }

// Send is sendToWebhook: any 2xx is success, everything else is logged and returned as failure.
func (w *WebhookSink) Send(ctx context.Context, evt *v1.TrackedEvent) Result {
	url, ok := w.urls[evt.EventName]
	if !ok {
		slog.Warn("[Webhook] No URL configured for event", "event_name", evt.EventName, "event_id", evt.EventID)
		return failure(webhookSinkName, fmt.Sprintf("no webhook URL configured for event: %s", evt.EventName))
	}

	body, err := json.Marshal(evt)
	if err != nil {
		slog.Error("[Webhook] Failed to marshal event", "event_id", evt.EventID, "error", err)
		return failure(webhookSinkName, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Error("[Webhook] Failed to build request", "event_id", evt.EventID, "error", err)
		return failure(webhookSinkName, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		slog.Error("[Webhook] Request failed",
			"event_name", evt.EventName,
			"event_id", evt.EventID,
			"error", err)
		return failure(webhookSinkName, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		slog.Error("[Webhook] Non-success response",
			"event_name", evt.EventName,
			"event_id", evt.EventID,
			"status", resp.StatusCode,
			"body", string(errBody))
		return Result{
			Sink:       webhookSinkName,
			Error:      fmt.Sprintf("webhook failed with status %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return Result{Sink: webhookSinkName, Success: true, StatusCode: resp.StatusCode}
}

// WebhookURLs maps configured webhook URLs onto event names. Keys match event names
// case-insensitively since environment overrides arrive lowercased. Two keys naming
// the same event are rejected.
func WebhookURLs(raw map[string]string) (map[v1.EventName]string, error) {
	out := make(map[v1.EventName]string, len(raw))
	for key, u := range raw {
		name, ok := lookupEventName(key)
		if !ok {
			return nil, fmt.Errorf("unknown event name %q in webhook config", key)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("webhook for %s configured more than once", name)
		}
		out[name] = u
	}
	return out, nil
}

func lookupEventName(key string) (v1.EventName, bool) {
	for _, name := range v1.EventNames {
		if strings.EqualFold(string(name), key) {
			return name, true
		}
	}
	return "", false
}
