// Package notify delivers composed digest messages to the configured outbound
// webhooks. A channel is a plain HTTP endpoint that accepts a JSON body of the
// form {"text": "..."}; any non-2xx response counts as a delivery failure for
// that channel only.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// webhookDeliveries counts delivery attempts by channel and outcome.
	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminder_webhook_deliveries_total",
			Help: "Total webhook delivery attempts by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(webhookDeliveries)
}

// Channel posts digest text to one webhook endpoint.
type Channel interface {
	// Send delivers text. An empty text or an unconfigured endpoint is a
	// no-op returning (false, nil); the bool reports whether the endpoint
	// accepted a delivery.
	Send(ctx context.Context, text string) (bool, error)

	// Configured reports whether the channel has an endpoint to deliver to.
	Configured() bool
}

// WebhookChannel is the HTTP implementation of Channel.
type WebhookChannel struct {
	// Name labels the channel in logs and metrics ("operational",
	// "escalation").
	Name string
	// URL is the webhook endpoint; empty disables the channel.
	URL string

	client *http.Client
}

// NewWebhookChannel builds a channel with a bounded request timeout.
func NewWebhookChannel(name, url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		Name:   name,
		URL:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Configured reports whether the channel has an endpoint.
func (w *WebhookChannel) Configured() bool { return w.URL != "" }

// payload is the wire shape accepted by the webhook endpoints.
type payload struct {
	Text string `json:"text"`
}

// Send posts {"text": text} to the endpoint. It returns (true, nil) when the
// endpoint answered 2xx, (false, nil) when there was nothing to send or no
// endpoint is configured, and (false, err) on network errors or non-2xx.
func (w *WebhookChannel) Send(ctx context.Context, text string) (bool, error) {
	if text == "" || w.URL == "" {
		return false, nil
	}

	body, err := json.Marshal(payload{Text: text})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		webhookDeliveries.WithLabelValues(w.Name, "error").Inc()
		return false, fmt.Errorf("webhook %s: %w", w.Name, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		webhookDeliveries.WithLabelValues(w.Name, "rejected").Inc()
		return false, fmt.Errorf("webhook %s: unexpected status %d", w.Name, resp.StatusCode)
	}
	webhookDeliveries.WithLabelValues(w.Name, "ok").Inc()
	return true, nil
}
