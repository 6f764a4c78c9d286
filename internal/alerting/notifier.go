package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"flare-signals/internal/logging"
	"flare-signals/internal/signal"
	"flare-signals/internal/version"
)

// SignatureHeader carries the HMAC of the raw request body.
const SignatureHeader = "X-Signature"

// DefaultTimeout bounds a single webhook delivery.
const DefaultTimeout = 10 * time.Second

// Delivery is the outcome of one webhook POST.
type Delivery struct {
	Success  bool
	Status   *int
	Err      string
	Duration time.Duration
}

// Notifier delivers a payload to a webhook URL.
type Notifier interface {
	Send(ctx context.Context, url string, payload signal.WebhookPayload) Delivery
}

// WebhookNotifier posts JSON payloads, optionally signed with a shared secret.
type WebhookNotifier struct {
	secret []byte
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier builds a notifier. An empty secret disables signing.
func NewWebhookNotifier(secret string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	return &WebhookNotifier{
		secret: key,
		client: &http.Client{Timeout: timeout},
		logger: logging.Component(logger, "alert_webhook"),
	}
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Send delivers payload. Failures are reported in the Delivery, never as an error.
func (n *WebhookNotifier) Send(ctx context.Context, url string, payload signal.WebhookPayload) Delivery {
	start := time.Now()
	fail := func(status *int, err error) Delivery {
		n.logger.Error().Err(err).Str("url", url).Str("signal_id", payload.SignalID).Msg("webhook delivery failed")
		return Delivery{Status: status, Err: err.Error(), Duration: time.Since(start)}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fail(nil, fmt.Errorf("marshal webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fail(nil, fmt.Errorf("create webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if len(n.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(n.secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fail(nil, fmt.Errorf("send webhook request: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	status := resp.StatusCode
	if status < 200 || status >= 300 {
		return fail(&status, fmt.Errorf("webhook responded with status %d", status))
	}

	elapsed := time.Since(start)
	n.logger.Info().
		Str("signal_id", payload.SignalID).
		Int("status", status).
		Dur("duration", elapsed).
		Msg("webhook delivered")
	return Delivery{Success: true, Status: &status, Duration: elapsed}
}

var _ Notifier = (*WebhookNotifier)(nil)
