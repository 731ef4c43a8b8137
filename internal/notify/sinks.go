package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fleetops/control-plane/pkg/logging"
)

// WebhookSink POSTs a JSON payload to a fixed URL, signing the body with
// HMAC-SHA256 in an X-Signature header — supplementing the original
// source's bare stub sinks with the signature scheme implied elsewhere in
// its auth layer (spec.md §4.9 supplement).
type WebhookSink struct {
	URL    string
	Secret string
	Client *http.Client
}

// NewWebhookSink creates a WebhookSink with a sane default client timeout.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{URL: url, Secret: secret, Client: &http.Client{Timeout: 10 * time.Second}}
}

type webhookPayload struct {
	AlertID   string    `json:"alert_id"`
	Name      string    `json:"name"`
	Severity  string    `json:"severity"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	FiredAt   time.Time `json:"fired_at"`
}

func (w *WebhookSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(webhookPayload{
		AlertID: n.Alert.ID, Name: n.Alert.Name, Severity: string(n.Alert.Severity),
		Value: n.Alert.Value, Threshold: n.Alert.Threshold, FiredAt: n.Alert.FirstDetectedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Secret != "" {
		req.Header.Set("X-Signature", signBody(w.Secret, body))
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return ErrSinkUnavailable("webhook", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return ErrSinkUnavailable("webhook", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SlackSink posts an alert as a Slack incoming-webhook message over its own
// http.Client, configured with the same 10s timeout as WebhookSink's.
type SlackSink struct {
	WebhookURL string
	Client     *http.Client
}

// NewSlackSink creates a SlackSink with a sane default client timeout.
func NewSlackSink(webhookURL string) *SlackSink {
	return &SlackSink{WebhookURL: webhookURL, Client: &http.Client{Timeout: 10 * time.Second}}
}

type slackMessage struct {
	Text string `json:"text"`
}

func (s *SlackSink) Send(ctx context.Context, n Notification) error {
	text := fmt.Sprintf("[%s] %s: %s (value=%.2f threshold=%.2f)",
		n.Alert.Severity, n.Alert.Name, n.Alert.Description, n.Alert.Value, n.Alert.Threshold)
	body, err := json.Marshal(slackMessage{Text: text})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return ErrSinkUnavailable("slack", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return ErrSinkUnavailable("slack", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}

// EmailSink logs the SMTP envelope it would send rather than dialing a real
// mail server, since no SMTP/mail library is a dependency anywhere in the
// reference corpus (justified in DESIGN.md).
type EmailSink struct {
	From string
	To   []string
	log  *logging.Logger
}

// NewEmailSink creates an EmailSink logging envelopes via log.
func NewEmailSink(from string, to []string, log *logging.Logger) *EmailSink {
	return &EmailSink{From: from, To: to, log: log}
}

func (e *EmailSink) Send(ctx context.Context, n Notification) error {
	e.log.WithFields(map[string]interface{}{
		"from": e.From, "to": e.To, "alert_id": n.Alert.ID,
		"subject": fmt.Sprintf("[%s] %s", n.Alert.Severity, n.Alert.Name),
	}).Info("email sink: would send alert notification")
	return nil
}
