// Package channel: generic HTTP webchat adapter.
//
// Webchat is a provider-neutral JSON channel: outbound messages are POSTed
// to a configured endpoint and inbound messages arrive as signed webhooks.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/convomux/convomux/internal/models"
)

// TypeWebchat is the channel type identifier for the webchat adapter.
const TypeWebchat = "webchat"

// DefaultWebchatTimeout bounds a single outbound HTTP call.
const DefaultWebchatTimeout = 15 * time.Second

// WebchatOpts holds configuration options for the webchat adapter.
type WebchatOpts struct {
	Endpoint      string
	WebhookSecret string
	HTTPClient    *http.Client
}

// WebchatOption defines a configuration option for the webchat adapter.
type WebchatOption func(*WebchatOpts)

// WithWebchatEndpoint sets the outbound delivery endpoint.
func WithWebchatEndpoint(endpoint string) WebchatOption {
	return func(o *WebchatOpts) { o.Endpoint = endpoint }
}

// WithWebchatSecret sets the shared secret for webhook verification.
func WithWebchatSecret(secret string) WebchatOption {
	return func(o *WebchatOpts) { o.WebhookSecret = secret }
}

// WithWebchatHTTPClient injects an HTTP client (used in tests).
func WithWebchatHTTPClient(c *http.Client) WebchatOption {
	return func(o *WebchatOpts) { o.HTTPClient = c }
}

// WebchatAdapter delivers messages to a JSON HTTP endpoint.
type WebchatAdapter struct {
	endpoint string
	secret   []byte
	client   *http.Client
}

var _ Adapter = (*WebchatAdapter)(nil)

// NewWebchatAdapter creates a webchat adapter for the given endpoint.
func NewWebchatAdapter(opts ...WebchatOption) (*WebchatAdapter, error) {
	var cfg WebchatOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("webchat endpoint must be provided")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid webchat endpoint: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultWebchatTimeout}
	}
	return &WebchatAdapter{
		endpoint: cfg.Endpoint,
		secret:   []byte(cfg.WebhookSecret),
		client:   client,
	}, nil
}

// Type returns the channel type identifier.
func (a *WebchatAdapter) Type() string { return TypeWebchat }

type webchatSendRequest struct {
	Recipient string   `json:"recipient"`
	Text      string   `json:"text"`
	Media     []string `json:"media,omitempty"`
}

type webchatSendResponse struct {
	MessageID string `json:"message_id"`
}

// SendMessage POSTs the message to the configured endpoint and classifies
// failures by HTTP status: 429 and 5xx transient, other 4xx permanent,
// network errors transient.
func (a *WebchatAdapter) SendMessage(ctx context.Context, recipient, content string, media []string) (*models.DeliveryReceipt, error) {
	body, err := json.Marshal(webchatSendRequest{Recipient: recipient, Text: content, Media: media})
	if err != nil {
		return nil, models.Permanentf("encode webchat request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, models.Permanentf("build webchat request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		slog.Error("WebchatAdapter.SendMessage network failure", "to", recipient, "error", err)
		return nil, models.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("webchat endpoint returned %d: %s", resp.StatusCode, respBody)
		classified := classifyHTTPStatus(resp.StatusCode, err)
		slog.Error("WebchatAdapter.SendMessage failed", "to", recipient, "status", resp.StatusCode, "kind", models.KindOf(classified))
		return nil, classified
	}

	var sendResp webchatSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sendResp); err != nil {
		// Delivery succeeded; a malformed ack body only loses the provider id.
		slog.Warn("WebchatAdapter.SendMessage: undecodable ack body", "to", recipient, "error", err)
	}

	slog.Debug("WebchatAdapter.SendMessage sent", "to", recipient, "messageID", sendResp.MessageID)
	return &models.DeliveryReceipt{
		Channel:           TypeWebchat,
		Recipient:         recipient,
		ProviderMessageID: sendResp.MessageID,
		SentAt:            time.Now().UTC(),
	}, nil
}

// FetchMessages is not supported by webchat; inbound traffic arrives via webhooks only.
func (a *WebchatAdapter) FetchMessages(ctx context.Context, since time.Time) ([]models.InboundMessage, error) {
	return nil, errUnsupported(TypeWebchat, "message fetching")
}

// VerifyWebhook checks the HMAC signature over the raw payload.
func (a *WebchatAdapter) VerifyWebhook(signature string, payload []byte) error {
	return verifySignature(a.secret, signature, payload)
}

// webchatWebhookPayload is the inbound webhook shape for webchat.
type webchatWebhookPayload struct {
	ID          string `json:"id"`
	From        string `json:"from"`
	SentAt      int64  `json:"sent_at"`
	Text        string `json:"text"`
	Attachments []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"attachments,omitempty"`
}

// ParseWebhookPayload maps a webchat webhook body into the normalized shape.
func (a *WebchatAdapter) ParseWebhookPayload(payload []byte) (*models.InboundMessage, error) {
	var p webchatWebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, models.Permanentf("invalid webchat webhook payload: %v", err)
	}
	if p.ID == "" || p.From == "" {
		return nil, models.Permanentf("webchat webhook payload missing id or from")
	}
	in := &models.InboundMessage{
		ID:        p.ID,
		From:      p.From,
		Text:      p.Text,
		Timestamp: time.Unix(p.SentAt, 0).UTC(),
	}
	for _, att := range p.Attachments {
		in.Attachments = append(in.Attachments, models.Attachment{Type: att.Type, URL: att.URL})
	}
	return in, nil
}

// classifyHTTPStatus maps an HTTP response status into the error taxonomy.
func classifyHTTPStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return models.Transient(err)
	case status >= 500:
		return models.Transient(err)
	case status >= 400:
		return models.Permanent(err)
	default:
		return models.Transient(err)
	}
}
