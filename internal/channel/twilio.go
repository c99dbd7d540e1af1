// Package channel: Twilio adapter for SMS/WhatsApp delivery.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/convomux/convomux/internal/models"
)

// TypeTwilio is the channel type identifier for the Twilio adapter.
const TypeTwilio = "twilio"

// twilioMessageAPI is the minimal Twilio REST surface the adapter uses.
// It allows tests to run against a mock instead of the live API.
type twilioMessageAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
	ListMessage(params *twilioApi.ListMessageParams) ([]twilioApi.ApiV2010Message, error)
}

// TwilioOpts holds configuration options for the Twilio adapter.
type TwilioOpts struct {
	AccountSID    string
	AuthToken     string
	From          string
	WebhookSecret string
	API           twilioMessageAPI
}

// TwilioOption defines a configuration option for the Twilio adapter.
type TwilioOption func(*TwilioOpts)

// WithTwilioAccountSID sets the Twilio account SID.
func WithTwilioAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithTwilioAuthToken sets the Twilio auth token.
func WithTwilioAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithTwilioFrom sets the sender number.
func WithTwilioFrom(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

// WithTwilioWebhookSecret sets the shared secret for webhook verification.
func WithTwilioWebhookSecret(secret string) TwilioOption {
	return func(o *TwilioOpts) { o.WebhookSecret = secret }
}

// WithTwilioAPI injects a message API implementation (used in tests).
func WithTwilioAPI(api twilioMessageAPI) TwilioOption {
	return func(o *TwilioOpts) { o.API = api }
}

// TwilioAdapter delivers messages through the Twilio REST API.
type TwilioAdapter struct {
	api    twilioMessageAPI
	from   string
	secret []byte
}

var _ Adapter = (*TwilioAdapter)(nil)

// NewTwilioAdapter creates a Twilio adapter. Credentials fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER, and
// TWILIO_WEBHOOK_SECRET environment variables when not set via options.
func NewTwilioAdapter(opts ...TwilioOption) (*TwilioAdapter, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = os.Getenv("TWILIO_WEBHOOK_SECRET")
	}
	slog.Debug("TwilioAdapter config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")

	if cfg.From == "" {
		return nil, fmt.Errorf("twilio from number must be provided")
	}

	api := cfg.API
	if api == nil {
		if cfg.AccountSID == "" || cfg.AuthToken == "" {
			return nil, fmt.Errorf("twilio account SID and auth token must be provided")
		}
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		api = rest.Api
	}

	return &TwilioAdapter{
		api:    api,
		from:   cfg.From,
		secret: []byte(cfg.WebhookSecret),
	}, nil
}

// Type returns the channel type identifier.
func (a *TwilioAdapter) Type() string { return TypeTwilio }

// SendMessage sends a message via the Twilio API and classifies failures.
func (a *TwilioAdapter) SendMessage(ctx context.Context, recipient, content string, media []string) (*models.DeliveryReceipt, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(recipient)
	params.SetFrom(a.from)
	params.SetBody(content)
	if len(media) > 0 {
		params.SetMediaUrl(media)
	}

	msg, err := a.api.CreateMessage(params)
	if err != nil {
		classified := classifyTwilioError(err)
		slog.Error("TwilioAdapter.SendMessage failed", "to", recipient, "kind", models.KindOf(classified), "error", err)
		return nil, classified
	}

	receipt := &models.DeliveryReceipt{
		Channel:   TypeTwilio,
		Recipient: recipient,
		SentAt:    time.Now().UTC(),
	}
	if msg.Sid != nil {
		receipt.ProviderMessageID = *msg.Sid
	}
	slog.Debug("TwilioAdapter.SendMessage sent", "to", recipient, "sid", receipt.ProviderMessageID)
	return receipt, nil
}

// FetchMessages retrieves inbound messages sent to our number since the given time.
func (a *TwilioAdapter) FetchMessages(ctx context.Context, since time.Time) ([]models.InboundMessage, error) {
	params := &twilioApi.ListMessageParams{}
	params.SetTo(a.from)
	params.SetDateSentAfter(since)

	raw, err := a.api.ListMessage(params)
	if err != nil {
		return nil, classifyTwilioError(err)
	}

	msgs := make([]models.InboundMessage, 0, len(raw))
	for _, m := range raw {
		var in models.InboundMessage
		if m.Sid != nil {
			in.ID = *m.Sid
		}
		if m.From != nil {
			in.From = *m.From
		}
		if m.Body != nil {
			in.Text = *m.Body
		}
		if m.DateSent != nil {
			if ts, err := time.Parse(time.RFC1123Z, *m.DateSent); err == nil {
				in.Timestamp = ts
			}
		}
		msgs = append(msgs, in)
	}
	slog.Debug("TwilioAdapter.FetchMessages succeeded", "count", len(msgs), "since", since)
	return msgs, nil
}

// VerifyWebhook checks the HMAC signature over the raw payload.
func (a *TwilioAdapter) VerifyWebhook(signature string, payload []byte) error {
	return verifySignature(a.secret, signature, payload)
}

// twilioWebhookPayload is the channel-specific inbound webhook shape.
type twilioWebhookPayload struct {
	MessageSid string `json:"message_sid"`
	From       string `json:"from"`
	Body       string `json:"body"`
	Timestamp  int64  `json:"timestamp"`
	Media      []struct {
		ContentType string `json:"content_type"`
		URL         string `json:"url"`
	} `json:"media,omitempty"`
}

// ParseWebhookPayload maps a Twilio webhook body into the normalized shape.
func (a *TwilioAdapter) ParseWebhookPayload(payload []byte) (*models.InboundMessage, error) {
	var p twilioWebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, models.Permanentf("invalid twilio webhook payload: %v", err)
	}
	if p.MessageSid == "" || p.From == "" {
		return nil, models.Permanentf("twilio webhook payload missing message_sid or from")
	}
	in := &models.InboundMessage{
		ID:        p.MessageSid,
		From:      p.From,
		Text:      p.Body,
		Timestamp: time.Unix(p.Timestamp, 0).UTC(),
	}
	for _, m := range p.Media {
		in.Attachments = append(in.Attachments, models.Attachment{Type: m.ContentType, URL: m.URL})
	}
	return in, nil
}

// classifyTwilioError maps a raw Twilio failure into the error taxonomy.
// Rate limiting and server errors are transient; other 4xx are permanent;
// anything without an HTTP status (network failure) is transient.
func classifyTwilioError(err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		switch {
		case restErr.Status == http.StatusTooManyRequests:
			return models.Transient(err)
		case restErr.Status >= 500:
			return models.Transient(err)
		case restErr.Status >= 400:
			return models.Permanent(err)
		}
	}
	return models.Transient(err)
}
