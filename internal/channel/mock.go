package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/convomux/convomux/internal/models"
)

// MockAdapter is an in-memory adapter used in tests. It records sent
// messages and can be programmed to fail a number of times before
// succeeding.
type MockAdapter struct {
	ChannelType string
	Secret      string

	mu           sync.Mutex
	SentMessages []MockSentMessage
	FailTimes    int
	FailWith     error
	Inbound      []models.InboundMessage
}

// MockSentMessage captures a single SendMessage call.
type MockSentMessage struct {
	Recipient string
	Content   string
	Media     []string
}

var _ Adapter = (*MockAdapter)(nil)

// NewMockAdapter creates a mock adapter with the given channel type.
func NewMockAdapter(channelType string) *MockAdapter {
	if channelType == "" {
		channelType = "mock"
	}
	return &MockAdapter{ChannelType: channelType, Secret: "mock-secret"}
}

// Type returns the configured channel type.
func (m *MockAdapter) Type() string { return m.ChannelType }

// SendMessage records the call, failing while FailTimes is positive.
func (m *MockAdapter) SendMessage(ctx context.Context, recipient, content string, media []string) (*models.DeliveryReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = append(m.SentMessages, MockSentMessage{Recipient: recipient, Content: content, Media: media})
	if m.FailTimes > 0 {
		m.FailTimes--
		if m.FailWith != nil {
			return nil, m.FailWith
		}
		return nil, models.Transientf("mock transport failure")
	}
	return &models.DeliveryReceipt{
		Channel:           m.ChannelType,
		Recipient:         recipient,
		ProviderMessageID: "mock-msg",
		SentAt:            time.Now().UTC(),
	}, nil
}

// SentCount returns how many SendMessage calls were recorded.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SentMessages)
}

// FetchMessages returns the programmed inbound messages.
func (m *MockAdapter) FetchMessages(ctx context.Context, since time.Time) ([]models.InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.InboundMessage(nil), m.Inbound...), nil
}

// VerifyWebhook checks the HMAC signature against the mock secret.
func (m *MockAdapter) VerifyWebhook(signature string, payload []byte) error {
	return verifySignature([]byte(m.Secret), signature, payload)
}

// ParseWebhookPayload decodes the normalized shape directly.
func (m *MockAdapter) ParseWebhookPayload(payload []byte) (*models.InboundMessage, error) {
	var in models.InboundMessage
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, models.Permanentf("invalid mock webhook payload: %v", err)
	}
	if in.ID == "" {
		return nil, models.Permanentf("mock webhook payload missing id")
	}
	return &in, nil
}
