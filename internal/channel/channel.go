// Package channel provides the delivery adapter abstraction for external
// communication platforms.
//
// Each adapter wraps one provider behind a uniform capability set: sending
// messages, fetching recent messages, verifying webhook signatures, and
// normalizing webhook payloads. Adapters classify every transport failure
// into the shared error taxonomy before returning it.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/convomux/convomux/internal/models"
)

// Adapter is the per-channel transport capability set.
type Adapter interface {
	// Type returns the channel identifier (e.g. "twilio", "webchat").
	Type() string

	// SendMessage delivers content to a recipient, optionally with media
	// URLs. Transport failures are returned classified: network errors,
	// rate limiting, and 5xx as transient; other 4xx as permanent.
	SendMessage(ctx context.Context, recipient, content string, media []string) (*models.DeliveryReceipt, error)

	// FetchMessages retrieves messages received since the given time,
	// normalized into the common inbound shape.
	FetchMessages(ctx context.Context, since time.Time) ([]models.InboundMessage, error)

	// VerifyWebhook recomputes an HMAC over the raw payload using the
	// channel's shared secret and compares it to the supplied signature.
	// A mismatch is rejected unconditionally.
	VerifyWebhook(signature string, payload []byte) error

	// ParseWebhookPayload maps the channel-specific payload shape into the
	// normalized inbound message. Callers must verify the payload first.
	ParseWebhookPayload(payload []byte) (*models.InboundMessage, error)
}

// Registry holds the configured adapters keyed by channel type.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its channel type, replacing any previous one.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

// Get returns the adapter for the given channel type, or a not-found error.
func (r *Registry) Get(channelType string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[channelType]
	if !ok {
		return nil, models.NotFoundf("no adapter registered for channel %q", channelType)
	}
	return a, nil
}

// Types returns the registered channel types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	return types
}

// verifySignature is the shared HMAC comparison used by adapters.
// It lives here so every adapter rejects tampered payloads identically.
func verifySignature(secret []byte, signature string, payload []byte) error {
	if len(secret) == 0 {
		return models.Permanentf("webhook secret not configured")
	}
	if signature == "" {
		return models.Permanentf("missing webhook signature")
	}
	expected := ComputeSignature(secret, payload)
	if !hmacEqual(expected, signature) {
		return models.Permanentf("webhook signature mismatch")
	}
	return nil
}

func errUnsupported(channelType, capability string) error {
	return models.Permanent(fmt.Errorf("channel %s does not support %s", channelType, capability))
}
