// Package events provides realtime event fan-out to connected clients.
//
// Delivery is best effort: a subscriber with a full buffer loses the event
// rather than blocking the producer.
package events

import (
	"log/slog"
	"sync"

	"github.com/convomux/convomux/internal/models"
)

// subscriberBuffer is the per-subscriber event buffer size.
const subscriberBuffer = 16

// Forwarder relays events to other instances. Implemented by RedisBridge.
type Forwarder interface {
	ForwardUser(userID string, ev models.Event)
	ForwardConversation(conversationID string, ev models.Event)
}

// Subscription is one client's event stream.
type Subscription struct {
	b      *Broadcaster
	userID string
	ch     chan models.Event

	mu            sync.Mutex
	conversations map[string]struct{}
	closed        bool
}

// C returns the event channel for this subscription.
func (s *Subscription) C() <-chan models.Event {
	return s.ch
}

// Join adds a conversation to this subscription's interest set.
func (s *Subscription) Join(conversationID string) {
	s.mu.Lock()
	s.conversations[conversationID] = struct{}{}
	s.mu.Unlock()
	s.b.joinConversation(conversationID, s)
}

// Leave removes a conversation from this subscription's interest set.
func (s *Subscription) Leave(conversationID string) {
	s.mu.Lock()
	delete(s.conversations, conversationID)
	s.mu.Unlock()
	s.b.leaveConversation(conversationID, s)
}

// Close tears down the subscription and releases its channel.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	convs := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		convs = append(convs, id)
	}
	s.mu.Unlock()

	for _, id := range convs {
		s.b.leaveConversation(id, s)
	}
	s.b.unsubscribe(s)
	close(s.ch)
}

// Broadcaster routes events to subscriptions by user and by conversation.
type Broadcaster struct {
	mu             sync.RWMutex
	byUser         map[string]map[*Subscription]struct{}
	byConversation map[string]map[*Subscription]struct{}
	forwarder      Forwarder
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		byUser:         make(map[string]map[*Subscription]struct{}),
		byConversation: make(map[string]map[*Subscription]struct{}),
	}
}

// SetForwarder attaches a cross-instance relay. Must be called before any
// publishing starts.
func (b *Broadcaster) SetForwarder(f Forwarder) {
	b.forwarder = f
}

// Subscribe registers a new event stream for a user.
func (b *Broadcaster) Subscribe(userID string) *Subscription {
	s := &Subscription{
		b:             b,
		userID:        userID,
		ch:            make(chan models.Event, subscriberBuffer),
		conversations: make(map[string]struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.byUser[userID] == nil {
		b.byUser[userID] = make(map[*Subscription]struct{})
	}
	b.byUser[userID][s] = struct{}{}
	slog.Debug("Broadcaster.Subscribe", "userID", userID)
	return s
}

func (b *Broadcaster) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.byUser[s.userID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.byUser, s.userID)
		}
	}
}

func (b *Broadcaster) joinConversation(conversationID string, s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.byConversation[conversationID] == nil {
		b.byConversation[conversationID] = make(map[*Subscription]struct{})
	}
	b.byConversation[conversationID][s] = struct{}{}
}

func (b *Broadcaster) leaveConversation(conversationID string, s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.byConversation[conversationID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.byConversation, conversationID)
		}
	}
}

// PublishToUser delivers an event to every subscription a user holds, and
// forwards it to other instances when a bridge is attached.
func (b *Broadcaster) PublishToUser(userID string, ev models.Event) {
	b.publishUserLocal(userID, ev)
	if b.forwarder != nil {
		b.forwarder.ForwardUser(userID, ev)
	}
}

// PublishToConversation delivers an event to every subscription joined to a
// conversation, and forwards it to other instances when a bridge is attached.
func (b *Broadcaster) PublishToConversation(conversationID string, ev models.Event) {
	b.publishConversationLocal(conversationID, ev)
	if b.forwarder != nil {
		b.forwarder.ForwardConversation(conversationID, ev)
	}
}

func (b *Broadcaster) publishUserLocal(userID string, ev models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.byUser[userID] {
		b.send(s, ev)
	}
}

func (b *Broadcaster) publishConversationLocal(conversationID string, ev models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.byConversation[conversationID] {
		b.send(s, ev)
	}
}

// send is non-blocking: a slow consumer drops events instead of stalling the
// producer.
func (b *Broadcaster) send(s *Subscription, ev models.Event) {
	select {
	case s.ch <- ev:
	default:
		slog.Warn("Broadcaster.send: subscriber buffer full, dropping event", "userID", s.userID, "type", ev.Type)
	}
}
