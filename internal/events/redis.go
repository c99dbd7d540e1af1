package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/convomux/convomux/internal/models"
	"github.com/convomux/convomux/internal/util"
)

// redisEventChannel is the pub/sub channel shared by all instances.
const redisEventChannel = "convomux:events"

// envelope is the wire shape for cross-instance event relay. The origin field
// lets each instance skip its own messages so local subscribers never see an
// event twice.
type envelope struct {
	Origin string       `json:"origin"`
	Scope  string       `json:"scope"` // "user" or "conversation"
	Target string       `json:"target"`
	Event  models.Event `json:"event"`
}

// RedisBridge relays broadcaster events between instances through Redis
// pub/sub.
type RedisBridge struct {
	client      *redis.Client
	broadcaster *Broadcaster
	instanceID  string
}

var _ Forwarder = (*RedisBridge)(nil)

// NewRedisBridge creates a bridge and attaches it to the broadcaster.
func NewRedisBridge(client *redis.Client, b *Broadcaster) *RedisBridge {
	br := &RedisBridge{
		client:      client,
		broadcaster: b,
		instanceID:  util.GenerateRandomHex(16),
	}
	b.SetForwarder(br)
	return br
}

// ForwardUser publishes a user-scoped event for other instances.
func (br *RedisBridge) ForwardUser(userID string, ev models.Event) {
	br.publish(envelope{Origin: br.instanceID, Scope: "user", Target: userID, Event: ev})
}

// ForwardConversation publishes a conversation-scoped event for other
// instances.
func (br *RedisBridge) ForwardConversation(conversationID string, ev models.Event) {
	br.publish(envelope{Origin: br.instanceID, Scope: "conversation", Target: conversationID, Event: ev})
}

func (br *RedisBridge) publish(env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("RedisBridge.publish: marshal failed", "error", err)
		return
	}
	if err := br.client.Publish(context.Background(), redisEventChannel, data).Err(); err != nil {
		slog.Warn("RedisBridge.publish: publish failed", "error", err)
	}
}

// Run subscribes to the shared channel and replays remote events into the
// local broadcaster. Blocks until the context is cancelled.
func (br *RedisBridge) Run(ctx context.Context) {
	pubsub := br.client.Subscribe(ctx, redisEventChannel)
	defer pubsub.Close()

	slog.Info("RedisBridge.Run: subscribed", "channel", redisEventChannel, "instanceID", br.instanceID)
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			slog.Info("RedisBridge.Run: stopping")
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			br.handle(msg.Payload)
		}
	}
}

func (br *RedisBridge) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		slog.Warn("RedisBridge.handle: malformed envelope", "error", err)
		return
	}
	if env.Origin == br.instanceID {
		return
	}
	switch env.Scope {
	case "user":
		br.broadcaster.publishUserLocal(env.Target, env.Event)
	case "conversation":
		br.broadcaster.publishConversationLocal(env.Target, env.Event)
	default:
		slog.Warn("RedisBridge.handle: unknown scope", "scope", env.Scope)
	}
}
