// Package dispatch provides the scheduled message dispatcher.
//
// A single ticker goroutine claims due messages in batches and hands them to
// a delivery function. Retries use exponential backoff and abandon after a
// fixed number of attempts.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/convomux/convomux/internal/models"
	"github.com/convomux/convomux/internal/store"
)

// DeliverFunc performs the actual channel delivery for a due message.
type DeliverFunc func(ctx context.Context, m models.ScheduledMessage) error

// Notifier receives best-effort dispatch lifecycle events.
type Notifier interface {
	PublishToUser(userID string, ev models.Event)
}

// Default tuning values for the dispatcher.
const (
	DefaultTickInterval   = time.Second
	DefaultBatchSize      = 100
	DefaultMaxRetries     = 3
	DefaultBackoffBase    = 30 * time.Second
	DefaultStaleThreshold = 5 * time.Minute
	DefaultRetention      = 30 * 24 * time.Hour
)

// Opts holds configuration options for the dispatcher.
type Opts struct {
	TickInterval   time.Duration
	BatchSize      int
	MaxRetries     int
	BackoffBase    time.Duration
	StaleThreshold time.Duration
	Notifier       Notifier
}

// Option defines a functional option for dispatcher configuration.
type Option func(*Opts)

// WithTickInterval sets how often the dispatcher scans for due messages.
func WithTickInterval(d time.Duration) Option {
	return func(o *Opts) { o.TickInterval = d }
}

// WithBatchSize sets the maximum messages claimed per tick.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

// WithMaxRetries sets the delivery attempt limit.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithBackoffBase sets the base delay for retry backoff.
func WithBackoffBase(d time.Duration) Option {
	return func(o *Opts) { o.BackoffBase = d }
}

// WithStaleThreshold sets how long a claimed message may sit before crash
// recovery clears its lock.
func WithStaleThreshold(d time.Duration) Option {
	return func(o *Opts) { o.StaleThreshold = d }
}

// WithNotifier sets the lifecycle event sink.
func WithNotifier(n Notifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// Dispatcher owns the scheduled message lifecycle.
type Dispatcher struct {
	repo    store.ScheduleRepo
	deliver DeliverFunc
	opts    Opts
}

// NewDispatcher creates a dispatcher over the given repository and delivery
// function.
func NewDispatcher(repo store.ScheduleRepo, deliver DeliverFunc, opts ...Option) *Dispatcher {
	cfg := Opts{
		TickInterval:   DefaultTickInterval,
		BatchSize:      DefaultBatchSize,
		MaxRetries:     DefaultMaxRetries,
		BackoffBase:    DefaultBackoffBase,
		StaleThreshold: DefaultStaleThreshold,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{repo: repo, deliver: deliver, opts: cfg}
}

// Schedule validates and persists a new scheduled message. Times in the past
// are rejected.
func (d *Dispatcher) Schedule(req models.ScheduleRequest) (*models.ScheduledMessage, error) {
	if err := req.Validate(time.Now()); err != nil {
		return nil, models.Permanent(fmt.Errorf("invalid schedule request: %w", err))
	}

	channelType := req.ChannelType
	if channelType == "" {
		channelType = "webchat"
	}
	var metadataJSON string
	if len(req.Metadata) > 0 {
		b, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata failed: %w", err)
		}
		metadataJSON = string(b)
	}

	m := &models.ScheduledMessage{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		ChannelType:    channelType,
		Content:        req.Content,
		MetadataJSON:   metadataJSON,
		ScheduledTime:  req.ScheduledTime,
	}
	if err := d.repo.CreateScheduledMessage(m); err != nil {
		return nil, err
	}
	slog.Info("Dispatcher.Schedule: message scheduled", "id", m.ID, "scheduledTime", m.ScheduledTime)
	return m, nil
}

// Cancel cancels a pending message. Returns a not-found error for unknown ids
// and a conflict error once dispatch has begun or the message is terminal.
func (d *Dispatcher) Cancel(id string) error {
	if err := d.repo.CancelScheduledMessage(id); err != nil {
		return err
	}
	slog.Info("Dispatcher.Cancel: message cancelled", "id", id)
	return nil
}

// Get retrieves a single scheduled message.
func (d *Dispatcher) Get(id string) (*models.ScheduledMessage, error) {
	m, err := d.repo.GetScheduledMessage(id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, models.NotFoundf("scheduled message %s not found", id)
	}
	return m, nil
}

// List returns scheduled messages filtered by user, conversation, and status.
func (d *Dispatcher) List(userID, conversationID string, status models.ScheduleStatus) ([]models.ScheduledMessage, error) {
	return d.repo.ListScheduledMessages(userID, conversationID, status)
}

// RecoverStale clears dispatch locks left behind by a crashed process.
// Should be called once at startup.
func (d *Dispatcher) RecoverStale() error {
	staleBefore := time.Now().Add(-d.opts.StaleThreshold)
	n, err := d.repo.RequeueStaleDispatchingMessages(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Dispatcher.RecoverStale: recovered stuck messages", "count", n)
	}
	return nil
}

// Cleanup removes terminal messages older than the retention window.
func (d *Dispatcher) Cleanup(retention time.Duration) (int, error) {
	return d.repo.DeleteTerminalScheduledBefore(time.Now().Add(-retention))
}

// Run starts the dispatch loop. Ticks are serialized on a single goroutine so
// no message is ever handled by two concurrent ticks. Blocks until the
// context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("Dispatcher.Run: starting", "tickInterval", d.opts.TickInterval)

	ticker := time.NewTicker(d.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Dispatcher.Run: stopping")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick claims one batch of due messages and dispatches them.
func (d *Dispatcher) Tick(ctx context.Context) {
	now := time.Now()
	msgs, err := d.repo.ClaimDueScheduledMessages(now, d.opts.BatchSize)
	if err != nil {
		slog.Error("Dispatcher.Tick: claim failed", "error", err)
		return
	}

	for _, m := range msgs {
		d.dispatchOne(ctx, m, now)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, m models.ScheduledMessage, now time.Time) {
	slog.Debug("Dispatcher.dispatchOne: delivering", "id", m.ID, "channel", m.ChannelType, "retryCount", m.RetryCount)

	err := d.deliver(ctx, m)
	if err == nil {
		sentAt := time.Now()
		if err := d.repo.MarkScheduledMessageSent(m.ID, sentAt); err != nil {
			slog.Error("Dispatcher.dispatchOne: mark sent failed", "id", m.ID, "error", err)
			return
		}
		d.notify(m, models.EventScheduleSent, map[string]any{
			"schedule_id":     m.ID,
			"conversation_id": m.ConversationID,
			"sent_at":         sentAt,
		})
		return
	}

	slog.Error("Dispatcher.dispatchOne: delivery failed", "id", m.ID, "error", err)

	// Only transient failures are retried; everything else fails fast
	maxRetries := d.opts.MaxRetries
	retryable := models.IsTransient(err)
	if !retryable {
		maxRetries = 0
	}

	// Exponential backoff: base, 2x base, 4x base, ...
	backoff := d.opts.BackoffBase * (1 << m.RetryCount)
	if ferr := d.repo.FailScheduledMessage(m.ID, err.Error(), now.Add(backoff), maxRetries); ferr != nil {
		slog.Error("Dispatcher.dispatchOne: record failure failed", "id", m.ID, "error", ferr)
		return
	}
	if !retryable || m.RetryCount+1 >= d.opts.MaxRetries {
		d.notify(m, models.EventScheduleFailed, map[string]any{
			"schedule_id":     m.ID,
			"conversation_id": m.ConversationID,
			"error":           err.Error(),
		})
	}
}

// notify pushes a lifecycle event to the message owner. Best effort only.
func (d *Dispatcher) notify(m models.ScheduledMessage, eventType string, data map[string]any) {
	if d.opts.Notifier == nil {
		return
	}
	d.opts.Notifier.PublishToUser(m.UserID, models.NewEvent(eventType, data))
}
