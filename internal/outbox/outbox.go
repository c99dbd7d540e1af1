package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convomux/convomux/internal/models"
)

// SyncOutcome is the server's verdict on one submitted entry.
type SyncOutcome string

const (
	// OutcomeAccepted indicates the entry was delivered.
	OutcomeAccepted SyncOutcome = "accepted"
	// OutcomeDuplicate indicates the server had already seen this entry.
	OutcomeDuplicate SyncOutcome = "duplicate"
	// OutcomeRejected indicates the server refused the entry.
	OutcomeRejected SyncOutcome = "rejected"
)

// SyncResult is the per-entry result of a sync batch.
type SyncResult struct {
	ID        string      `json:"id"`
	Outcome   SyncOutcome `json:"outcome"`
	Retryable bool        `json:"retryable,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Syncer submits a batch of entries upstream and reports per-entry outcomes.
type Syncer interface {
	Sync(ctx context.Context, entries []models.OutboxEntry) ([]SyncResult, error)
}

// Default tuning values for the outbox.
const (
	DefaultCapacity    = 1000
	DefaultBatchSize   = 50
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 15 * time.Second
	DefaultRetention   = 7 * 24 * time.Hour
)

// Opts holds configuration options for the outbox.
type Opts struct {
	Capacity    int
	BatchSize   int
	MaxRetries  int
	BackoffBase time.Duration
}

// Option defines a functional option for outbox configuration.
type Option func(*Opts)

// WithCapacity sets the maximum number of unsynced entries held locally.
func WithCapacity(n int) Option {
	return func(o *Opts) { o.Capacity = n }
}

// WithBatchSize sets the maximum entries submitted per sync.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

// WithMaxRetries sets the automatic retry limit per entry.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithBackoffBase sets the base delay for retry backoff.
func WithBackoffBase(d time.Duration) Option {
	return func(o *Opts) { o.BackoffBase = d }
}

// Usage summarizes outbox occupancy.
type Usage struct {
	Capacity int                       `json:"capacity"`
	Used     int                       `json:"used"`
	ByStatus map[models.SyncStatus]int `json:"by_status"`
}

// Outbox queues messages locally while offline and reconciles them with the
// server when connectivity returns.
type Outbox struct {
	store  *Store
	syncer Syncer
	opts   Opts

	// syncMu serializes sync rounds so an entry is never submitted twice
	// concurrently.
	syncMu sync.Mutex
}

// New creates an outbox over the given local store and syncer.
func New(store *Store, syncer Syncer, opts ...Option) *Outbox {
	cfg := Opts{
		Capacity:    DefaultCapacity,
		BatchSize:   DefaultBatchSize,
		MaxRetries:  DefaultMaxRetries,
		BackoffBase: DefaultBackoffBase,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Outbox{store: store, syncer: syncer, opts: cfg}
}

// Enqueue stores a message authored offline. The entry gets a stable
// client-generated ID that the server uses to collapse duplicate submissions.
// Returns a quota error when the outbox is full.
func (o *Outbox) Enqueue(conversationID, content, channelType string) (*models.OutboxEntry, error) {
	if conversationID == "" {
		return nil, models.Permanent(models.ErrEmptyConversationID)
	}
	if content == "" {
		return nil, models.Permanent(models.ErrEmptyContent)
	}
	if len(content) > models.MaxMessageContentLength {
		return nil, models.Permanent(models.ErrContentTooLong)
	}

	used, err := o.store.countUnsynced()
	if err != nil {
		return nil, err
	}
	if used >= o.opts.Capacity {
		return nil, models.Quotaf("outbox full: %d of %d entries used", used, o.opts.Capacity)
	}

	now := time.Now()
	e := &models.OutboxEntry{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		ChannelType:    channelType,
		SyncStatus:     models.SyncStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.insertEntry(e); err != nil {
		return nil, err
	}
	slog.Debug("Outbox.Enqueue: entry stored", "id", e.ID, "conversationID", conversationID)
	return e, nil
}

// TriggerSync runs one sync round: due pending entries are submitted oldest
// first and reconciled against the server's per-entry outcomes. Returns the
// number of entries confirmed this round.
func (o *Outbox) TriggerSync(ctx context.Context) (int, error) {
	o.syncMu.Lock()
	defer o.syncMu.Unlock()

	now := time.Now()
	entries, err := o.store.claimSyncable(now, o.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	slog.Info("Outbox.TriggerSync: submitting batch", "count", len(entries))
	results, err := o.syncer.Sync(ctx, entries)
	if err != nil {
		// No per-entry verdicts: put everything back for a later round
		slog.Error("Outbox.TriggerSync: sync transport failed", "error", err)
		if relErr := o.store.releaseSyncing(now.Add(o.opts.BackoffBase)); relErr != nil {
			return 0, relErr
		}
		return 0, err
	}

	byID := make(map[string]SyncResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	confirmed := 0
	for _, e := range entries {
		r, ok := byID[e.ID]
		if !ok {
			// Server did not mention this entry; treat as retryable
			backoff := o.opts.BackoffBase * (1 << e.RetryCount)
			if err := o.store.recordFailure(e.ID, "no sync result returned", now.Add(backoff), o.opts.MaxRetries, true); err != nil {
				return confirmed, err
			}
			continue
		}

		switch r.Outcome {
		case OutcomeAccepted:
			if err := o.store.setStatus(e.ID, models.SyncStatusSynced); err != nil {
				return confirmed, err
			}
			confirmed++
		case OutcomeDuplicate:
			// Already delivered on a previous attempt; settle as synced
			if err := o.store.setStatus(e.ID, models.SyncStatusSynced); err != nil {
				return confirmed, err
			}
			confirmed++
		case OutcomeRejected:
			backoff := o.opts.BackoffBase * (1 << e.RetryCount)
			if err := o.store.recordFailure(e.ID, r.Error, now.Add(backoff), o.opts.MaxRetries, r.Retryable); err != nil {
				return confirmed, err
			}
		default:
			return confirmed, fmt.Errorf("unknown sync outcome %q for entry %s", r.Outcome, e.ID)
		}
	}

	slog.Info("Outbox.TriggerSync: round complete", "confirmed", confirmed, "submitted", len(entries))
	return confirmed, nil
}

// Retry resets a terminally failed entry so the next sync round picks it up
// again.
func (o *Outbox) Retry(id string) error {
	e, err := o.store.getEntry(id)
	if err != nil {
		return err
	}
	if e == nil {
		return models.NotFoundf("outbox entry %s not found", id)
	}
	if e.SyncStatus != models.SyncStatusFailed {
		return models.Conflictf("outbox entry %s is %s, only failed entries can be retried", id, e.SyncStatus)
	}
	if err := o.store.setStatus(id, models.SyncStatusPending); err != nil {
		return err
	}
	slog.Info("Outbox.Retry: entry requeued", "id", id)
	return nil
}

// Get retrieves a single entry.
func (o *Outbox) Get(id string) (*models.OutboxEntry, error) {
	e, err := o.store.getEntry(id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, models.NotFoundf("outbox entry %s not found", id)
	}
	return e, nil
}

// List returns entries, optionally filtered by status.
func (o *Outbox) List(status models.SyncStatus) ([]models.OutboxEntry, error) {
	return o.store.listEntries(status)
}

// Usage reports outbox occupancy against its capacity.
func (o *Outbox) Usage() (*Usage, error) {
	used, err := o.store.countUnsynced()
	if err != nil {
		return nil, err
	}
	byStatus, err := o.store.countByStatus()
	if err != nil {
		return nil, err
	}
	return &Usage{Capacity: o.opts.Capacity, Used: used, ByStatus: byStatus}, nil
}

// Compact removes synced entries older than the retention window.
func (o *Outbox) Compact(retention time.Duration) (int, error) {
	n, err := o.store.deleteSyncedBefore(time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Debug("Outbox.Compact: removed synced entries", "count", n)
	}
	return n, nil
}
