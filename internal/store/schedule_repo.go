// Package store provides the ScheduleRepo interface for user-scheduled messages.
package store

import (
	"time"

	"github.com/convomux/convomux/internal/models"
)

// ScheduleRepo defines the interface for scheduled message persistence.
//
// Status transitions are monotonic: no terminal state (sent, failed,
// cancelled) ever reverts to pending.
type ScheduleRepo interface {
	// CreateScheduledMessage inserts a new pending record. The ID and
	// timestamps are assigned here.
	CreateScheduledMessage(m *models.ScheduledMessage) error

	// ClaimDueScheduledMessages returns up to limit pending messages whose
	// scheduled time has passed and whose retry backoff (if any) has
	// elapsed, ordered ascending by scheduled time. Claimed messages get a
	// locked_at stamp so cancellation can detect in-flight dispatch.
	ClaimDueScheduledMessages(now time.Time, limit int) ([]models.ScheduledMessage, error)

	// MarkScheduledMessageSent transitions a message to sent with the given
	// delivery time.
	MarkScheduledMessageSent(id string, sentAt time.Time) error

	// FailScheduledMessage records a failed dispatch. While the retry count
	// is below maxRetries the message stays pending with the next attempt
	// deferred to nextAttemptAt; otherwise it becomes terminally failed.
	FailScheduledMessage(id, errMsg string, nextAttemptAt time.Time, maxRetries int) error

	// CancelScheduledMessage cancels a message that is still pending and
	// not currently being dispatched. Returns a not-found error for unknown
	// ids and a conflict error once dispatch has begun or the message is in
	// a terminal state.
	CancelScheduledMessage(id string) error

	// GetScheduledMessage retrieves a single record by ID. Returns nil when unknown.
	GetScheduledMessage(id string) (*models.ScheduledMessage, error)

	// ListScheduledMessages returns records filtered by any non-empty
	// combination of user, conversation, and status.
	ListScheduledMessages(userID, conversationID string, status models.ScheduleStatus) ([]models.ScheduledMessage, error)

	// RequeueStaleDispatchingMessages clears locked_at on pending messages
	// stuck since before staleBefore (crash recovery).
	RequeueStaleDispatchingMessages(staleBefore time.Time) (int, error)

	// DeleteTerminalScheduledBefore removes terminal records last updated
	// before cutoff and reports how many were removed.
	DeleteTerminalScheduledBefore(cutoff time.Time) (int, error)
}
