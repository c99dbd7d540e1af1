// Package store provides the InboundDedupRepo interface for collapsing
// duplicate inbound submissions.
package store

import (
	"time"
)

// DedupRecord represents a processed inbound identity: a webhook message id
// or an offline outbox client id.
type DedupRecord struct {
	ClientID       string     `json:"client_id"`
	ConversationID string     `json:"conversation_id"`
	ReceivedAt     time.Time  `json:"received_at"`
	ProcessedAt    *time.Time `json:"processed_at"`
}

// InboundDedupRepo defines the interface for inbound deduplication.
// Re-processing a recorded id must produce at most one effect.
type InboundDedupRepo interface {
	// IsDuplicate checks if a client id has already been recorded.
	IsDuplicate(clientID string) (bool, error)

	// RecordClientID inserts a new dedup record. Returns false if the id
	// was already recorded (duplicate).
	RecordClientID(clientID, conversationID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a client id.
	MarkProcessed(clientID string) error

	// DeleteDedupBefore removes records received before cutoff.
	DeleteDedupBefore(cutoff time.Time) (int, error)
}
