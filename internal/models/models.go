// Package models defines the core data structures for Convomux.
//
// It includes types for analysis jobs, scheduled messages, offline outbox
// entries, normalized inbound messages, and realtime events, which are shared
// across modules.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// AnalysisKind identifies the type of AI analysis a job performs.
type AnalysisKind string

const (
	// AnalysisSentiment classifies the emotional tone of a message.
	AnalysisSentiment AnalysisKind = "sentiment"
	// AnalysisCategorize assigns a message to a topic category.
	AnalysisCategorize AnalysisKind = "categorize"
	// AnalysisSuggestReply drafts reply suggestions for a message.
	AnalysisSuggestReply AnalysisKind = "suggest_reply"
)

// IsValidAnalysisKind checks if the given analysis kind is supported.
func IsValidAnalysisKind(k AnalysisKind) bool {
	switch k {
	case AnalysisSentiment, AnalysisCategorize, AnalysisSuggestReply:
		return true
	default:
		return false
	}
}

// Validation constants for input validation
const (
	// MaxMessageContentLength defines the maximum allowed length for message content
	MaxMessageContentLength = 4096
	// MaxConversationContextLength defines the maximum allowed length for conversation context
	MaxConversationContextLength = 16384
)

// Error variables for better error handling and testability
var (
	ErrEmptyMessageID      = errors.New("message id cannot be empty")
	ErrEmptyUserID         = errors.New("user id cannot be empty")
	ErrEmptyContent        = errors.New("content cannot be empty")
	ErrContentTooLong      = errors.New("content exceeds maximum length")
	ErrInvalidAnalysisKind = errors.New("invalid analysis kind")
	ErrEmptyConversationID = errors.New("conversation id cannot be empty")
	ErrScheduledInPast     = errors.New("scheduled time must be in the future")
	ErrEmptyEntryID        = errors.New("outbox entry id cannot be empty")
)

// JobRequest represents a submission of AI analysis work.
type JobRequest struct {
	Type                AnalysisKind `json:"type"`
	UserID              string       `json:"user_id"`
	MessageID           string       `json:"message_id"`
	Content             string       `json:"content"`
	ConversationContext string       `json:"conversation_context,omitempty"`
}

// Validate performs comprehensive validation on a JobRequest structure.
func (r *JobRequest) Validate() error {
	if !IsValidAnalysisKind(r.Type) {
		return ErrInvalidAnalysisKind
	}
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	if r.MessageID == "" {
		return ErrEmptyMessageID
	}
	if r.Content == "" {
		return ErrEmptyContent
	}
	if len(r.Content) > MaxMessageContentLength {
		return ErrContentTooLong
	}
	if len(r.ConversationContext) > MaxConversationContextLength {
		return ErrContentTooLong
	}
	return nil
}

// JobStatusView is the externally visible status of an analysis job.
type JobStatusView struct {
	JobID    string          `json:"job_id"`
	Status   string          `json:"status"`
	Progress int             `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ScheduleStatus represents the lifecycle state of a scheduled message.
type ScheduleStatus string

const (
	// ScheduleStatusPending indicates the message is waiting for its scheduled time.
	ScheduleStatusPending ScheduleStatus = "pending"
	// ScheduleStatusSent indicates the message was delivered.
	ScheduleStatusSent ScheduleStatus = "sent"
	// ScheduleStatusFailed indicates delivery was abandoned after retries.
	ScheduleStatusFailed ScheduleStatus = "failed"
	// ScheduleStatusCancelled indicates the user cancelled before dispatch.
	ScheduleStatusCancelled ScheduleStatus = "cancelled"
)

// ScheduledMessage represents a user-scheduled outbound message.
type ScheduledMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	ChannelType    string         `json:"channel_type"`
	Content        string         `json:"content"`
	MetadataJSON   string         `json:"metadata_json,omitempty"`
	ScheduledTime  time.Time      `json:"scheduled_time"`
	Status         ScheduleStatus `json:"status"`
	RetryCount     int            `json:"retry_count"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	LockedAt       *time.Time     `json:"locked_at,omitempty"`
	NextAttemptAt  *time.Time     `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ScheduleRequest represents the payload for creating a scheduled message.
type ScheduleRequest struct {
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	Content        string         `json:"content"`
	ScheduledTime  time.Time      `json:"scheduled_time"`
	ChannelType    string         `json:"channel_type,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Validate checks the scheduling request against a reference time.
func (r *ScheduleRequest) Validate(now time.Time) error {
	if r.ConversationID == "" {
		return ErrEmptyConversationID
	}
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	if r.Content == "" {
		return ErrEmptyContent
	}
	if len(r.Content) > MaxMessageContentLength {
		return ErrContentTooLong
	}
	if !r.ScheduledTime.After(now) {
		return ErrScheduledInPast
	}
	return nil
}

// SyncStatus represents the lifecycle state of an offline outbox entry.
type SyncStatus string

const (
	// SyncStatusPending indicates the entry is waiting for a sync attempt.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusSyncing indicates a sync attempt is in flight.
	SyncStatusSyncing SyncStatus = "syncing"
	// SyncStatusSynced indicates the server confirmed the entry.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusConflict indicates the server reported a conflicting entry.
	SyncStatusConflict SyncStatus = "conflict"
	// SyncStatusFailed indicates retries were exhausted; manual retry required.
	SyncStatusFailed SyncStatus = "failed"
)

// OutboxEntry represents a locally queued message authored while offline.
// The ID is client-generated and stable across retries; it is the identity
// the server uses to collapse duplicate submissions.
type OutboxEntry struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Content        string     `json:"content"`
	ChannelType    string     `json:"channel_type"`
	SyncStatus     SyncStatus `json:"sync_status"`
	RetryCount     int        `json:"retry_count"`
	LastError      string     `json:"last_error,omitempty"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Attachment is a media reference on an inbound message.
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// InboundMessage is the normalized shape every channel webhook payload is
// mapped into before any other component may consume it.
type InboundMessage struct {
	ID          string       `json:"id"`
	From        string       `json:"from"`
	Timestamp   time.Time    `json:"timestamp"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// DeliveryReceipt is returned by a channel adapter on a successful send.
type DeliveryReceipt struct {
	Channel           string    `json:"channel"`
	Recipient         string    `json:"recipient"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	SentAt            time.Time `json:"sent_at"`
}

// Event is the realtime notification shape pushed to connected clients.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event type constants for realtime notifications.
const (
	EventMessageReceived  = "message_received"
	EventMessageDelivered = "message_delivered"
	EventMessageFailed    = "message_failed"
	EventJobCompleted     = "job_completed"
	EventJobFailed        = "job_failed"
	EventScheduleSent     = "schedule_sent"
	EventScheduleFailed   = "schedule_failed"
	EventSyncResult       = "sync_result"
	EventTyping           = "typing"
	EventPresence         = "presence"
)

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType string, data any) Event {
	return Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
}
