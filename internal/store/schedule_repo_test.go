package store

import (
	"testing"
	"time"

	"github.com/convomux/convomux/internal/models"
)

func newTestScheduledMessage(scheduledTime time.Time) *models.ScheduledMessage {
	return &models.ScheduledMessage{
		ConversationID: "conv-1",
		UserID:         "user-1",
		ChannelType:    "webchat",
		Content:        "see you tomorrow",
		ScheduledTime:  scheduledTime,
	}
}

func TestSQLiteStore_ScheduleRepo_CreateAndGet(t *testing.T) {
	s := newTestSQLiteStore(t)

	m := newTestScheduledMessage(time.Now().Add(time.Hour))
	if err := s.CreateScheduledMessage(m); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}
	if m.ID == "" {
		t.Fatal("Expected ID to be assigned")
	}
	if m.Status != models.ScheduleStatusPending {
		t.Errorf("Expected status 'pending', got %q", m.Status)
	}

	got, err := s.GetScheduledMessage(m.ID)
	if err != nil {
		t.Fatalf("GetScheduledMessage failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetScheduledMessage returned nil")
	}
	if got.Content != "see you tomorrow" {
		t.Errorf("Expected content, got %q", got.Content)
	}
	if got.ChannelType != "webchat" {
		t.Errorf("Expected channel 'webchat', got %q", got.ChannelType)
	}
}

func TestSQLiteStore_ScheduleRepo_ClaimDue(t *testing.T) {
	s := newTestSQLiteStore(t)

	now := time.Now()
	due := newTestScheduledMessage(now.Add(-time.Minute))
	if err := s.CreateScheduledMessage(due); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}
	future := newTestScheduledMessage(now.Add(time.Hour))
	if err := s.CreateScheduledMessage(future); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}

	msgs, err := s.ClaimDueScheduledMessages(now, 100)
	if err != nil {
		t.Fatalf("ClaimDueScheduledMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 due message, got %d", len(msgs))
	}
	if msgs[0].ID != due.ID {
		t.Errorf("Expected message %q, got %q", due.ID, msgs[0].ID)
	}
	if msgs[0].LockedAt == nil {
		t.Error("Expected locked_at stamp on claimed message")
	}

	// Claimed messages are excluded until the lock is cleared
	again, err := s.ClaimDueScheduledMessages(now, 100)
	if err != nil {
		t.Fatalf("ClaimDueScheduledMessages failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Expected no messages on second claim, got %d", len(again))
	}
}

func TestSQLiteStore_ScheduleRepo_ClaimOrdering(t *testing.T) {
	s := newTestSQLiteStore(t)

	now := time.Now()
	later := newTestScheduledMessage(now.Add(-time.Minute))
	if err := s.CreateScheduledMessage(later); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}
	earlier := newTestScheduledMessage(now.Add(-time.Hour))
	if err := s.CreateScheduledMessage(earlier); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}

	msgs, err := s.ClaimDueScheduledMessages(now, 100)
	if err != nil {
		t.Fatalf("ClaimDueScheduledMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 due messages, got %d", len(msgs))
	}
	if msgs[0].ID != earlier.ID {
		t.Errorf("Expected earliest scheduled time first, got %q", msgs[0].ID)
	}
}

func TestSQLiteStore_ScheduleRepo_MarkSent(t *testing.T) {
	s := newTestSQLiteStore(t)

	m := newTestScheduledMessage(time.Now().Add(-time.Minute))
	if err := s.CreateScheduledMessage(m); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}
	sentAt := time.Now()
	if err := s.MarkScheduledMessageSent(m.ID, sentAt); err != nil {
		t.Fatalf("MarkScheduledMessageSent failed: %v", err)
	}

	got, err := s.GetScheduledMessage(m.ID)
	if err != nil {
		t.Fatalf("GetScheduledMessage failed: %v", err)
	}
	if got.Status != models.ScheduleStatusSent {
		t.Errorf("Expected status 'sent', got %q", got.Status)
	}
	if got.SentAt == nil {
		t.Error("Expected sent_at to be set")
	}
	if got.LockedAt != nil {
		t.Error("Expected locked_at cleared after send")
	}
}

func TestSQLiteStore_ScheduleRepo_FailAndRetry(t *testing.T) {
	s := newTestSQLiteStore(t)

	now := time.Now()
	m := newTestScheduledMessage(now.Add(-time.Minute))
	if err := s.CreateScheduledMessage(m); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}

	nextAttempt := now.Add(30 * time.Second)
	if err := s.FailScheduledMessage(m.ID, "channel unavailable", nextAttempt, 3); err != nil {
		t.Fatalf("FailScheduledMessage failed: %v", err)
	}

	got, err := s.GetScheduledMessage(m.ID)
	if err != nil {
		t.Fatalf("GetScheduledMessage failed: %v", err)
	}
	if got.Status != models.ScheduleStatusPending {
		t.Errorf("Expected status 'pending' below retry limit, got %q", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", got.RetryCount)
	}
	if got.ErrorMessage != "channel unavailable" {
		t.Errorf("Expected error message recorded, got %q", got.ErrorMessage)
	}

	// Backoff keeps it out of the due set until next_attempt_at passes
	msgs, err := s.ClaimDueScheduledMessages(now, 100)
	if err != nil {
		t.Fatalf("ClaimDueScheduledMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Expected no due messages during backoff, got %d", len(msgs))
	}
	msgs, err = s.ClaimDueScheduledMessages(nextAttempt.Add(time.Second), 100)
	if err != nil {
		t.Fatalf("ClaimDueScheduledMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("Expected 1 due message after backoff, got %d", len(msgs))
	}
}

func TestSQLiteStore_ScheduleRepo_FailMaxRetries(t *testing.T) {
	s := newTestSQLiteStore(t)

	now := time.Now()
	m := newTestScheduledMessage(now.Add(-time.Minute))
	if err := s.CreateScheduledMessage(m); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.FailScheduledMessage(m.ID, "channel unavailable", now, 3); err != nil {
			t.Fatalf("FailScheduledMessage failed: %v", err)
		}
	}

	got, err := s.GetScheduledMessage(m.ID)
	if err != nil {
		t.Fatalf("GetScheduledMessage failed: %v", err)
	}
	if got.Status != models.ScheduleStatusFailed {
		t.Errorf("Expected status 'failed' after max retries, got %q", got.Status)
	}
	if got.RetryCount != 3 {
		t.Errorf("Expected retry count 3, got %d", got.RetryCount)
	}
}

func TestSQLiteStore_ScheduleRepo_Cancel(t *testing.T) {
	s := newTestSQLiteStore(t)

	m := newTestScheduledMessage(time.Now().Add(time.Hour))
	if err := s.CreateScheduledMessage(m); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}
	if err := s.CancelScheduledMessage(m.ID); err != nil {
		t.Fatalf("CancelScheduledMessage failed: %v", err)
	}

	got, err := s.GetScheduledMessage(m.ID)
	if err != nil {
		t.Fatalf("GetScheduledMessage failed: %v", err)
	}
	if got.Status != models.ScheduleStatusCancelled {
		t.Errorf("Expected status 'cancelled', got %q", got.Status)
	}

	// Cancelling again conflicts
	err = s.CancelScheduledMessage(m.ID)
	if !models.IsConflict(err) {
		t.Errorf("Expected conflict error on double cancel, got %v", err)
	}
}

func TestSQLiteStore_ScheduleRepo_CancelUnknown(t *testing.T) {
	s := newTestSQLiteStore(t)

	err := s.CancelScheduledMessage("sch_nonexistent")
	if !models.IsNotFound(err) {
		t.Errorf("Expected not-found error, got %v", err)
	}
}

func TestSQLiteStore_ScheduleRepo_CancelDuringDispatch(t *testing.T) {
	s := newTestSQLiteStore(t)

	now := time.Now()
	m := newTestScheduledMessage(now.Add(-time.Minute))
	if err := s.CreateScheduledMessage(m); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}
	if _, err := s.ClaimDueScheduledMessages(now, 100); err != nil {
		t.Fatalf("ClaimDueScheduledMessages failed: %v", err)
	}

	// Claimed message is locked, cancellation must conflict
	err := s.CancelScheduledMessage(m.ID)
	if !models.IsConflict(err) {
		t.Errorf("Expected conflict error while dispatch is in flight, got %v", err)
	}
}

func TestSQLiteStore_ScheduleRepo_List(t *testing.T) {
	s := newTestSQLiteStore(t)

	a := newTestScheduledMessage(time.Now().Add(time.Hour))
	if err := s.CreateScheduledMessage(a); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}
	b := newTestScheduledMessage(time.Now().Add(2 * time.Hour))
	b.UserID = "user-2"
	b.ConversationID = "conv-2"
	if err := s.CreateScheduledMessage(b); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}
	if err := s.CancelScheduledMessage(b.ID); err != nil {
		t.Fatalf("CancelScheduledMessage failed: %v", err)
	}

	byUser, err := s.ListScheduledMessages("user-1", "", "")
	if err != nil {
		t.Fatalf("ListScheduledMessages failed: %v", err)
	}
	if len(byUser) != 1 || byUser[0].ID != a.ID {
		t.Errorf("Expected only user-1 message, got %d", len(byUser))
	}

	byStatus, err := s.ListScheduledMessages("", "", models.ScheduleStatusCancelled)
	if err != nil {
		t.Fatalf("ListScheduledMessages failed: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != b.ID {
		t.Errorf("Expected only cancelled message, got %d", len(byStatus))
	}

	all, err := s.ListScheduledMessages("", "", "")
	if err != nil {
		t.Fatalf("ListScheduledMessages failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 messages, got %d", len(all))
	}
}

func TestSQLiteStore_ScheduleRepo_RequeueStale(t *testing.T) {
	s := newTestSQLiteStore(t)

	now := time.Now()
	m := newTestScheduledMessage(now.Add(-time.Minute))
	if err := s.CreateScheduledMessage(m); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}
	if _, err := s.ClaimDueScheduledMessages(now, 100); err != nil {
		t.Fatalf("ClaimDueScheduledMessages failed: %v", err)
	}

	n, err := s.RequeueStaleDispatchingMessages(now.Add(time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleDispatchingMessages failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 requeued message, got %d", n)
	}

	msgs, err := s.ClaimDueScheduledMessages(now, 100)
	if err != nil {
		t.Fatalf("ClaimDueScheduledMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("Expected message claimable again after requeue, got %d", len(msgs))
	}
}

func TestSQLiteStore_ScheduleRepo_DeleteTerminalBefore(t *testing.T) {
	s := newTestSQLiteStore(t)

	now := time.Now()
	sent := newTestScheduledMessage(now.Add(-time.Hour))
	if err := s.CreateScheduledMessage(sent); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}
	if err := s.MarkScheduledMessageSent(sent.ID, now); err != nil {
		t.Fatalf("MarkScheduledMessageSent failed: %v", err)
	}
	pending := newTestScheduledMessage(now.Add(time.Hour))
	if err := s.CreateScheduledMessage(pending); err != nil {
		t.Fatalf("CreateScheduledMessage failed: %v", err)
	}

	n, err := s.DeleteTerminalScheduledBefore(now.Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteTerminalScheduledBefore failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 deleted message, got %d", n)
	}
	if got, _ := s.GetScheduledMessage(pending.ID); got == nil {
		t.Error("Expected pending message to survive cleanup")
	}
}
