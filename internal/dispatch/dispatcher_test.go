package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/convomux/convomux/internal/models"
	"github.com/convomux/convomux/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "dispatch_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(tempDir, "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func validScheduleRequest(scheduledTime time.Time) models.ScheduleRequest {
	return models.ScheduleRequest{
		ConversationID: "conv-1",
		UserID:         "user-1",
		Content:        "see you tomorrow",
		ScheduledTime:  scheduledTime,
		ChannelType:    "webchat",
	}
}

func TestDispatcher_ScheduleRejectsPastTime(t *testing.T) {
	s := newTestStore(t)
	d := NewDispatcher(s, func(ctx context.Context, m models.ScheduledMessage) error { return nil })

	_, err := d.Schedule(validScheduleRequest(time.Now().Add(-time.Minute)))
	if err == nil {
		t.Error("Expected error for past scheduled time")
	}
}

func TestDispatcher_ScheduleAndGet(t *testing.T) {
	s := newTestStore(t)
	d := NewDispatcher(s, func(ctx context.Context, m models.ScheduledMessage) error { return nil })

	m, err := d.Schedule(validScheduleRequest(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if m.ID == "" {
		t.Fatal("Expected ID assigned")
	}
	if m.Status != models.ScheduleStatusPending {
		t.Errorf("Expected status 'pending', got %q", m.Status)
	}

	got, err := d.Get(m.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Content != "see you tomorrow" {
		t.Errorf("Expected content, got %q", got.Content)
	}

	if _, err := d.Get("sch_nonexistent"); !models.IsNotFound(err) {
		t.Errorf("Expected not-found error, got %v", err)
	}
}

func TestDispatcher_TickDeliversDueMessages(t *testing.T) {
	s := newTestStore(t)

	var mu sync.Mutex
	var delivered []string
	d := NewDispatcher(s, func(ctx context.Context, m models.ScheduledMessage) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, m.ID)
		return nil
	})

	due, err := d.Schedule(validScheduleRequest(time.Now().Add(20 * time.Millisecond)))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if _, err := d.Schedule(validScheduleRequest(time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	d.Tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != due.ID {
		t.Fatalf("Expected only the due message delivered, got %v", delivered)
	}

	got, err := d.Get(due.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.ScheduleStatusSent {
		t.Errorf("Expected status 'sent', got %q", got.Status)
	}
	if got.SentAt == nil {
		t.Error("Expected sent_at recorded")
	}
}

func TestDispatcher_TickDeliversInScheduledOrder(t *testing.T) {
	s := newTestStore(t)

	var mu sync.Mutex
	var order []string
	d := NewDispatcher(s, func(ctx context.Context, m models.ScheduledMessage) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, m.ID)
		return nil
	})

	// Create out of order, expect delivery by scheduled time
	later := validScheduleRequest(time.Now().Add(40 * time.Millisecond))
	mLater, err := d.Schedule(later)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	earlier := validScheduleRequest(time.Now().Add(10 * time.Millisecond))
	mEarlier, err := d.Schedule(earlier)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	d.Tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != mEarlier.ID || order[1] != mLater.ID {
		t.Errorf("Expected delivery in scheduled order [%s %s], got %v", mEarlier.ID, mLater.ID, order)
	}
}

func TestDispatcher_TransientFailureRetriesThenAbandons(t *testing.T) {
	s := newTestStore(t)

	var attempts int32
	d := NewDispatcher(s, func(ctx context.Context, m models.ScheduledMessage) error {
		atomic.AddInt32(&attempts, 1)
		return models.Transientf("channel unavailable")
	}, WithBackoffBase(time.Millisecond))

	m, err := d.Schedule(validScheduleRequest(time.Now().Add(5 * time.Millisecond)))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.Tick(context.Background())
		got, err := d.Get(m.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status == models.ScheduleStatusFailed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, err := d.Get(m.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.ScheduleStatusFailed {
		t.Fatalf("Expected terminal failure, got %q", got.Status)
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("Expected 3 delivery attempts, got %d", n)
	}
	if got.ErrorMessage != "channel unavailable" {
		t.Errorf("Expected error message recorded, got %q", got.ErrorMessage)
	}
}

func TestDispatcher_PermanentFailureSkipsRetries(t *testing.T) {
	s := newTestStore(t)

	var attempts int32
	d := NewDispatcher(s, func(ctx context.Context, m models.ScheduledMessage) error {
		atomic.AddInt32(&attempts, 1)
		return models.Permanentf("recipient blocked")
	}, WithBackoffBase(time.Millisecond))

	m, err := d.Schedule(validScheduleRequest(time.Now().Add(5 * time.Millisecond)))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	d.Tick(context.Background())
	time.Sleep(10 * time.Millisecond)
	d.Tick(context.Background())

	got, err := d.Get(m.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.ScheduleStatusFailed {
		t.Errorf("Expected terminal failure, got %q", got.Status)
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("Expected 1 delivery attempt for permanent failure, got %d", n)
	}
}

func TestDispatcher_CancelPending(t *testing.T) {
	s := newTestStore(t)

	var attempts int32
	d := NewDispatcher(s, func(ctx context.Context, m models.ScheduledMessage) error {
		atomic.AddInt32(&attempts, 1)
		return nil
	})

	m, err := d.Schedule(validScheduleRequest(time.Now().Add(20 * time.Millisecond)))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := d.Cancel(m.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	d.Tick(context.Background())

	if n := atomic.LoadInt32(&attempts); n != 0 {
		t.Errorf("Expected cancelled message to never dispatch, got %d attempts", n)
	}

	got, err := d.Get(m.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.ScheduleStatusCancelled {
		t.Errorf("Expected status 'cancelled', got %q", got.Status)
	}

	// Terminal states conflict with further cancellation
	if err := d.Cancel(m.ID); !models.IsConflict(err) {
		t.Errorf("Expected conflict on cancelled message, got %v", err)
	}
	if err := d.Cancel("sch_nonexistent"); !models.IsNotFound(err) {
		t.Errorf("Expected not-found error, got %v", err)
	}
}

func TestDispatcher_List(t *testing.T) {
	s := newTestStore(t)
	d := NewDispatcher(s, func(ctx context.Context, m models.ScheduledMessage) error { return nil })

	a, err := d.Schedule(validScheduleRequest(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	reqB := validScheduleRequest(time.Now().Add(2 * time.Hour))
	reqB.UserID = "user-2"
	if _, err := d.Schedule(reqB); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	msgs, err := d.List("user-1", "", "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != a.ID {
		t.Errorf("Expected only user-1 messages, got %d", len(msgs))
	}

	msgs, err = d.List("", "", models.ScheduleStatusPending)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("Expected 2 pending messages, got %d", len(msgs))
	}
}

type captureNotifier struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *captureNotifier) PublishToUser(userID string, ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func TestDispatcher_SentNotification(t *testing.T) {
	s := newTestStore(t)
	notifier := &captureNotifier{}
	d := NewDispatcher(s, func(ctx context.Context, m models.ScheduledMessage) error { return nil },
		WithNotifier(notifier))

	if _, err := d.Schedule(validScheduleRequest(time.Now().Add(5 * time.Millisecond))); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	d.Tick(context.Background())

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.events) != 1 || notifier.events[0].Type != models.EventScheduleSent {
		t.Errorf("Expected one %q event, got %v", models.EventScheduleSent, notifier.events)
	}
}

func TestDispatcher_RecoverStale(t *testing.T) {
	s := newTestStore(t)
	d := NewDispatcher(s, func(ctx context.Context, m models.ScheduledMessage) error { return nil },
		WithStaleThreshold(time.Nanosecond))

	m, err := d.Schedule(validScheduleRequest(time.Now().Add(5 * time.Millisecond)))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	// Claim without completing, simulating a crash mid-dispatch
	if _, err := s.ClaimDueScheduledMessages(time.Now(), 100); err != nil {
		t.Fatalf("ClaimDueScheduledMessages failed: %v", err)
	}

	time.Sleep(time.Millisecond)
	if err := d.RecoverStale(); err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}

	msgs, err := s.ClaimDueScheduledMessages(time.Now(), 100)
	if err != nil {
		t.Fatalf("ClaimDueScheduledMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Errorf("Expected message claimable after recovery, got %d", len(msgs))
	}
}
