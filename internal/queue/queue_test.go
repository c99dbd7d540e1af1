package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/convomux/convomux/internal/models"
	"github.com/convomux/convomux/internal/store"
)

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *store.SQLiteStore) {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "queue_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(tempDir, "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	base := []Option{WithPollInterval(20 * time.Millisecond), WithBackoffBase(10 * time.Millisecond)}
	return NewQueue(s, append(base, opts...)...), s
}

func validJobRequest() models.JobRequest {
	return models.JobRequest{
		Type:      models.AnalysisSentiment,
		UserID:    "user-1",
		MessageID: "msg-1",
		Content:   "thanks, that fixed it!",
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestQueue_EnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t)

	req := validJobRequest()
	req.Content = ""
	if _, err := q.Enqueue(req); err == nil {
		t.Error("Expected error for empty content")
	}

	req = validJobRequest()
	req.Type = "translate"
	if _, err := q.Enqueue(req); err == nil {
		t.Error("Expected error for unknown analysis kind")
	}

	req = validJobRequest()
	req.UserID = ""
	if _, err := q.Enqueue(req); err == nil {
		t.Error("Expected error for missing user")
	}
}

func TestQueue_EnqueueReturnsBeforeExecution(t *testing.T) {
	q, s := newTestQueue(t)

	id, err := q.Enqueue(validJobRequest())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id == "" {
		t.Fatal("Enqueue returned empty job ID")
	}

	// No runner started: the job must be durably waiting
	job, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job == nil || job.Status != store.JobStatusWaiting {
		t.Errorf("Expected persisted waiting job, got %+v", job)
	}
}

func TestQueue_DuplicateSubmissionsCollapse(t *testing.T) {
	q, _ := newTestQueue(t)

	var executions int32
	q.RegisterHandler(models.AnalysisSentiment, func(ctx context.Context, job store.AnalysisJob) (string, error) {
		atomic.AddInt32(&executions, 1)
		return `{"sentiment":"positive"}`, nil
	})

	var ids []string
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := q.Enqueue(validJobRequest())
			if err != nil {
				t.Errorf("Enqueue failed: %v", err)
				return
			}
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&executions) >= 1
	})
	// Give a duplicated job time to run if one slipped through
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&executions); n != 1 {
		t.Errorf("Expected exactly 1 execution for duplicate submissions, got %d", n)
	}

	first := ids[0]
	for _, id := range ids[1:] {
		if id != first {
			t.Errorf("Expected all submissions to share one job ID, got %q and %q", first, id)
		}
	}
}

func TestQueue_ExecuteAndStatus(t *testing.T) {
	q, _ := newTestQueue(t)

	q.RegisterHandler(models.AnalysisSentiment, func(ctx context.Context, job store.AnalysisJob) (string, error) {
		return `{"sentiment":"positive","confidence":0.9}`, nil
	})

	id, err := q.Enqueue(validJobRequest())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	waitFor(t, 2*time.Second, func() bool {
		view, err := q.Status(id)
		return err == nil && view.Status == "completed"
	})

	view, err := q.Status(id)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if view.Progress != 100 {
		t.Errorf("Expected progress 100, got %d", view.Progress)
	}
	if string(view.Result) != `{"sentiment":"positive","confidence":0.9}` {
		t.Errorf("Expected result JSON, got %q", view.Result)
	}
}

func TestQueue_StatusUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Status("job_nonexistent")
	if !models.IsNotFound(err) {
		t.Errorf("Expected not-found error, got %v", err)
	}
}

func TestQueue_RetryThenFail(t *testing.T) {
	q, _ := newTestQueue(t)

	var attempts int32
	q.RegisterHandler(models.AnalysisSentiment, func(ctx context.Context, job store.AnalysisJob) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "", models.Transientf("model unavailable")
	})

	id, err := q.Enqueue(validJobRequest())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	waitFor(t, 5*time.Second, func() bool {
		view, err := q.Status(id)
		return err == nil && view.Status == "failed"
	})

	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("Expected 3 attempts before terminal failure, got %d", n)
	}
	view, err := q.Status(id)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if view.Error != "transient: model unavailable" {
		t.Errorf("Expected last error surfaced, got %q", view.Error)
	}
}

func TestQueue_PermanentErrorFailsFast(t *testing.T) {
	q, s := newTestQueue(t)

	var attempts int32
	q.RegisterHandler(models.AnalysisSentiment, func(ctx context.Context, job store.AnalysisJob) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "", models.Permanentf("validation rejected")
	})

	id, err := q.Enqueue(validJobRequest())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	waitFor(t, 2*time.Second, func() bool {
		view, err := q.Status(id)
		return err == nil && view.Status == "failed"
	})
	// Give a retry time to run if one was scheduled
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("Expected exactly 1 attempt for a permanent error, got %d", n)
	}

	job, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Attempts != 1 {
		t.Errorf("Expected 1 recorded attempt, got %d", job.Attempts)
	}
}

func TestQueue_UnclassifiedErrorFailsFast(t *testing.T) {
	q, _ := newTestQueue(t)

	var attempts int32
	q.RegisterHandler(models.AnalysisSentiment, func(ctx context.Context, job store.AnalysisJob) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "", errors.New("panic in parser")
	})

	id, err := q.Enqueue(validJobRequest())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	waitFor(t, 2*time.Second, func() bool {
		view, err := q.Status(id)
		return err == nil && view.Status == "failed"
	})
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("Expected exactly 1 attempt for an unclassified error, got %d", n)
	}
}

func TestQueue_DelayedStatusBetweenRetries(t *testing.T) {
	q, s := newTestQueue(t)

	id, err := q.Enqueue(validJobRequest())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	// Simulate one failed attempt with a future retry time
	if _, err := s.ClaimDueJobs(time.Now(), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if err := s.FailJob(id, "rate limited", time.Now().Add(time.Hour), 3); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}

	view, err := q.Status(id)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if view.Status != "delayed" {
		t.Errorf("Expected status 'delayed' while awaiting retry, got %q", view.Status)
	}
}

type captureNotifier struct {
	mu     sync.Mutex
	events []models.Event
	users  []string
}

func (c *captureNotifier) PublishToUser(userID string, ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = append(c.users, userID)
	c.events = append(c.events, ev)
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestQueue_CompletionNotification(t *testing.T) {
	notifier := &captureNotifier{}
	q, _ := newTestQueue(t, WithNotifier(notifier))

	q.RegisterHandler(models.AnalysisCategorize, func(ctx context.Context, job store.AnalysisJob) (string, error) {
		return `{"category":"support"}`, nil
	})

	req := validJobRequest()
	req.Type = models.AnalysisCategorize
	if _, err := q.Enqueue(req); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return notifier.count() >= 1 })

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.users[0] != "user-1" {
		t.Errorf("Expected event for user-1, got %q", notifier.users[0])
	}
	if notifier.events[0].Type != models.EventJobCompleted {
		t.Errorf("Expected %q event, got %q", models.EventJobCompleted, notifier.events[0].Type)
	}
}

func TestQueue_RecoverStale(t *testing.T) {
	q, s := newTestQueue(t, WithStaleThreshold(time.Nanosecond))

	id, err := q.Enqueue(validJobRequest())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := s.ClaimDueJobs(time.Now(), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}

	time.Sleep(time.Millisecond)
	if err := q.RecoverStale(); err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}

	job, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != store.JobStatusWaiting {
		t.Errorf("Expected job requeued to waiting, got %q", job.Status)
	}
}

func TestQueue_Cleanup(t *testing.T) {
	q, s := newTestQueue(t)

	id, err := q.Enqueue(validJobRequest())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := s.CompleteJob(id, `{}`); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	n, err := q.Cleanup(-time.Hour)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 cleaned job, got %d", n)
	}
}
