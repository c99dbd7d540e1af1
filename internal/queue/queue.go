// Package queue provides the durable analysis job queue.
//
// Submissions are persisted through a store.JobRepo before any work happens,
// so accepted jobs survive process restarts. A polling loop claims due jobs
// and dispatches them to a small worker pool.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/convomux/convomux/internal/models"
	"github.com/convomux/convomux/internal/store"
)

// Handler executes the work for one analysis kind. It returns the result as
// JSON on success.
type Handler func(ctx context.Context, job store.AnalysisJob) (string, error)

// Notifier receives best-effort job lifecycle events. Satisfied by
// events.Broadcaster.
type Notifier interface {
	PublishToUser(userID string, ev models.Event)
}

// Default tuning values for the queue service.
const (
	DefaultPollInterval   = 2 * time.Second
	DefaultClaimLimit     = 10
	DefaultWorkerCount    = 4
	DefaultBackoffBase    = 30 * time.Second
	DefaultStaleThreshold = 5 * time.Minute
	DefaultRetention      = 24 * time.Hour
)

// Opts holds configuration options for the queue service.
type Opts struct {
	PollInterval   time.Duration
	ClaimLimit     int
	WorkerCount    int
	BackoffBase    time.Duration
	StaleThreshold time.Duration
	Notifier       Notifier
}

// Option defines a functional option for queue configuration.
type Option func(*Opts)

// WithPollInterval sets how often the queue polls for due jobs.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

// WithClaimLimit sets the maximum jobs claimed per poll.
func WithClaimLimit(n int) Option {
	return func(o *Opts) { o.ClaimLimit = n }
}

// WithWorkerCount sets the number of concurrent job executors.
func WithWorkerCount(n int) Option {
	return func(o *Opts) { o.WorkerCount = n }
}

// WithBackoffBase sets the base delay for retry backoff.
func WithBackoffBase(d time.Duration) Option {
	return func(o *Opts) { o.BackoffBase = d }
}

// WithStaleThreshold sets how long a claimed job may sit before crash
// recovery requeues it.
func WithStaleThreshold(d time.Duration) Option {
	return func(o *Opts) { o.StaleThreshold = d }
}

// WithNotifier sets the lifecycle event sink.
func WithNotifier(n Notifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// Queue is the analysis job queue service.
type Queue struct {
	repo     store.JobRepo
	handlers map[models.AnalysisKind]Handler
	mu       sync.RWMutex
	opts     Opts
}

// NewQueue creates a queue service backed by the given repository.
func NewQueue(repo store.JobRepo, opts ...Option) *Queue {
	cfg := Opts{
		PollInterval:   DefaultPollInterval,
		ClaimLimit:     DefaultClaimLimit,
		WorkerCount:    DefaultWorkerCount,
		BackoffBase:    DefaultBackoffBase,
		StaleThreshold: DefaultStaleThreshold,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		repo:     repo,
		handlers: make(map[models.AnalysisKind]Handler),
		opts:     cfg,
	}
}

// RegisterHandler registers the executor for an analysis kind.
func (q *Queue) RegisterHandler(kind models.AnalysisKind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
	slog.Debug("Queue.RegisterHandler", "kind", kind)
}

// Enqueue validates and persists a job submission. It returns the job ID
// without waiting for execution. Duplicate submissions for the same message
// and kind collapse onto the existing non-terminal job.
func (q *Queue) Enqueue(req models.JobRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", models.Permanent(fmt.Errorf("invalid job request: %w", err))
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal job payload failed: %w", err)
	}

	dedupeKey := string(req.Type) + ":" + req.MessageID
	id, err := q.repo.EnqueueJob(string(req.Type), req.MessageID, time.Now(), string(payload), dedupeKey)
	if err != nil {
		return "", fmt.Errorf("enqueue failed: %w", err)
	}
	slog.Info("Queue.Enqueue: job accepted", "id", id, "kind", req.Type, "messageID", req.MessageID)
	return id, nil
}

// Status returns the externally visible state of a job.
func (q *Queue) Status(jobID string) (*models.JobStatusView, error) {
	job, err := q.repo.GetJob(jobID)
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %w", err)
	}
	if job == nil {
		return nil, models.NotFoundf("job %s not found", jobID)
	}

	view := &models.JobStatusView{
		JobID:    job.ID,
		Status:   string(job.Status),
		Progress: job.Progress,
	}
	if job.Delayed(time.Now()) {
		view.Status = "delayed"
	}
	if job.Status == store.JobStatusCompleted && job.ResultJSON != "" {
		view.Result = json.RawMessage(job.ResultJSON)
	}
	if job.Status == store.JobStatusFailed {
		view.Error = job.LastError
	}
	return view, nil
}

// RecoverStale requeues jobs that were claimed when the process crashed.
// Should be called once at startup.
func (q *Queue) RecoverStale() error {
	staleBefore := time.Now().Add(-q.opts.StaleThreshold)
	n, err := q.repo.RequeueStaleActiveJobs(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Queue.RecoverStale: requeued stale jobs", "count", n)
	}
	return nil
}

// Cleanup removes terminal jobs older than the retention window.
func (q *Queue) Cleanup(retention time.Duration) (int, error) {
	return q.repo.DeleteTerminalJobsBefore(time.Now().Add(-retention))
}

// Run starts the polling loop and worker pool. It blocks until the context is
// cancelled.
func (q *Queue) Run(ctx context.Context) {
	slog.Info("Queue.Run: starting", "pollInterval", q.opts.PollInterval, "workers", q.opts.WorkerCount)

	jobs := make(chan store.AnalysisJob)
	var wg sync.WaitGroup
	for i := 0; i < q.opts.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				q.execute(ctx, job)
			}
		}()
	}

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			slog.Info("Queue.Run: stopping")
			return
		case <-ticker.C:
			q.poll(ctx, jobs)
		}
	}
}

func (q *Queue) poll(ctx context.Context, jobs chan<- store.AnalysisJob) {
	claimed, err := q.repo.ClaimDueJobs(time.Now(), q.opts.ClaimLimit)
	if err != nil {
		slog.Error("Queue.poll: claim failed", "error", err)
		return
	}
	for _, job := range claimed {
		select {
		case jobs <- job:
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) execute(ctx context.Context, job store.AnalysisJob) {
	q.mu.RLock()
	handler, ok := q.handlers[models.AnalysisKind(job.Kind)]
	q.mu.RUnlock()

	now := time.Now()
	if !ok {
		slog.Warn("Queue.execute: no handler for job kind", "kind", job.Kind, "id", job.ID)
		nextRun := now.Add(time.Minute)
		if err := q.repo.FailJob(job.ID, "no handler registered for kind: "+job.Kind, nextRun, job.MaxAttempts); err != nil {
			slog.Error("Queue.execute: fail job error", "id", job.ID, "error", err)
		}
		return
	}

	slog.Debug("Queue.execute: running job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempts)
	result, err := handler(ctx, job)
	if err != nil {
		slog.Error("Queue.execute: job failed", "id", job.ID, "kind", job.Kind, "error", err)
		// Only transient failures are retried; everything else fails fast
		maxAttempts := job.MaxAttempts
		if !models.IsTransient(err) {
			maxAttempts = 0
		}
		// Exponential backoff: base, 2x base, 4x base, ...
		backoff := q.opts.BackoffBase * (1 << job.Attempts)
		if ferr := q.repo.FailJob(job.ID, err.Error(), now.Add(backoff), maxAttempts); ferr != nil {
			slog.Error("Queue.execute: fail job error", "id", job.ID, "error", ferr)
		}
		if maxAttempts == 0 || job.Attempts+1 >= job.MaxAttempts {
			q.notify(job, models.EventJobFailed, map[string]any{
				"job_id": job.ID,
				"kind":   job.Kind,
				"error":  err.Error(),
			})
		}
		return
	}

	if err := q.repo.CompleteJob(job.ID, result); err != nil {
		slog.Error("Queue.execute: complete job error", "id", job.ID, "error", err)
		return
	}
	slog.Debug("Queue.execute: job completed", "id", job.ID, "kind", job.Kind)
	data := map[string]any{"job_id": job.ID, "kind": job.Kind}
	if result != "" {
		data["result"] = json.RawMessage(result)
	}
	q.notify(job, models.EventJobCompleted, data)
}

// notify pushes a lifecycle event to the job owner. Best effort only.
func (q *Queue) notify(job store.AnalysisJob, eventType string, data map[string]any) {
	if q.opts.Notifier == nil {
		return
	}
	var req models.JobRequest
	if err := json.Unmarshal([]byte(job.PayloadJSON), &req); err != nil || req.UserID == "" {
		return
	}
	q.opts.Notifier.PublishToUser(req.UserID, models.NewEvent(eventType, data))
}
