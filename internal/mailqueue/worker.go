package mailqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// WorkerConfig contains delivery worker configuration.
type WorkerConfig struct {
	BatchSize         int
	PollInterval      time.Duration
	SendTimeout       time.Duration
	RetryDelay        time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	NumWorkers        int
	StaleAfter        time.Duration
}

// DefaultWorkerConfig returns default worker configuration. The multiplier of
// 1.0 gives a fixed retry delay; raising it switches to exponential backoff
// capped at MaxBackoff.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:         100,
		PollInterval:      30 * time.Second,
		SendTimeout:       30 * time.Second,
		RetryDelay:        5 * time.Minute,
		MaxBackoff:        1 * time.Hour,
		BackoffMultiplier: 1.0,
		NumWorkers:        5,
		StaleAfter:        15 * time.Minute,
	}
}

// CampaignObserver is told which campaigns had entries reach an outcome during
// a tick, so campaign statistics can be recomputed.
type CampaignObserver interface {
	CampaignEntriesProcessed(ctx context.Context, campaignIDs []string)
}

// Worker is the periodic job that turns pending entries into sent or failed.
// Each tick it claims due entries with an atomic conditional update and hands
// them to a bounded pool of senders, so concurrent worker instances never
// double-send and one entry's failure cannot touch another entry's outcome.
type Worker struct {
	config    WorkerConfig
	repo      Repository
	transport Transport
	observer  CampaignObserver

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a delivery worker. observer may be nil.
func NewWorker(config WorkerConfig, repo Repository, transport Transport, observer CampaignObserver) *Worker {
	return &Worker{
		config:    config,
		repo:      repo,
		transport: transport,
		observer:  observer,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the poll loop.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting delivery worker",
		"workers", w.config.NumWorkers,
		"batch_size", w.config.BatchSize,
		"poll_interval", w.config.PollInterval,
	)

	w.wg.Add(1)
	go w.run(ctx)
}

// Stop waits for the current tick to finish and stops the loop.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("delivery worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one delivery pass. Errors in the poll step itself are logged and
// surfaced as worker-health metrics, never propagated: the next tick retries
// from the unchanged persisted state.
func (w *Worker) Tick(ctx context.Context) {
	if w.config.StaleAfter > 0 {
		if n, err := w.repo.RequeueStale(ctx, w.config.StaleAfter); err != nil {
			slog.Error("failed to requeue stale entries", "error", err)
		} else if n > 0 {
			slog.Warn("requeued stale processing entries", "count", n)
		}
	}

	entries, err := w.repo.FindDue(ctx, time.Now(), w.config.BatchSize)
	if err != nil {
		slog.Error("failed to fetch due entries", "error", err)
		recordTickError()
		return
	}

	if len(entries) == 0 {
		return
	}

	slog.Debug("processing due entries", "count", len(entries))
	recordQueueFetched(len(entries))

	touched := w.processAll(ctx, entries)

	if w.observer != nil && len(touched) > 0 {
		campaignIDs := make([]string, 0, len(touched))
		for id := range touched {
			campaignIDs = append(campaignIDs, id)
		}
		w.observer.CampaignEntriesProcessed(ctx, campaignIDs)
	}
}

// processAll fans entries out to a bounded pool and returns the set of
// campaign IDs whose entries reached an outcome.
func (w *Worker) processAll(ctx context.Context, entries []*Entry) map[string]struct{} {
	numWorkers := w.config.NumWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}

	jobs := make(chan *Entry)

	var mu sync.Mutex
	touched := make(map[string]struct{})

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range jobs {
				w.processEntry(ctx, entry)
				if entry.CampaignID != nil {
					mu.Lock()
					touched[*entry.CampaignID] = struct{}{}
					mu.Unlock()
				}
			}
		}()
	}

	for _, entry := range entries {
		jobs <- entry
	}
	close(jobs)
	wg.Wait()

	return touched
}

// processEntry handles one entry end to end. Nothing escapes this boundary: a
// panic or unexpected error marks the entry failed and the tick moves on.
func (w *Worker) processEntry(ctx context.Context, entry *Entry) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while processing entry", "entry_id", entry.ID, "panic", r)
			attempts := entry.AttemptCount + 1
			if attempts > entry.MaxAttempts {
				attempts = entry.MaxAttempts
			}
			if err := w.repo.MarkFailed(ctx, entry.ID, attempts, fmt.Sprintf("panic: %v", r)); err != nil {
				slog.Error("failed to mark entry failed after panic", "entry_id", entry.ID, "error", err)
			}
			recordEmailProcessed(string(entry.EmailType), "failed")
		}
	}()

	claimed, err := w.repo.ClaimPending(ctx, entry.ID)
	if err != nil {
		// Store failure before any state change: leave the entry for the next tick.
		slog.Error("failed to claim entry", "entry_id", entry.ID, "error", err)
		recordTickError()
		return
	}
	if !claimed {
		// Normal race: another worker took it, or it was cancelled.
		slog.Debug("claim lost", "entry_id", entry.ID)
		recordEmailProcessed(string(entry.EmailType), "claim_lost")
		return
	}

	// Reload after the claim: the batch snapshot may predate a concurrent
	// instance's MarkForRetry, and attempt_count must be current before the
	// budget check below.
	fresh, err := w.repo.GetByID(ctx, entry.ID)
	if err != nil {
		// The claim stays in place; the stale requeue recovers it next tick.
		slog.Error("failed to reload claimed entry", "entry_id", entry.ID, "error", err)
		recordTickError()
		return
	}
	entry = fresh

	// A manually retried entry keeps its attempt count, so it can arrive here
	// with the budget already spent. Fail it without touching the transport:
	// attempt_count never goes past max_attempts.
	if entry.AttemptCount >= entry.MaxAttempts {
		if err := w.repo.MarkFailed(ctx, entry.ID, entry.AttemptCount, "retry attempts exhausted"); err != nil {
			slog.Error("failed to mark entry failed", "entry_id", entry.ID, "error", err)
		}
		recordEmailProcessed(string(entry.EmailType), "failed")
		return
	}

	start := time.Now()

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	err = w.transport.Send(sendCtx, Message{
		ToEmail: entry.RecipientEmail,
		ToName:  entry.RecipientName,
		Subject: entry.Subject,
		Body:    entry.Body,
	})
	cancel()

	duration := time.Since(start)

	if err != nil {
		w.handleSendError(ctx, entry, err)
		return
	}

	if err := w.repo.MarkSent(ctx, entry.ID, time.Now()); err != nil {
		slog.Error("failed to mark entry sent", "entry_id", entry.ID, "error", err)
		return
	}

	recordEmailProcessed(string(entry.EmailType), "sent")
	recordSendDuration(string(entry.EmailType), duration)

	slog.Debug("email sent",
		"entry_id", entry.ID,
		"email_type", entry.EmailType,
		"duration", duration,
	)
}

func (w *Worker) handleSendError(ctx context.Context, entry *Entry, err error) {
	attempts := entry.AttemptCount + 1

	slog.Warn("send failed",
		"entry_id", entry.ID,
		"attempt", attempts,
		"max_attempts", entry.MaxAttempts,
		"error", err,
	)

	// Permanent failures skip the remaining retry budget.
	if !isRetryable(err) {
		if markErr := w.repo.MarkFailed(ctx, entry.ID, attempts, err.Error()); markErr != nil {
			slog.Error("failed to mark entry failed", "entry_id", entry.ID, "error", markErr)
		}
		recordEmailProcessed(string(entry.EmailType), "failed")
		return
	}

	if attempts >= entry.MaxAttempts {
		if markErr := w.repo.MarkFailed(ctx, entry.ID, attempts, err.Error()); markErr != nil {
			slog.Error("failed to mark entry failed", "entry_id", entry.ID, "error", markErr)
		}
		recordEmailProcessed(string(entry.EmailType), "failed")
		return
	}

	nextAttempt := w.nextAttemptAt(attempts)
	if markErr := w.repo.MarkForRetry(ctx, entry.ID, attempts, err.Error(), nextAttempt); markErr != nil {
		slog.Error("failed to mark entry for retry", "entry_id", entry.ID, "error", markErr)
	}
	recordEmailProcessed(string(entry.EmailType), "retry")

	slog.Info("entry scheduled for retry",
		"entry_id", entry.ID,
		"attempt", attempts,
		"next_attempt", nextAttempt,
	)
}

// nextAttemptAt computes when a failed entry becomes eligible again. attempt is
// the count just recorded, so the first retry waits RetryDelay.
func (w *Worker) nextAttemptAt(attempt int) time.Time {
	backoff := float64(w.config.RetryDelay)
	multiplier := w.config.BackoffMultiplier
	if multiplier < 1.0 {
		multiplier = 1.0
	}
	for i := 1; i < attempt; i++ {
		backoff *= multiplier
	}

	if w.config.MaxBackoff > 0 && backoff > float64(w.config.MaxBackoff) {
		backoff = float64(w.config.MaxBackoff)
	}

	return time.Now().Add(time.Duration(backoff))
}

// isRetryable checks if an error may succeed on a later attempt. Errors that
// do not say otherwise are treated as transient.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}
	return true
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable (transient) error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewPermanentError creates a non-retryable error.
func NewPermanentError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}
