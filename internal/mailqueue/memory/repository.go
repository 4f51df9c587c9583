// Package memory provides a mutex-guarded in-memory implementation of the
// queue repository. It backs unit tests and small single-process deployments
// that do not need a durable store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signupdesk/mailroom/internal/mailqueue"
)

// Repository implements mailqueue.Repository in memory. The claim operation is
// a compare-and-set under the lock, equivalent to the conditional UPDATE the
// postgres implementation uses.
type Repository struct {
	mu      sync.Mutex
	entries map[string]*mailqueue.Entry
	claimed map[string]time.Time // processing entries by claim time
}

// NewRepository creates an empty in-memory repository.
func NewRepository() *Repository {
	return &Repository{
		entries: make(map[string]*mailqueue.Entry),
		claimed: make(map[string]time.Time),
	}
}

func (r *Repository) Create(_ context.Context, entry *mailqueue.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	stored := *entry
	r.entries[entry.ID] = &stored
	return nil
}

func (r *Repository) GetByID(_ context.Context, id string) (*mailqueue.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, mailqueue.ErrEntryNotFound
	}
	copied := *entry
	return &copied, nil
}

func (r *Repository) FindDue(_ context.Context, now time.Time, limit int) ([]*mailqueue.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := make([]*mailqueue.Entry, 0)
	for _, entry := range r.entries {
		if entry.Status == mailqueue.StatusPending && !entry.ScheduledAt.After(now) {
			copied := *entry
			due = append(due, &copied)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *Repository) ClaimPending(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok || entry.Status != mailqueue.StatusPending {
		return false, nil
	}
	entry.Status = mailqueue.StatusProcessing
	r.claimed[id] = time.Now()
	return true, nil
}

func (r *Repository) CompareAndSetStatus(_ context.Context, id string, from, to mailqueue.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok || entry.Status != from {
		return false, nil
	}
	entry.Status = to
	if to == mailqueue.StatusPending {
		// Manual retry: eligible immediately.
		entry.ScheduledAt = time.Now()
	}
	return true, nil
}

func (r *Repository) MarkSent(_ context.Context, id string, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return mailqueue.ErrEntryNotFound
	}
	entry.Status = mailqueue.StatusSent
	entry.SentAt = &sentAt
	entry.AttemptCount++
	entry.LastError = ""
	delete(r.claimed, id)
	return nil
}

func (r *Repository) MarkForRetry(_ context.Context, id string, attempts int, lastErr string, nextAttempt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return mailqueue.ErrEntryNotFound
	}
	entry.Status = mailqueue.StatusPending
	entry.AttemptCount = attempts
	entry.LastError = lastErr
	entry.ScheduledAt = nextAttempt
	delete(r.claimed, id)
	return nil
}

func (r *Repository) MarkFailed(_ context.Context, id string, attempts int, lastErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return mailqueue.ErrEntryNotFound
	}
	entry.Status = mailqueue.StatusFailed
	entry.AttemptCount = attempts
	entry.LastError = lastErr
	delete(r.claimed, id)
	return nil
}

func (r *Repository) RequeueStale(_ context.Context, olderThan time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var requeued int64
	for id, claimedAt := range r.claimed {
		if claimedAt.After(cutoff) {
			continue
		}
		entry, ok := r.entries[id]
		if !ok || entry.Status != mailqueue.StatusProcessing {
			delete(r.claimed, id)
			continue
		}
		entry.Status = mailqueue.StatusPending
		delete(r.claimed, id)
		requeued++
	}
	return requeued, nil
}

func (r *Repository) ListByStatus(_ context.Context, status mailqueue.Status, limit, offset int) ([]*mailqueue.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]*mailqueue.Entry, 0)
	for _, entry := range r.entries {
		if entry.Status == status {
			copied := *entry
			matched = append(matched, &copied)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return []*mailqueue.Entry{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (r *Repository) ListByCampaign(_ context.Context, campaignID string) ([]*mailqueue.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]*mailqueue.Entry, 0)
	for _, entry := range r.entries {
		if entry.CampaignID != nil && *entry.CampaignID == campaignID {
			copied := *entry
			matched = append(matched, &copied)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched, nil
}

func (r *Repository) CountByCampaign(_ context.Context, campaignID string) (mailqueue.CampaignCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var counts mailqueue.CampaignCounts
	for _, entry := range r.entries {
		if entry.CampaignID == nil || *entry.CampaignID != campaignID {
			continue
		}
		counts.Total++
		switch entry.Status {
		case mailqueue.StatusSent:
			counts.Sent++
		case mailqueue.StatusFailed:
			counts.Failed++
		case mailqueue.StatusPending, mailqueue.StatusProcessing:
			counts.Pending++
		}
	}
	return counts, nil
}

func (r *Repository) CancelPendingByCampaign(_ context.Context, campaignID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cancelled int64
	for _, entry := range r.entries {
		if entry.CampaignID != nil && *entry.CampaignID == campaignID && entry.Status == mailqueue.StatusPending {
			entry.Status = mailqueue.StatusCancelled
			cancelled++
		}
	}
	return cancelled, nil
}

func (r *Repository) GetStats(_ context.Context) (*mailqueue.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &mailqueue.Stats{}
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, entry := range r.entries {
		switch entry.Status {
		case mailqueue.StatusPending:
			stats.Pending++
		case mailqueue.StatusProcessing:
			stats.Processing++
		case mailqueue.StatusSent:
			stats.Sent++
			if entry.SentAt != nil && entry.SentAt.After(cutoff) {
				stats.TotalSent24++
			}
		case mailqueue.StatusFailed:
			stats.Failed++
		case mailqueue.StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}
