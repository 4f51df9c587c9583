package mailqueue

import (
	"context"
	"time"
)

// CampaignCounts groups the entries of one campaign by outcome. Pending
// includes entries currently being processed.
type CampaignCounts struct {
	Total   int64
	Sent    int64
	Failed  int64
	Pending int64
}

// Repository defines the persistence contract for queue entries. The store is
// the single source of truth: every state change is written through, and the
// claim operation must be an atomic conditional update so that two workers can
// never take the same entry.
type Repository interface {
	Create(ctx context.Context, entry *Entry) error
	GetByID(ctx context.Context, id string) (*Entry, error)

	// FindDue returns pending entries with scheduled_at <= now, oldest first,
	// up to limit.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*Entry, error)

	// ClaimPending atomically moves an entry pending -> processing. Returns
	// false without error when the entry is no longer pending (another worker
	// won the race, or it was cancelled).
	ClaimPending(ctx context.Context, id string) (bool, error)

	// CompareAndSetStatus flips status from -> to only if the entry is still
	// in from. Returns false when the precondition does not hold.
	CompareAndSetStatus(ctx context.Context, id string, from, to Status) (bool, error)

	// MarkSent finalizes a claimed entry as sent.
	MarkSent(ctx context.Context, id string, sentAt time.Time) error

	// MarkForRetry returns a claimed entry to pending with the given attempt
	// count, failure reason and next eligible time.
	MarkForRetry(ctx context.Context, id string, attempts int, lastErr string, nextAttempt time.Time) error

	// MarkFailed finalizes an entry as failed with the given attempt count and
	// failure reason.
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error

	// RequeueStale returns entries stuck in processing longer than olderThan
	// back to pending. Covers worker crashes mid-send; delivery is
	// at-least-once, so a re-send after a crash between send and MarkSent is
	// acceptable.
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)

	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Entry, error)
	ListByCampaign(ctx context.Context, campaignID string) ([]*Entry, error)
	CountByCampaign(ctx context.Context, campaignID string) (CampaignCounts, error)

	// CancelPendingByCampaign cancels every still-pending entry of a campaign
	// and returns how many were cancelled.
	CancelPendingByCampaign(ctx context.Context, campaignID string) (int64, error)

	GetStats(ctx context.Context) (*Stats, error)
}
