package campaigns

import (
	"context"
	"time"
)

// StatsUpdate carries recomputed campaign counters.
type StatsUpdate struct {
	TotalRecipients int
	EmailsSent      int
	EmailsFailed    int
	EmailsPending   int

	// Complete flips the campaign to sent (with sent_at) when it is still in
	// sending; the repository ignores the flag otherwise.
	Complete bool
}

// Repository defines the persistence contract for campaigns.
type Repository interface {
	Create(ctx context.Context, campaign *Campaign) error
	GetByID(ctx context.Context, id string) (*Campaign, error)
	List(ctx context.Context, limit, offset int) ([]*Campaign, error)

	// BeginDispatch atomically flips a sendable campaign (draft or scheduled)
	// to sending. Returns false when the campaign already left that state;
	// this is the fan-out idempotence guard.
	BeginDispatch(ctx context.Context, id string) (bool, error)

	// CompareAndSetStatus flips status only if the current value matches.
	CompareAndSetStatus(ctx context.Context, id string, from, to Status) (bool, error)

	// Schedule marks a draft or scheduled campaign as scheduled for the given
	// time. Returns false when the campaign is not in a schedulable state.
	Schedule(ctx context.Context, id string, when time.Time) (bool, error)

	// SetTotalRecipients records the fan-out size after dispatch.
	SetTotalRecipients(ctx context.Context, id string, total int) error

	// UpdateStats overwrites the derived counters with a fresh recount.
	UpdateStats(ctx context.Context, id string, update StatsUpdate) error

	// FindDue returns scheduled campaigns whose scheduled_at has passed,
	// highest priority first.
	FindDue(ctx context.Context, now time.Time) ([]*Campaign, error)
}
