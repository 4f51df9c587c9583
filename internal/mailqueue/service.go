package mailqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
)

// EnqueueInput carries the fields callers provide when queueing an email.
type EnqueueInput struct {
	RecipientEmail string    `validate:"required,email"`
	RecipientName  string    `validate:"max=200"`
	Subject        string    `validate:"required,max=500"`
	Body           string    `validate:"required"`
	EmailType      EmailType `validate:"required"`

	// ScheduledAt defaults to now when zero.
	ScheduledAt time.Time

	// MaxAttempts defaults to DefaultMaxAttempts when zero.
	MaxAttempts int

	CampaignID *string
}

// Service is the public queue API consumed by the surrounding application:
// controllers enqueue transactional mail and drive manual retry/cancel, the
// campaign dispatcher fans out through it. All state changes write through to
// the repository; entry state is never cached in memory because the delivery
// worker must observe the latest persisted status.
type Service struct {
	repo     Repository
	validate *validator.Validate
}

// NewService creates a queue service.
func NewService(repo Repository) *Service {
	return &Service{
		repo:     repo,
		validate: validator.New(),
	}
}

// Enqueue validates the input and persists a new pending entry.
func (s *Service) Enqueue(ctx context.Context, input EnqueueInput) (*Entry, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if !input.EmailType.Valid() {
		return nil, fmt.Errorf("%w: unknown email type %q", ErrInvalidInput, input.EmailType)
	}

	now := time.Now()
	scheduledAt := input.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	entry := &Entry{
		RecipientEmail: input.RecipientEmail,
		RecipientName:  input.RecipientName,
		Subject:        input.Subject,
		Body:           input.Body,
		EmailType:      input.EmailType,
		Status:         StatusPending,
		ScheduledAt:    scheduledAt,
		AttemptCount:   0,
		MaxAttempts:    maxAttempts,
		CampaignID:     input.CampaignID,
		CreatedAt:      now,
	}

	if err := s.repo.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("create queue entry: %w", err)
	}

	slog.Debug("email enqueued",
		"entry_id", entry.ID,
		"email_type", entry.EmailType,
		"scheduled_at", entry.ScheduledAt,
	)

	return entry, nil
}

// Retry returns a failed entry to the queue. The attempt count is deliberately
// not reset: a retried entry that already exhausted its budget fails again on
// the next claim unless the caller raised MaxAttempts first.
func (s *Service) Retry(ctx context.Context, id string) (bool, error) {
	ok, err := s.repo.CompareAndSetStatus(ctx, id, StatusFailed, StatusPending)
	if err != nil {
		return false, fmt.Errorf("retry entry: %w", err)
	}
	if ok {
		slog.Info("queue entry retried", "entry_id", id)
	}
	return ok, nil
}

// Cancel cancels a pending entry. Returns false for entries that are already
// claimed or terminal; repeated cancels are a no-op, not an error.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := s.repo.CompareAndSetStatus(ctx, id, StatusPending, StatusCancelled)
	if err != nil {
		return false, fmt.Errorf("cancel entry: %w", err)
	}
	if ok {
		slog.Info("queue entry cancelled", "entry_id", id)
	}
	return ok, nil
}

// GetByID returns a single entry.
func (s *Service) GetByID(ctx context.Context, id string) (*Entry, error) {
	return s.repo.GetByID(ctx, id)
}

// ListByStatus returns a page of entries in the given status.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Entry, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListByStatus(ctx, status, limit, offset)
}

// ListByCampaign returns every entry belonging to a campaign.
func (s *Service) ListByCampaign(ctx context.Context, campaignID string) ([]*Entry, error) {
	return s.repo.ListByCampaign(ctx, campaignID)
}

// GetStats returns queue-wide counters for the admin surface.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	return s.repo.GetStats(ctx)
}
