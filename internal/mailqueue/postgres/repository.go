// Package postgres provides the PostgreSQL implementation of the queue
// repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/signupdesk/mailroom/internal/mailqueue"
)

const entryColumns = `
	id, recipient_email, recipient_name, subject, body, email_type, status,
	scheduled_at, sent_at, attempt_count, max_attempts, COALESCE(last_error, ''), campaign_id, created_at
`

// Repository implements mailqueue.Repository using PostgreSQL. Every method is
// a single statement (or a single conditional update), so each entry's state
// change is its own isolated unit of work.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL queue repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a new queue entry and fills in the store-assigned fields.
func (r *Repository) Create(ctx context.Context, entry *mailqueue.Entry) error {
	query := `
		INSERT INTO email_queue (
			recipient_email, recipient_name, subject, body, email_type, status,
			scheduled_at, attempt_count, max_attempts, campaign_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query,
		entry.RecipientEmail,
		entry.RecipientName,
		entry.Subject,
		entry.Body,
		entry.EmailType,
		entry.Status,
		entry.ScheduledAt,
		entry.AttemptCount,
		entry.MaxAttempts,
		entry.CampaignID,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

// GetByID retrieves a queue entry by ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*mailqueue.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM email_queue WHERE id = $1`

	entry, err := scanEntry(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, mailqueue.ErrEntryNotFound
		}
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	return entry, nil
}

// FindDue returns pending entries eligible for delivery, oldest schedule first.
func (r *Repository) FindDue(ctx context.Context, now time.Time, limit int) ([]*mailqueue.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM email_queue
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find due entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ClaimPending is the load-bearing conditional write: only one worker's UPDATE
// sees status='pending', so rows-affected tells us who won.
func (r *Repository) ClaimPending(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE email_queue
		SET status = 'processing', claimed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("claim entry: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// CompareAndSetStatus flips status only when the current value matches.
func (r *Repository) CompareAndSetStatus(ctx context.Context, id string, from, to mailqueue.Status) (bool, error) {
	query := `
		UPDATE email_queue
		SET status = $3,
		    scheduled_at = CASE WHEN $3 = 'pending' THEN NOW() ELSE scheduled_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	result, err := r.db.Exec(ctx, query, id, from, to)
	if err != nil {
		return false, fmt.Errorf("compare and set status: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkSent finalizes a claimed entry as sent.
func (r *Repository) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	query := `
		UPDATE email_queue
		SET status = 'sent', sent_at = $2, attempt_count = attempt_count + 1,
		    last_error = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, sentAt)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return mailqueue.ErrEntryNotFound
	}
	return nil
}

// MarkForRetry returns a claimed entry to pending with a new eligible time.
func (r *Repository) MarkForRetry(ctx context.Context, id string, attempts int, lastErr string, nextAttempt time.Time) error {
	query := `
		UPDATE email_queue
		SET status = 'pending', attempt_count = $2, last_error = $3,
		    scheduled_at = $4, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, attempts, lastErr, nextAttempt)
	if err != nil {
		return fmt.Errorf("mark for retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return mailqueue.ErrEntryNotFound
	}
	return nil
}

// MarkFailed finalizes an entry as failed.
func (r *Repository) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	query := `
		UPDATE email_queue
		SET status = 'failed', attempt_count = $2, last_error = $3,
		    claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('processing', 'pending')
	`
	result, err := r.db.Exec(ctx, query, id, attempts, lastErr)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return mailqueue.ErrEntryNotFound
	}
	return nil
}

// RequeueStale returns entries stuck in processing back to pending.
func (r *Repository) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE email_queue
		SET status = 'pending', claimed_at = NULL, updated_at = NOW()
		WHERE status = 'processing' AND claimed_at < NOW() - $1::interval
	`
	result, err := r.db.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("requeue stale entries: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListByStatus returns a page of entries in the given status, oldest first.
func (r *Repository) ListByStatus(ctx context.Context, status mailqueue.Status, limit, offset int) ([]*mailqueue.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM email_queue
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list entries by status: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ListByCampaign returns every entry of a campaign.
func (r *Repository) ListByCampaign(ctx context.Context, campaignID string) ([]*mailqueue.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM email_queue
		WHERE campaign_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list entries by campaign: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// CountByCampaign recounts a campaign's entries grouped by outcome.
func (r *Repository) CountByCampaign(ctx context.Context, campaignID string) (mailqueue.CampaignCounts, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status IN ('pending', 'processing'))
		FROM email_queue
		WHERE campaign_id = $1
	`
	var counts mailqueue.CampaignCounts
	err := r.db.QueryRow(ctx, query, campaignID).Scan(
		&counts.Total,
		&counts.Sent,
		&counts.Failed,
		&counts.Pending,
	)
	if err != nil {
		return mailqueue.CampaignCounts{}, fmt.Errorf("count campaign entries: %w", err)
	}
	return counts, nil
}

// CancelPendingByCampaign cancels every still-pending entry of a campaign.
func (r *Repository) CancelPendingByCampaign(ctx context.Context, campaignID string) (int64, error) {
	query := `
		UPDATE email_queue
		SET status = 'cancelled', updated_at = NOW()
		WHERE campaign_id = $1 AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query, campaignID)
	if err != nil {
		return 0, fmt.Errorf("cancel campaign entries: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetStats returns queue-wide counters.
func (r *Repository) GetStats(ctx context.Context) (*mailqueue.Stats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*) FILTER (WHERE status = 'sent' AND sent_at > NOW() - INTERVAL '24 hours')
		FROM email_queue
	`
	var stats mailqueue.Stats
	err := r.db.QueryRow(ctx, query).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Sent,
		&stats.Failed,
		&stats.Cancelled,
		&stats.TotalSent24,
	)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return &stats, nil
}

func scanEntry(row pgx.Row) (*mailqueue.Entry, error) {
	var entry mailqueue.Entry
	err := row.Scan(
		&entry.ID,
		&entry.RecipientEmail,
		&entry.RecipientName,
		&entry.Subject,
		&entry.Body,
		&entry.EmailType,
		&entry.Status,
		&entry.ScheduledAt,
		&entry.SentAt,
		&entry.AttemptCount,
		&entry.MaxAttempts,
		&entry.LastError,
		&entry.CampaignID,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func scanEntries(rows pgx.Rows) ([]*mailqueue.Entry, error) {
	entries := make([]*mailqueue.Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return entries, nil
}
