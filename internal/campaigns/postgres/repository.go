// Package postgres provides the PostgreSQL implementation of the campaigns
// repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/signupdesk/mailroom/internal/campaigns"
)

const campaignColumns = `
	id, name, subject, body, campaign_type, status, target_audience,
	scheduled_at, sent_at, total_recipients, emails_sent, emails_failed,
	emails_pending, priority, max_retry_attempts, created_at, updated_at
`

// Repository implements campaigns.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL campaigns repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a new campaign and fills in the store-assigned fields.
func (r *Repository) Create(ctx context.Context, campaign *campaigns.Campaign) error {
	query := `
		INSERT INTO email_campaigns (
			name, subject, body, campaign_type, status, target_audience,
			priority, max_retry_attempts
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		campaign.Name,
		campaign.Subject,
		campaign.Body,
		campaign.CampaignType,
		campaign.Status,
		campaign.TargetAudience,
		campaign.Priority,
		campaign.MaxRetryAttempts,
	).Scan(&campaign.ID, &campaign.CreatedAt, &campaign.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// GetByID retrieves a campaign by ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*campaigns.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM email_campaigns WHERE id = $1`

	campaign, err := scanCampaign(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, campaigns.ErrCampaignNotFound
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return campaign, nil
}

// List returns a page of campaigns, newest first.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]*campaigns.Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM email_campaigns
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	return scanCampaigns(rows)
}

// BeginDispatch flips a sendable campaign to sending; the conditional update
// makes fan-out idempotent at the campaign level.
func (r *Repository) BeginDispatch(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE email_campaigns
		SET status = 'sending', updated_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'scheduled')
	`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("begin dispatch: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// CompareAndSetStatus flips status only when the current value matches.
func (r *Repository) CompareAndSetStatus(ctx context.Context, id string, from, to campaigns.Status) (bool, error) {
	query := `
		UPDATE email_campaigns
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	result, err := r.db.Exec(ctx, query, id, from, to)
	if err != nil {
		return false, fmt.Errorf("compare and set campaign status: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// Schedule marks a draft or scheduled campaign as scheduled for when.
func (r *Repository) Schedule(ctx context.Context, id string, when time.Time) (bool, error) {
	query := `
		UPDATE email_campaigns
		SET status = 'scheduled', scheduled_at = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'scheduled')
	`
	result, err := r.db.Exec(ctx, query, id, when)
	if err != nil {
		return false, fmt.Errorf("schedule campaign: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// SetTotalRecipients records the fan-out size.
func (r *Repository) SetTotalRecipients(ctx context.Context, id string, total int) error {
	query := `
		UPDATE email_campaigns
		SET total_recipients = $2, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, total)
	if err != nil {
		return fmt.Errorf("set total recipients: %w", err)
	}
	if result.RowsAffected() == 0 {
		return campaigns.ErrCampaignNotFound
	}
	return nil
}

// UpdateStats overwrites the derived counters, and flips a complete sending
// campaign to sent in the same statement.
func (r *Repository) UpdateStats(ctx context.Context, id string, update campaigns.StatsUpdate) error {
	query := `
		UPDATE email_campaigns
		SET emails_sent = $2,
		    emails_failed = $3,
		    emails_pending = $4,
		    status = CASE WHEN $5 AND status = 'sending' THEN 'sent' ELSE status END,
		    sent_at = CASE WHEN $5 AND status = 'sending' THEN NOW() ELSE sent_at END,
		    updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id,
		update.EmailsSent,
		update.EmailsFailed,
		update.EmailsPending,
		update.Complete,
	)
	if err != nil {
		return fmt.Errorf("update campaign stats: %w", err)
	}
	if result.RowsAffected() == 0 {
		return campaigns.ErrCampaignNotFound
	}
	return nil
}

// FindDue returns scheduled campaigns whose time has passed, highest priority
// first, oldest schedule breaking ties.
func (r *Repository) FindDue(ctx context.Context, now time.Time) ([]*campaigns.Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM email_campaigns
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY priority ASC, scheduled_at ASC
	`
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("find due campaigns: %w", err)
	}
	defer rows.Close()

	return scanCampaigns(rows)
}

func scanCampaign(row pgx.Row) (*campaigns.Campaign, error) {
	var campaign campaigns.Campaign
	err := row.Scan(
		&campaign.ID,
		&campaign.Name,
		&campaign.Subject,
		&campaign.Body,
		&campaign.CampaignType,
		&campaign.Status,
		&campaign.TargetAudience,
		&campaign.ScheduledAt,
		&campaign.SentAt,
		&campaign.TotalRecipients,
		&campaign.EmailsSent,
		&campaign.EmailsFailed,
		&campaign.EmailsPending,
		&campaign.Priority,
		&campaign.MaxRetryAttempts,
		&campaign.CreatedAt,
		&campaign.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &campaign, nil
}

func scanCampaigns(rows pgx.Rows) ([]*campaigns.Campaign, error) {
	result := make([]*campaigns.Campaign, 0)
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		result = append(result, campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate campaigns: %w", err)
	}
	return result, nil
}
