package campaigns

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/signupdesk/mailroom/internal/mailqueue"
)

// Recipient is one resolved audience member.
type Recipient struct {
	Email string
	Name  string
}

// AudienceResolver turns an audience selector into concrete recipients. The
// registration store implements this; the dispatcher only sees the interface.
type AudienceResolver interface {
	ResolveAudience(ctx context.Context, audience Audience) ([]Recipient, error)
}

// CreateInput carries the fields for a new campaign.
type CreateInput struct {
	Name             string   `validate:"required,max=200"`
	Subject          string   `validate:"required,max=500"`
	Body             string   `validate:"required"`
	CampaignType     string   `validate:"max=100"`
	TargetAudience   Audience `validate:"required"`
	Priority         int
	MaxRetryAttempts int
}

// Dispatcher owns the campaign lifecycle: create, schedule, fan out into
// queue entries and keep aggregate statistics in step with entry outcomes.
type Dispatcher struct {
	repo     Repository
	queue    *mailqueue.Service
	entries  mailqueue.Repository
	resolver AudienceResolver
	renderer *Renderer
	validate *validator.Validate
}

// NewDispatcher creates a campaign dispatcher.
func NewDispatcher(repo Repository, queue *mailqueue.Service, entries mailqueue.Repository, resolver AudienceResolver) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		queue:    queue,
		entries:  entries,
		resolver: resolver,
		renderer: NewRenderer(),
		validate: validator.New(),
	}
}

// CreateCampaign validates the input and persists a new draft.
func (d *Dispatcher) CreateCampaign(ctx context.Context, input CreateInput) (*Campaign, error) {
	if err := d.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCampaign, err)
	}
	if !input.TargetAudience.Valid() {
		return nil, fmt.Errorf("%w: unknown audience %q", ErrInvalidCampaign, input.TargetAudience)
	}

	priority := input.Priority
	if priority < MinPriority || priority > MaxPriority {
		priority = DefaultPriority
	}
	maxAttempts := input.MaxRetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	campaign := &Campaign{
		Name:             input.Name,
		Subject:          input.Subject,
		Body:             input.Body,
		CampaignType:     input.CampaignType,
		Status:           StatusDraft,
		TargetAudience:   input.TargetAudience,
		Priority:         priority,
		MaxRetryAttempts: maxAttempts,
	}

	if err := d.repo.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	slog.Info("campaign created", "campaign_id", campaign.ID, "name", campaign.Name)
	return campaign, nil
}

// GetCampaign returns a single campaign.
func (d *Dispatcher) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	return d.repo.GetByID(ctx, id)
}

// ListCampaigns returns a page of campaigns.
func (d *Dispatcher) ListCampaigns(ctx context.Context, limit, offset int) ([]*Campaign, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return d.repo.List(ctx, limit, offset)
}

// ScheduleCampaign marks a campaign for dispatch at the given time. The
// scheduler's poll loop picks it up once the time has passed.
func (d *Dispatcher) ScheduleCampaign(ctx context.Context, id string, when time.Time) error {
	ok, err := d.repo.Schedule(ctx, id, when)
	if err != nil {
		return fmt.Errorf("schedule campaign: %w", err)
	}
	if !ok {
		if _, getErr := d.repo.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return ErrNotSendable
	}

	slog.Info("campaign scheduled", "campaign_id", id, "scheduled_at", when)
	return nil
}

// SendCampaign dispatches a campaign immediately: it flips the campaign to
// sending (rejecting anything not draft/scheduled, so a second call fans out
// nothing), resolves the audience and creates one queue entry per recipient.
func (d *Dispatcher) SendCampaign(ctx context.Context, id string) error {
	campaign, err := d.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	ok, err := d.repo.BeginDispatch(ctx, id)
	if err != nil {
		return fmt.Errorf("begin dispatch: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: status is %s", ErrNotSendable, campaign.Status)
	}

	recipients, err := d.resolver.ResolveAudience(ctx, campaign.TargetAudience)
	if err != nil {
		d.markFailed(ctx, id)
		return fmt.Errorf("resolve audience %q: %w", campaign.TargetAudience, err)
	}
	if len(recipients) == 0 {
		d.markFailed(ctx, id)
		return fmt.Errorf("%w: audience %q", ErrNoRecipients, campaign.TargetAudience)
	}

	queued := d.fanOut(ctx, campaign, recipients)

	if err := d.repo.SetTotalRecipients(ctx, id, len(recipients)); err != nil {
		return fmt.Errorf("set total recipients: %w", err)
	}

	recordFanOut(string(campaign.TargetAudience), queued)
	slog.Info("campaign dispatched",
		"campaign_id", id,
		"recipients", len(recipients),
		"queued", queued,
	)

	return d.RefreshStats(ctx, id)
}

// fanOut creates one queue entry per recipient. Individual enqueue failures
// are logged and skipped; the recount in RefreshStats keeps the counters
// truthful either way.
func (d *Dispatcher) fanOut(ctx context.Context, campaign *Campaign, recipients []Recipient) int {
	queued := 0
	for _, recipient := range recipients {
		subject, body := d.renderer.Personalize(campaign.Subject, campaign.Body, recipient)

		_, err := d.queue.Enqueue(ctx, mailqueue.EnqueueInput{
			RecipientEmail: recipient.Email,
			RecipientName:  recipient.Name,
			Subject:        subject,
			Body:           body,
			EmailType:      mailqueue.TypeCampaign,
			MaxAttempts:    campaign.MaxRetryAttempts,
			CampaignID:     &campaign.ID,
		})
		if err != nil {
			slog.Warn("failed to enqueue campaign email",
				"campaign_id", campaign.ID,
				"recipient", recipient.Email,
				"error", err,
			)
			continue
		}
		queued++
	}
	return queued
}

// CancelCampaign cancels a campaign and best-effort cancels its still-pending
// entries. Entries already sent or failed keep their outcome; entries claimed
// mid-send finish their in-flight attempt.
func (d *Dispatcher) CancelCampaign(ctx context.Context, id string) error {
	campaign, err := d.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if campaign.Status == StatusSent || campaign.Status == StatusCancelled {
		return fmt.Errorf("%w: status is %s", ErrNotSendable, campaign.Status)
	}

	ok, err := d.repo.CompareAndSetStatus(ctx, id, campaign.Status, StatusCancelled)
	if err != nil {
		return fmt.Errorf("cancel campaign: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: campaign changed state concurrently", ErrNotSendable)
	}

	cancelled, err := d.entries.CancelPendingByCampaign(ctx, id)
	if err != nil {
		slog.Error("failed to cancel campaign entries", "campaign_id", id, "error", err)
	} else if cancelled > 0 {
		slog.Info("campaign entries cancelled", "campaign_id", id, "count", cancelled)
	}

	return d.RefreshStats(ctx, id)
}

// PauseCampaign marks a sending campaign as paused. The flag is an operator
// signal; already-queued entries keep delivering, but stats stop flipping the
// campaign to sent until it is resumed.
func (d *Dispatcher) PauseCampaign(ctx context.Context, id string) error {
	ok, err := d.repo.CompareAndSetStatus(ctx, id, StatusSending, StatusPaused)
	if err != nil {
		return fmt.Errorf("pause campaign: %w", err)
	}
	if !ok {
		if _, getErr := d.repo.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return ErrNotSendable
	}
	slog.Info("campaign paused", "campaign_id", id)
	return nil
}

// ResumeCampaign returns a paused campaign to sending.
func (d *Dispatcher) ResumeCampaign(ctx context.Context, id string) error {
	ok, err := d.repo.CompareAndSetStatus(ctx, id, StatusPaused, StatusSending)
	if err != nil {
		return fmt.Errorf("resume campaign: %w", err)
	}
	if !ok {
		if _, getErr := d.repo.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return ErrNotPaused
	}
	slog.Info("campaign resumed", "campaign_id", id)
	return d.RefreshStats(ctx, id)
}

// RefreshStats recomputes a campaign's counters from its queue entries. The
// counters are a cache, never a second source of truth: each refresh is a full
// recount, and the campaign flips to sent once nothing is pending and at least
// one recipient was targeted.
func (d *Dispatcher) RefreshStats(ctx context.Context, id string) error {
	campaign, err := d.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	counts, err := d.entries.CountByCampaign(ctx, id)
	if err != nil {
		return fmt.Errorf("count campaign entries: %w", err)
	}

	update := StatsUpdate{
		TotalRecipients: campaign.TotalRecipients,
		EmailsSent:      int(counts.Sent),
		EmailsFailed:    int(counts.Failed),
		EmailsPending:   int(counts.Pending),
		Complete:        counts.Pending == 0 && campaign.TotalRecipients > 0,
	}

	if err := d.repo.UpdateStats(ctx, id, update); err != nil {
		return fmt.Errorf("update campaign stats: %w", err)
	}
	return nil
}

// CampaignEntriesProcessed implements mailqueue.CampaignObserver: after a
// worker tick touches campaign entries, the affected campaigns get a recount.
func (d *Dispatcher) CampaignEntriesProcessed(ctx context.Context, campaignIDs []string) {
	for _, id := range campaignIDs {
		if err := d.RefreshStats(ctx, id); err != nil {
			slog.Error("failed to refresh campaign stats", "campaign_id", id, "error", err)
		}
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, id string) {
	if _, err := d.repo.CompareAndSetStatus(ctx, id, StatusSending, StatusFailed); err != nil {
		slog.Error("failed to mark campaign failed", "campaign_id", id, "error", err)
	}
}
