package campaigns_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signupdesk/mailroom/internal/campaigns"
	"github.com/signupdesk/mailroom/internal/mailqueue"
	"github.com/signupdesk/mailroom/internal/mailqueue/memory"
)

// memCampaignRepo implements campaigns.Repository for testing with the same
// compare-and-set semantics as the postgres implementation.
type memCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[string]*campaigns.Campaign
	seq       int
}

func newMemCampaignRepo() *memCampaignRepo {
	return &memCampaignRepo{campaigns: make(map[string]*campaigns.Campaign)}
}

func (r *memCampaignRepo) Create(_ context.Context, campaign *campaigns.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	campaign.ID = fmt.Sprintf("campaign-%d", r.seq)
	campaign.CreatedAt = time.Now()
	campaign.UpdatedAt = campaign.CreatedAt
	stored := *campaign
	r.campaigns[campaign.ID] = &stored
	return nil
}

func (r *memCampaignRepo) GetByID(_ context.Context, id string) (*campaigns.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	campaign, ok := r.campaigns[id]
	if !ok {
		return nil, campaigns.ErrCampaignNotFound
	}
	copied := *campaign
	return &copied, nil
}

func (r *memCampaignRepo) List(_ context.Context, limit, offset int) ([]*campaigns.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*campaigns.Campaign, 0, len(r.campaigns))
	for _, campaign := range r.campaigns {
		copied := *campaign
		out = append(out, &copied)
	}
	return out, nil
}

func (r *memCampaignRepo) BeginDispatch(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	campaign, ok := r.campaigns[id]
	if !ok || !campaign.CanBeSent() {
		return false, nil
	}
	campaign.Status = campaigns.StatusSending
	return true, nil
}

func (r *memCampaignRepo) CompareAndSetStatus(_ context.Context, id string, from, to campaigns.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	campaign, ok := r.campaigns[id]
	if !ok || campaign.Status != from {
		return false, nil
	}
	campaign.Status = to
	return true, nil
}

func (r *memCampaignRepo) Schedule(_ context.Context, id string, when time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	campaign, ok := r.campaigns[id]
	if !ok || !campaign.CanBeSent() {
		return false, nil
	}
	campaign.Status = campaigns.StatusScheduled
	campaign.ScheduledAt = &when
	return true, nil
}

func (r *memCampaignRepo) SetTotalRecipients(_ context.Context, id string, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	campaign, ok := r.campaigns[id]
	if !ok {
		return campaigns.ErrCampaignNotFound
	}
	campaign.TotalRecipients = total
	return nil
}

func (r *memCampaignRepo) UpdateStats(_ context.Context, id string, update campaigns.StatsUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	campaign, ok := r.campaigns[id]
	if !ok {
		return campaigns.ErrCampaignNotFound
	}
	campaign.EmailsSent = update.EmailsSent
	campaign.EmailsFailed = update.EmailsFailed
	campaign.EmailsPending = update.EmailsPending
	if update.Complete && campaign.Status == campaigns.StatusSending {
		campaign.Status = campaigns.StatusSent
		now := time.Now()
		campaign.SentAt = &now
	}
	return nil
}

func (r *memCampaignRepo) FindDue(_ context.Context, now time.Time) ([]*campaigns.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	due := make([]*campaigns.Campaign, 0)
	for _, campaign := range r.campaigns {
		if campaign.Status == campaigns.StatusScheduled &&
			campaign.ScheduledAt != nil && !campaign.ScheduledAt.After(now) {
			copied := *campaign
			due = append(due, &copied)
		}
	}
	return due, nil
}

// stubResolver returns a fixed recipient list or a fixed error.
type stubResolver struct {
	recipients []campaigns.Recipient
	err        error
}

func (s *stubResolver) ResolveAudience(_ context.Context, _ campaigns.Audience) ([]campaigns.Recipient, error) {
	return s.recipients, s.err
}

func recipients(n int) []campaigns.Recipient {
	out := make([]campaigns.Recipient, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, campaigns.Recipient{
			Email: fmt.Sprintf("member-%d@example.com", i),
			Name:  fmt.Sprintf("member %d", i),
		})
	}
	return out
}

type fixture struct {
	repo       *memCampaignRepo
	entries    *memory.Repository
	resolver   *stubResolver
	dispatcher *campaigns.Dispatcher
}

func newFixture(resolver *stubResolver) *fixture {
	repo := newMemCampaignRepo()
	entries := memory.NewRepository()
	queue := mailqueue.NewService(entries)
	return &fixture{
		repo:       repo,
		entries:    entries,
		resolver:   resolver,
		dispatcher: campaigns.NewDispatcher(repo, queue, entries, resolver),
	}
}

func createDraft(t *testing.T, f *fixture) *campaigns.Campaign {
	t.Helper()
	campaign, err := f.dispatcher.CreateCampaign(context.Background(), campaigns.CreateInput{
		Name:           "Launch",
		Subject:        "Hi {{.Name}}",
		Body:           "<p>Hello {{.Name}}, we have news.</p>",
		TargetAudience: campaigns.AudienceAll,
	})
	require.NoError(t, err)
	return campaign
}

func TestDispatcher_CreateCampaignDefaults(t *testing.T) {
	f := newFixture(&stubResolver{})

	campaign := createDraft(t, f)
	assert.Equal(t, campaigns.StatusDraft, campaign.Status)
	assert.Equal(t, campaigns.DefaultPriority, campaign.Priority)
	assert.Equal(t, campaigns.DefaultMaxAttempts, campaign.MaxRetryAttempts)
	assert.Zero(t, campaign.TotalRecipients)
}

func TestDispatcher_CreateCampaignValidation(t *testing.T) {
	f := newFixture(&stubResolver{})
	ctx := context.Background()

	_, err := f.dispatcher.CreateCampaign(ctx, campaigns.CreateInput{
		Subject:        "s",
		Body:           "b",
		TargetAudience: campaigns.AudienceAll,
	})
	assert.ErrorIs(t, err, campaigns.ErrInvalidCampaign)

	_, err = f.dispatcher.CreateCampaign(ctx, campaigns.CreateInput{
		Name:           "n",
		Subject:        "s",
		Body:           "b",
		TargetAudience: "everyone",
	})
	assert.ErrorIs(t, err, campaigns.ErrInvalidCampaign)
}

func TestDispatcher_SendFansOutPerRecipient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(&stubResolver{recipients: recipients(4)})

	campaign := createDraft(t, f)
	require.NoError(t, f.dispatcher.SendCampaign(ctx, campaign.ID))

	got, err := f.dispatcher.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, campaigns.StatusSending, got.Status)
	assert.Equal(t, 4, got.TotalRecipients)
	assert.Equal(t, 4, got.EmailsPending)

	entries, err := f.entries.ListByCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	for _, entry := range entries {
		assert.Equal(t, mailqueue.TypeCampaign, entry.EmailType)
		assert.Equal(t, campaign.MaxRetryAttempts, entry.MaxAttempts)
		require.NotNil(t, entry.CampaignID)
		assert.Equal(t, campaign.ID, *entry.CampaignID)
		assert.NotContains(t, entry.Subject, "{{", "subject must be personalized")
		assert.NotContains(t, entry.Body, "{{", "body must be personalized")
	}
}

func TestDispatcher_SecondSendIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(&stubResolver{recipients: recipients(2)})

	campaign := createDraft(t, f)
	require.NoError(t, f.dispatcher.SendCampaign(ctx, campaign.ID))

	err := f.dispatcher.SendCampaign(ctx, campaign.ID)
	assert.ErrorIs(t, err, campaigns.ErrNotSendable)

	entries, listErr := f.entries.ListByCampaign(ctx, campaign.ID)
	require.NoError(t, listErr)
	assert.Len(t, entries, 2, "a rejected send must not enqueue duplicates")
}

func TestDispatcher_EmptyAudienceFailsCampaign(t *testing.T) {
	ctx := context.Background()
	f := newFixture(&stubResolver{})

	campaign := createDraft(t, f)
	err := f.dispatcher.SendCampaign(ctx, campaign.ID)
	assert.ErrorIs(t, err, campaigns.ErrNoRecipients)

	got, getErr := f.dispatcher.GetCampaign(ctx, campaign.ID)
	require.NoError(t, getErr)
	assert.Equal(t, campaigns.StatusFailed, got.Status)
}

func TestDispatcher_ResolverErrorFailsCampaign(t *testing.T) {
	ctx := context.Background()
	f := newFixture(&stubResolver{err: errors.New("registrations unavailable")})

	campaign := createDraft(t, f)
	err := f.dispatcher.SendCampaign(ctx, campaign.ID)
	require.Error(t, err)

	got, getErr := f.dispatcher.GetCampaign(ctx, campaign.ID)
	require.NoError(t, getErr)
	assert.Equal(t, campaigns.StatusFailed, got.Status)
}

func TestDispatcher_CancelCancelsPendingEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(&stubResolver{recipients: recipients(3)})

	campaign := createDraft(t, f)
	require.NoError(t, f.dispatcher.SendCampaign(ctx, campaign.ID))

	require.NoError(t, f.dispatcher.CancelCampaign(ctx, campaign.ID))

	got, err := f.dispatcher.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, campaigns.StatusCancelled, got.Status)

	entries, err := f.entries.ListByCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.Equal(t, mailqueue.StatusCancelled, entry.Status)
	}
}

func TestDispatcher_CancelTerminalCampaignRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(&stubResolver{recipients: recipients(1)})

	campaign := createDraft(t, f)
	require.NoError(t, f.dispatcher.SendCampaign(ctx, campaign.ID))
	require.NoError(t, f.dispatcher.CancelCampaign(ctx, campaign.ID))

	err := f.dispatcher.CancelCampaign(ctx, campaign.ID)
	assert.ErrorIs(t, err, campaigns.ErrNotSendable)
}

func TestDispatcher_StatsFollowEntryOutcomes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(&stubResolver{recipients: recipients(3)})

	campaign := createDraft(t, f)
	require.NoError(t, f.dispatcher.SendCampaign(ctx, campaign.ID))

	entries, err := f.entries.ListByCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Two deliver, one fails.
	for i, entry := range entries {
		ok, claimErr := f.entries.ClaimPending(ctx, entry.ID)
		require.NoError(t, claimErr)
		require.True(t, ok)
		if i < 2 {
			require.NoError(t, f.entries.MarkSent(ctx, entry.ID, time.Now()))
		} else {
			require.NoError(t, f.entries.MarkFailed(ctx, entry.ID, 3, "550 rejected"))
		}
	}

	// The worker reports the touched campaign; the dispatcher recounts.
	f.dispatcher.CampaignEntriesProcessed(ctx, []string{campaign.ID})

	got, err := f.dispatcher.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, campaigns.StatusSent, got.Status, "campaign completes once nothing is pending")
	assert.Equal(t, 2, got.EmailsSent)
	assert.Equal(t, 1, got.EmailsFailed)
	assert.Equal(t, 0, got.EmailsPending)
	assert.NotNil(t, got.SentAt)
}

func TestDispatcher_PauseBlocksCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(&stubResolver{recipients: recipients(1)})

	campaign := createDraft(t, f)
	require.NoError(t, f.dispatcher.SendCampaign(ctx, campaign.ID))
	require.NoError(t, f.dispatcher.PauseCampaign(ctx, campaign.ID))

	entries, err := f.entries.ListByCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	ok, err := f.entries.ClaimPending(ctx, entries[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.entries.MarkSent(ctx, entries[0].ID, time.Now()))

	f.dispatcher.CampaignEntriesProcessed(ctx, []string{campaign.ID})

	got, err := f.dispatcher.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, campaigns.StatusPaused, got.Status, "a paused campaign never flips to sent")
	assert.Equal(t, 1, got.EmailsSent)

	// Resuming recounts and completes it.
	require.NoError(t, f.dispatcher.ResumeCampaign(ctx, campaign.ID))
	got, err = f.dispatcher.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, campaigns.StatusSent, got.Status)
}

func TestDispatcher_ResumeRequiresPaused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(&stubResolver{recipients: recipients(1)})

	campaign := createDraft(t, f)
	err := f.dispatcher.ResumeCampaign(ctx, campaign.ID)
	assert.ErrorIs(t, err, campaigns.ErrNotPaused)
}

func TestScheduler_TickDispatchesDueCampaigns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(&stubResolver{recipients: recipients(2)})

	campaign := createDraft(t, f)
	require.NoError(t, f.dispatcher.ScheduleCampaign(ctx, campaign.ID, time.Now().Add(-time.Minute)))

	notYet := createDraft(t, f)
	require.NoError(t, f.dispatcher.ScheduleCampaign(ctx, notYet.ID, time.Now().Add(time.Hour)))

	scheduler := campaigns.NewScheduler(campaigns.DefaultSchedulerConfig(), f.repo, f.dispatcher)
	scheduler.Tick(ctx)

	got, err := f.dispatcher.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, campaigns.StatusSending, got.Status)
	assert.Equal(t, 2, got.TotalRecipients)

	later, err := f.dispatcher.GetCampaign(ctx, notYet.ID)
	require.NoError(t, err)
	assert.Equal(t, campaigns.StatusScheduled, later.Status)
}
