// Package campaigns implements bulk email campaigns: creation, scheduling,
// fan-out into queue entries and aggregate delivery statistics.
package campaigns

import "time"

// Status represents the lifecycle state of a campaign.
type Status string

// Campaign statuses.
const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Valid reports whether the status is one of the known values.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusSending, StatusSent,
		StatusPaused, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Audience selects which registrations a campaign targets.
type Audience string

// Audience selectors.
const (
	AudienceAll        Audience = "all"
	AudienceIndividual Audience = "individual_registrations"
	AudienceTeam       Audience = "team_registrations"
)

// Valid reports whether the audience selector is known.
func (a Audience) Valid() bool {
	switch a {
	case AudienceAll, AudienceIndividual, AudienceTeam:
		return true
	}
	return false
}

// Priority bounds; 1 is highest.
const (
	MinPriority        = 1
	MaxPriority        = 10
	DefaultPriority    = 5
	DefaultMaxAttempts = 3
)

// Campaign is a logical bulk send. The emails_* counters are a cache derived
// from the campaign's queue entries; they are only ever written by a full
// recount, never incremented in place.
type Campaign struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Subject        string     `json:"subject"`
	Body           string     `json:"body"`
	CampaignType   string     `json:"campaign_type"`
	Status         Status     `json:"status"`
	TargetAudience Audience   `json:"target_audience"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`

	TotalRecipients int `json:"total_recipients"`
	EmailsSent      int `json:"emails_sent"`
	EmailsFailed    int `json:"emails_failed"`
	EmailsPending   int `json:"emails_pending"`

	Priority         int `json:"priority"`
	MaxRetryAttempts int `json:"max_retry_attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanBeSent reports whether fan-out is allowed. Only draft and scheduled
// campaigns may be dispatched; this guard makes SendCampaign idempotent at the
// campaign level.
func (c *Campaign) CanBeSent() bool {
	return c.Status == StatusDraft || c.Status == StatusScheduled
}
