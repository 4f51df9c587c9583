// Package mailqueue implements the durable email delivery queue: the entry
// model, the enqueue/retry/cancel service and the delivery worker.
package mailqueue

import "time"

// Status represents the delivery status of a queue entry.
type Status string

// Entry statuses. Sent, failed and cancelled are terminal. Processing is the
// transient claim state: a worker moves an entry pending -> processing with a
// single conditional update before handing it to the transport, so no second
// worker can pick it up and cancel requests arriving mid-send are rejected.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether an entry in this status may never change again.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether the status is one of the known values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// EmailType classifies what kind of email an entry carries.
type EmailType string

// Email types.
const (
	TypeRegistrationConfirmation EmailType = "registration_confirmation"
	TypeAdminNotification        EmailType = "admin_notification"
	TypeCampaign                 EmailType = "campaign"
	TypeStatusUpdate             EmailType = "status_update"
)

// Valid reports whether the email type is one of the known values.
func (t EmailType) Valid() bool {
	switch t {
	case TypeRegistrationConfirmation, TypeAdminNotification, TypeCampaign, TypeStatusUpdate:
		return true
	}
	return false
}

// DefaultMaxAttempts is the retry budget applied when the caller does not set one.
const DefaultMaxAttempts = 3

// Entry is one unit of deliverable work. Entries are never deleted; terminal
// entries remain in the store as an audit trail.
type Entry struct {
	ID             string     `json:"id"`
	RecipientEmail string     `json:"recipient_email"`
	RecipientName  string     `json:"recipient_name"`
	Subject        string     `json:"subject"`
	Body           string     `json:"body"` // pre-rendered HTML
	EmailType      EmailType  `json:"email_type"`
	Status         Status     `json:"status"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	AttemptCount   int        `json:"attempt_count"`
	MaxAttempts    int        `json:"max_attempts"`
	LastError      string     `json:"last_error,omitempty"`
	CampaignID     *string    `json:"campaign_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Stats holds queue-wide counts for the admin surface and metrics.
type Stats struct {
	Pending     int64 `json:"pending"`
	Processing  int64 `json:"processing"`
	Sent        int64 `json:"sent"`
	Failed      int64 `json:"failed"`
	Cancelled   int64 `json:"cancelled"`
	TotalSent24 int64 `json:"total_sent_24h"`
}
