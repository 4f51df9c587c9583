package campaigns

import "errors"

// Dispatcher errors.
var (
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrNotSendable       = errors.New("campaign cannot be sent in its current status")
	ErrNotPaused         = errors.New("campaign is not paused")
	ErrInvalidCampaign   = errors.New("invalid campaign")
	ErrNoRecipients      = errors.New("audience resolved to no recipients")
)
