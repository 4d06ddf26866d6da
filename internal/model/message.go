package model

import "time"

type Status string

const (
	Scheduled     Status = "scheduled"
	PendingReview Status = "pending_review"
	Approved      Status = "approved"
	Dispatching   Status = "dispatching"
	Sent          Status = "sent"
	Failed        Status = "failed"
	Cancelled     Status = "cancelled"
)

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	return s == Sent || s == Failed || s == Cancelled
}

// Cancellable reports whether a user cancel is still honored. Once dispatch
// has begun the message is committed.
func (s Status) Cancellable() bool {
	return s == Scheduled || s == PendingReview
}

// MaxDispatchAttempts bounds retries before a message goes terminal failed.
const MaxDispatchAttempts = 3

type ScheduledMessage struct {
	ID             string     `json:"id"`
	PartnershipID  string     `json:"partnershipId"`
	ChatID         string     `json:"chatId"`
	UserID         string     `json:"userId"`
	Prompt         string     `json:"prompt"`
	EditedPrompt   *string    `json:"editedPrompt,omitempty"`
	ScheduledTime  time.Time  `json:"scheduledTime"`
	RequiresReview bool       `json:"requiresReview"`
	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	LastError      *string    `json:"lastError,omitempty"`
	SentAt         *time.Time `json:"sentAt,omitempty"`
	DispatchToken  string     `json:"-"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// EffectiveText is what actually gets dispatched: the reviewer's edit when one
// exists, otherwise the original prompt.
func (m *ScheduledMessage) EffectiveText() string {
	if m.EditedPrompt != nil {
		return *m.EditedPrompt
	}
	return m.Prompt
}
