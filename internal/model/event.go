package model

import "time"

type EventKind string

const (
	EventPendingReview EventKind = "pending-review"
	EventApproved      EventKind = "approved"
	EventSent          EventKind = "sent"
	EventFailed        EventKind = "failed"
	EventCancelled     EventKind = "cancelled"
)

// NotificationEvent is a status-change signal fanned out to the chat's
// participants. Ephemeral: delivered only to subscribers connected at publish
// time, never persisted or replayed.
type NotificationEvent struct {
	Kind       EventKind `json:"kind"`
	MessageID  string    `json:"messageId"`
	ChatID     string    `json:"chatId"`
	Recipients []string  `json:"-"`
	Timestamp  time.Time `json:"timestamp"`
}
