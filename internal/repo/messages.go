package repo

import (
	"context"
	"time"

	"github.com/OnixChiconela/Schedule-MG-sub002/internal/model"
)

// MessageRepository owns ScheduledMessage persistence. Every status-changing
// write is a compare-and-set on the expected prior status and returns
// model.ErrConflict when the row has moved on, so transition monotonicity
// holds even across processes sharing the store.
type MessageRepository interface {
	Create(ctx context.Context, m *model.ScheduledMessage) error
	Get(ctx context.Context, id string) (*model.ScheduledMessage, error)

	// ClaimDue atomically claims messages whose scheduledTime has elapsed and
	// that are still scheduled, moving each to pending_review or dispatching
	// according to requiresReview. Returned messages carry their new status.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error)

	// ReclaimStalled re-claims messages stuck mid-flight: dispatching or
	// approved rows untouched since `before` (a skipped dispatch, or a crash
	// between approval and dispatch). Reclaimed rows come back in dispatching
	// with a fresh updated_at so they are not reclaimed twice in a row.
	ReclaimStalled(ctx context.Context, before time.Time, limit int) ([]model.ScheduledMessage, error)

	// Transition moves a message from exactly `from` to `to`.
	Transition(ctx context.Context, id string, from, to model.Status) error

	// Approve resolves a pending review: stores the edited text and moves the
	// message to approved in one write.
	Approve(ctx context.Context, id, editedText string) error

	// RecordAttempt bumps the retry counter after a failed send while the
	// message stays in dispatching.
	RecordAttempt(ctx context.Context, id string, attempts int, reason string) error

	MarkSent(ctx context.Context, id string, attempts int, sentAt time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, reason string) error

	ListPendingReview(ctx context.Context, chatID string) ([]model.ScheduledMessage, error)
	ListSent(ctx context.Context, limit, offset int) ([]model.ScheduledMessage, error)

	// Participants returns the userIds belonging to a chat; callers fall back
	// to the message owner when the set is empty.
	Participants(ctx context.Context, chatID string) ([]string, error)
}
