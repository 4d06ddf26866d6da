package quota

import "context"

// DefaultDailyMax is the per-user cap on AI-assisted scheduling actions per
// UTC calendar day.
const DefaultDailyMax = 5

// Throttle guards the daily allowance. Increments are serialized per
// (userId, UTC date) key; concurrent calls from multiple devices for the same
// user see exactly max successes per day.
type Throttle interface {
	// TryConsume takes one unit of today's allowance. Returns false once the
	// cap is reached; the counter rolls over at UTC midnight.
	TryConsume(ctx context.Context, userID string) (bool, error)

	// Refund hands one unit of today's allowance back after a consumed
	// action failed before it took effect. The counter never drops below
	// zero.
	Refund(ctx context.Context, userID string) error

	// Remaining reports the allowance left today, never negative.
	Remaining(ctx context.Context, userID string) (int, error)
}
