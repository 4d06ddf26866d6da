// Package service implements the scheduled-message workflow: scheduling with
// quota enforcement, the due-time scan, the review gate, and cancellation.
// It is the only owner of ScheduledMessage lifecycle; the dispatcher and the
// review operations touch a message only while holding its per-id lock.
package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/OnixChiconela/Schedule-MG-sub002/internal/bus"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/dispatch"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/model"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/quota"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/repo"
)

// dispatchTokenNS namespaces the deterministic per-message dispatch token.
// Deriving the token from the id means a retried dispatch presents the same
// token and the chat service can deduplicate.
var dispatchTokenNS = uuid.MustParse("8f1c2f41-9e33-4e6b-b1d4-5c07a4c3f6d2")

// maxConcurrentDispatches bounds the per-tick fan-out.
const maxConcurrentDispatches = 4

type Service struct {
	repo       repo.MessageRepository
	throttle   quota.Throttle
	dispatcher *dispatch.Dispatcher
	notifier   *bus.Notifier
	locks      *keyedLocks

	batchSize       int
	dispatchTimeout time.Duration
	// stallAfter is how long a dispatching or approved message may sit
	// untouched before the scan re-claims it. Long enough to outlast a full
	// retry cycle of a live dispatch.
	stallAfter time.Duration
	now        func() time.Time

	wg sync.WaitGroup
}

func New(r repo.MessageRepository, t quota.Throttle, d *dispatch.Dispatcher, n *bus.Notifier, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Service{
		repo:            r,
		throttle:        t,
		dispatcher:      d,
		notifier:        n,
		locks:           newKeyedLocks(),
		batchSize:       batchSize,
		dispatchTimeout: 2 * time.Minute,
		stallAfter:      5 * time.Minute,
		now:             time.Now,
	}
}

// Schedule validates and stores a new message in scheduled status, consuming
// one unit of the user's daily quota.
func (s *Service) Schedule(ctx context.Context, partnershipID, chatID, userID, prompt string, scheduledTime time.Time, requiresReview bool) (*model.ScheduledMessage, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, &model.ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	now := s.now()
	if !scheduledTime.After(now) {
		return nil, &model.ValidationError{Field: "scheduledTime", Reason: "must be in the future"}
	}

	ok, err := s.throttle.TryConsume(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &model.QuotaExceededError{UserID: userID}
	}

	id := uuid.NewString()
	m := &model.ScheduledMessage{
		ID:             id,
		PartnershipID:  partnershipID,
		ChatID:         chatID,
		UserID:         userID,
		Prompt:         prompt,
		ScheduledTime:  scheduledTime,
		RequiresReview: requiresReview,
		Status:         model.Scheduled,
		DispatchToken:  uuid.NewSHA1(dispatchTokenNS, []byte(id)).String(),
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}

	if err := s.repo.Create(ctx, m); err != nil {
		// The message never existed; hand the consumed quota unit back.
		if refundErr := s.throttle.Refund(ctx, userID); refundErr != nil {
			slog.Error("quota refund failed", "user_id", userID, "err", refundErr)
		}
		return nil, err
	}

	slog.Info("message scheduled",
		"message_id", m.ID, "chat_id", chatID, "user_id", userID,
		"scheduled_time", scheduledTime, "requires_review", requiresReview)
	return m, nil
}

// Cancel withdraws a message before dispatch begins. Only the owning user may
// cancel, and only while the message is still scheduled or pending review.
func (s *Service) Cancel(ctx context.Context, id, userID string) (model.Status, error) {
	if !s.locks.tryAcquire(id) {
		return "", model.ErrConflict
	}
	defer s.locks.release(id)

	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if m.UserID != userID {
		return "", model.ErrConflict
	}
	if !m.Status.Cancellable() {
		return "", model.ErrConflict
	}

	if err := s.repo.Transition(ctx, id, m.Status, model.Cancelled); err != nil {
		return "", err
	}
	m.Status = model.Cancelled
	s.notifier.Emit(ctx, model.EventCancelled, m)

	slog.Info("message cancelled", "message_id", id, "user_id", userID)
	return model.Cancelled, nil
}

// Get returns one message by id.
func (s *Service) Get(ctx context.Context, id string) (*model.ScheduledMessage, error) {
	return s.repo.Get(ctx, id)
}

// ListSent returns dispatched messages, newest first.
func (s *Service) ListSent(ctx context.Context, limit, offset int) ([]model.ScheduledMessage, error) {
	return s.repo.ListSent(ctx, limit, offset)
}

// Remaining reports the user's quota left today.
func (s *Service) Remaining(ctx context.Context, userID string) (int, error) {
	return s.throttle.Remaining(ctx, userID)
}

// ProcessDue is the tick body: claims due messages and drives each one's
// first transition. Messages needing review get their pending-review event;
// the rest are dispatched concurrently. One message's failure never affects
// another.
//
// The scan also re-claims stalled mid-flight messages: a dispatch skipped
// because its lock was briefly held, or a crash between approval and
// dispatch, leaves a dispatching/approved row behind, and without the
// reclaim nothing would ever drive it to a terminal state.
func (s *Service) ProcessDue(ctx context.Context) {
	claimed, err := s.repo.ClaimDue(ctx, s.now(), s.batchSize)
	if err != nil {
		slog.Error("due scan failed", "err", err)
		return
	}

	stalled, err := s.repo.ReclaimStalled(ctx, s.now().Add(-s.stallAfter), s.batchSize)
	if err != nil {
		slog.Error("stalled reclaim failed", "err", err)
	}
	for _, m := range stalled {
		slog.Warn("reclaimed stalled message", "message_id", m.ID, "attempts", m.Attempts)
	}

	work := append(claimed, stalled...)
	if len(work) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDispatches)

	for _, m := range work {
		m := m
		switch m.Status {
		case model.PendingReview:
			s.notifier.Emit(ctx, model.EventPendingReview, &m)
			slog.Info("message awaiting review", "message_id", m.ID, "chat_id", m.ChatID)
		case model.Dispatching:
			g.Go(func() error {
				s.dispatchOwned(gctx, m)
				return nil
			})
		}
	}
	_ = g.Wait()
}

// dispatchOwned runs one dispatch under the message's per-id lock. If the
// lock is already held another resolution is in flight and this claim is
// skipped; the row stays in dispatching and a later stalled reclaim picks
// it up if the other side did not finish it.
func (s *Service) dispatchOwned(ctx context.Context, m model.ScheduledMessage) {
	if !s.locks.tryAcquire(m.ID) {
		slog.Warn("dispatch skipped, message already owned", "message_id", m.ID)
		return
	}
	defer s.locks.release(m.ID)

	if err := s.dispatcher.Dispatch(ctx, m); err != nil {
		slog.Error("dispatch ended in failure", "message_id", m.ID, "err", err)
	}
}

// Close waits for in-flight review hand-offs to finish.
func (s *Service) Close() {
	s.wg.Wait()
}
