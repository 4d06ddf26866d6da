package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/OnixChiconela/Schedule-MG-sub002/internal/model"
)

// Review gate: messages whose due time arrived with requiresReview set sit in
// pending_review until a human approves (optionally editing the text) or
// rejects. The first resolution wins; any concurrent attempt sees
// ErrConflict.

// GetPending returns the chat's messages awaiting review, ordered by
// scheduled time.
func (s *Service) GetPending(ctx context.Context, chatID string) ([]model.ScheduledMessage, error) {
	return s.repo.ListPendingReview(ctx, chatID)
}

// SubmitReview approves a pending message with the reviewer's (possibly
// edited) text and hands it off for dispatch. Returns the approved status;
// the dispatch itself proceeds asynchronously under the message's lock.
func (s *Service) SubmitReview(ctx context.Context, id, editedText, reviewerUserID string) (model.Status, error) {
	if strings.TrimSpace(editedText) == "" {
		return "", &model.ValidationError{Field: "editedText", Reason: "must not be empty"}
	}

	if !s.locks.tryAcquire(id) {
		return "", model.ErrConflict
	}
	handedOff := false
	defer func() {
		if !handedOff {
			s.locks.release(id)
		}
	}()

	if err := s.repo.Approve(ctx, id, editedText); err != nil {
		return "", err
	}

	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	s.notifier.Emit(ctx, model.EventApproved, m)
	slog.Info("review approved", "message_id", id, "reviewer", reviewerUserID)

	if err := s.repo.Transition(ctx, id, model.Approved, model.Dispatching); err != nil {
		return "", err
	}
	m.Status = model.Dispatching

	// Lock ownership moves to the dispatch goroutine.
	handedOff = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.locks.release(id)

		dctx, cancel := context.WithTimeout(context.Background(), s.dispatchTimeout)
		defer cancel()

		if err := s.dispatcher.Dispatch(dctx, *m); err != nil {
			slog.Error("dispatch after review ended in failure", "message_id", id, "err", err)
		}
	}()

	return model.Approved, nil
}

// Reject resolves a pending review by cancelling the message.
func (s *Service) Reject(ctx context.Context, id string) (model.Status, error) {
	if !s.locks.tryAcquire(id) {
		return "", model.ErrConflict
	}
	defer s.locks.release(id)

	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}

	if err := s.repo.Transition(ctx, id, model.PendingReview, model.Cancelled); err != nil {
		return "", err
	}
	m.Status = model.Cancelled
	s.notifier.Emit(ctx, model.EventCancelled, m)

	slog.Info("review rejected", "message_id", id)
	return model.Cancelled, nil
}
