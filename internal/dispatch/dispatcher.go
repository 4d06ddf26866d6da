package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/OnixChiconela/Schedule-MG-sub002/internal/bus"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/model"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/repo"
)

// ChatSender is the external chat-delivery capability. Implementations must
// honor the dispatch token for idempotency.
type ChatSender interface {
	Send(ctx context.Context, partnershipID, chatID, userID, text, dispatchToken string) (receiptID string, err error)
}

// Dispatcher performs the actual send for a message already in dispatching,
// with bounded retry. The caller holds the per-id dispatch lock; at most one
// Dispatch runs for a given id at any instant.
type Dispatcher struct {
	sender   ChatSender
	repo     repo.MessageRepository
	notifier *bus.Notifier

	// backoffBase is the first retry delay; it doubles per attempt
	// (1s, 2s, 4s at the default). Shrunk in tests.
	backoffBase time.Duration
}

func New(sender ChatSender, r repo.MessageRepository, n *bus.Notifier, backoffBase time.Duration) *Dispatcher {
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	return &Dispatcher{
		sender:      sender,
		repo:        r,
		notifier:    n,
		backoffBase: backoffBase,
	}
}

// Dispatch drives a dispatching message to its terminal state: sent on
// success, failed once model.MaxDispatchAttempts send attempts are exhausted.
// The terminal event is the user-visible outcome either way.
func (d *Dispatcher) Dispatch(ctx context.Context, m model.ScheduledMessage) error {
	if m.Status != model.Dispatching {
		return model.ErrConflict
	}

	// A reclaimed message may arrive with its retry budget already spent
	// (crash after the last failed send, before the terminal write).
	if m.Attempts >= model.MaxDispatchAttempts {
		reason := "retry budget exhausted"
		if m.LastError != nil {
			reason = *m.LastError
		}
		if err := d.repo.MarkFailed(ctx, m.ID, m.Attempts, reason); err != nil {
			return err
		}
		d.notifier.Emit(ctx, model.EventFailed, &m)
		return &model.DispatchError{MessageID: m.ID, Attempts: m.Attempts, Err: errors.New(reason)}
	}

	text := m.EffectiveText()
	attempts := m.Attempts
	var lastErr error

	for attempts < model.MaxDispatchAttempts {
		receiptID, err := d.sender.Send(ctx, m.PartnershipID, m.ChatID, m.UserID, text, m.DispatchToken)
		attempts++

		if err == nil {
			sentAt := time.Now().UTC()
			if err := d.repo.MarkSent(ctx, m.ID, attempts, sentAt); err != nil {
				return err
			}
			m.Attempts = attempts
			d.notifier.Emit(ctx, model.EventSent, &m)
			slog.Info("message dispatched",
				"message_id", m.ID, "chat_id", m.ChatID, "receipt_id", receiptID, "attempts", attempts)
			return nil
		}

		lastErr = err
		slog.Warn("dispatch attempt failed",
			"message_id", m.ID, "attempt", attempts, "max", model.MaxDispatchAttempts, "err", err)

		if attempts >= model.MaxDispatchAttempts {
			break
		}

		if err := d.repo.RecordAttempt(ctx, m.ID, attempts, err.Error()); err != nil {
			return err
		}

		delay := d.backoffBase << (attempts - 1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	if err := d.repo.MarkFailed(ctx, m.ID, attempts, lastErr.Error()); err != nil {
		return err
	}
	m.Attempts = attempts
	d.notifier.Emit(ctx, model.EventFailed, &m)

	return &model.DispatchError{MessageID: m.ID, Attempts: attempts, Err: lastErr}
}
