package bus

import (
	"context"
	"log/slog"

	"github.com/OnixChiconela/Schedule-MG-sub002/internal/model"
)

// ParticipantSource resolves the userIds that make up a chat's recipient
// scope.
type ParticipantSource interface {
	Participants(ctx context.Context, chatID string) ([]string, error)
}

// Notifier builds and publishes one event per state transition, scoped to the
// chat's participants. Lookup failures are logged, never propagated; the
// transition that triggered the event has already happened.
type Notifier struct {
	bus *Bus
	src ParticipantSource
}

func NewNotifier(b *Bus, src ParticipantSource) *Notifier {
	return &Notifier{bus: b, src: src}
}

func (n *Notifier) Emit(ctx context.Context, kind model.EventKind, m *model.ScheduledMessage) {
	recipients, err := n.src.Participants(ctx, m.ChatID)
	if err != nil {
		slog.Error("participant lookup failed, scoping event to owner",
			"chat_id", m.ChatID, "message_id", m.ID, "err", err)
		recipients = nil
	}
	if len(recipients) == 0 {
		recipients = []string{m.UserID}
	}

	n.bus.Publish(model.NotificationEvent{
		Kind:       kind,
		MessageID:  m.ID,
		ChatID:     m.ChatID,
		Recipients: recipients,
	})
}
