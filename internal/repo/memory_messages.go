package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/OnixChiconela/Schedule-MG-sub002/internal/model"
)

// MemoryMessageRepo is an in-process MessageRepository with the same
// compare-and-set semantics as the Postgres implementation. Used in tests and
// single-node development runs.
type MemoryMessageRepo struct {
	mu           sync.Mutex
	msgs         map[string]*model.ScheduledMessage
	participants map[string][]string
	now          func() time.Time
}

func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{
		msgs:         make(map[string]*model.ScheduledMessage),
		participants: make(map[string][]string),
		now:          time.Now,
	}
}

// WithClock replaces the update-timestamp source. Tests drive it with the
// same fake clock as the service so stall detection lines up.
func (r *MemoryMessageRepo) WithClock(now func() time.Time) *MemoryMessageRepo {
	r.now = now
	return r
}

// AddParticipant registers a chat member for recipient-scope resolution.
func (r *MemoryMessageRepo) AddParticipant(chatID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[chatID] = append(r.participants[chatID], userID)
}

func (r *MemoryMessageRepo) Create(_ context.Context, m *model.ScheduledMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *m
	r.msgs[m.ID] = &cp
	return nil
}

func (r *MemoryMessageRepo) Get(_ context.Context, id string) (*model.ScheduledMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MemoryMessageRepo) ClaimDue(_ context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*model.ScheduledMessage
	for _, m := range r.msgs {
		if m.Status == model.Scheduled && !m.ScheduledTime.After(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledTime.Before(due[j].ScheduledTime)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimedAt := r.now().UTC()
	out := make([]model.ScheduledMessage, 0, len(due))
	for _, m := range due {
		if m.RequiresReview {
			m.Status = model.PendingReview
		} else {
			m.Status = model.Dispatching
		}
		m.UpdatedAt = claimedAt
		out = append(out, *m)
	}
	return out, nil
}

func (r *MemoryMessageRepo) ReclaimStalled(_ context.Context, before time.Time, limit int) ([]model.ScheduledMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stalled []*model.ScheduledMessage
	for _, m := range r.msgs {
		if (m.Status == model.Dispatching || m.Status == model.Approved) && !m.UpdatedAt.After(before) {
			stalled = append(stalled, m)
		}
	}
	sort.Slice(stalled, func(i, j int) bool {
		return stalled[i].UpdatedAt.Before(stalled[j].UpdatedAt)
	})
	if len(stalled) > limit {
		stalled = stalled[:limit]
	}

	claimedAt := r.now().UTC()
	out := make([]model.ScheduledMessage, 0, len(stalled))
	for _, m := range stalled {
		m.Status = model.Dispatching
		m.UpdatedAt = claimedAt
		out = append(out, *m)
	}
	return out, nil
}

func (r *MemoryMessageRepo) Transition(_ context.Context, id string, from, to model.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok {
		return model.ErrNotFound
	}
	if m.Status != from {
		return model.ErrConflict
	}
	m.Status = to
	m.UpdatedAt = r.now().UTC()
	return nil
}

func (r *MemoryMessageRepo) Approve(_ context.Context, id, editedText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok {
		return model.ErrNotFound
	}
	if m.Status != model.PendingReview {
		return model.ErrConflict
	}
	m.Status = model.Approved
	m.EditedPrompt = &editedText
	m.UpdatedAt = r.now().UTC()
	return nil
}

func (r *MemoryMessageRepo) RecordAttempt(_ context.Context, id string, attempts int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok {
		return model.ErrNotFound
	}
	if m.Status != model.Dispatching {
		return model.ErrConflict
	}
	m.Attempts = attempts
	m.LastError = &reason
	m.UpdatedAt = r.now().UTC()
	return nil
}

func (r *MemoryMessageRepo) MarkSent(_ context.Context, id string, attempts int, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok {
		return model.ErrNotFound
	}
	if m.Status != model.Dispatching {
		return model.ErrConflict
	}
	m.Status = model.Sent
	m.Attempts = attempts
	t := sentAt.UTC()
	m.SentAt = &t
	m.UpdatedAt = r.now().UTC()
	return nil
}

func (r *MemoryMessageRepo) MarkFailed(_ context.Context, id string, attempts int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok {
		return model.ErrNotFound
	}
	if m.Status != model.Dispatching {
		return model.ErrConflict
	}
	m.Status = model.Failed
	m.Attempts = attempts
	m.LastError = &reason
	m.UpdatedAt = r.now().UTC()
	return nil
}

func (r *MemoryMessageRepo) ListPendingReview(_ context.Context, chatID string) ([]model.ScheduledMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.ScheduledMessage
	for _, m := range r.msgs {
		if m.ChatID == chatID && m.Status == model.PendingReview {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledTime.Before(out[j].ScheduledTime)
	})
	return out, nil
}

func (r *MemoryMessageRepo) ListSent(_ context.Context, limit, offset int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.ScheduledMessage
	for _, m := range r.msgs {
		if m.Status == model.Sent {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SentAt.After(*out[j].SentAt)
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryMessageRepo) Participants(_ context.Context, chatID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := r.participants[chatID]
	out := make([]string, len(users))
	copy(out, users)
	return out, nil
}
