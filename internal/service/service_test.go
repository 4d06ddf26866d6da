package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/OnixChiconela/Schedule-MG-sub002/internal/bus"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/dispatch"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/model"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/quota"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/repo"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type scriptedSender struct {
	mu          sync.Mutex
	failPerText map[string]int
	texts       []string
}

func (s *scriptedSender) Send(_ context.Context, _, _, _, text, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.texts = append(s.texts, text)
	if s.failPerText[text] > 0 {
		s.failPerText[text]--
		return "", errors.New("chat service unavailable")
	}
	return "rcpt", nil
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.texts)
}

func (s *scriptedSender) sentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

type fixture struct {
	svc    *Service
	repo   *repo.MemoryMessageRepo
	sender *scriptedSender
	bus    *bus.Bus
	clock  *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &fakeClock{t: time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)}
	r := repo.NewMemoryMessageRepo().WithClock(clock.Now)
	b := bus.New()
	notifier := bus.NewNotifier(b, r)
	sender := &scriptedSender{}
	d := dispatch.New(sender, r, notifier, time.Millisecond)

	svc := New(r, quota.NewMemoryThrottle(5), d, notifier, 50)
	svc.now = clock.Now

	t.Cleanup(svc.Close)

	return &fixture{svc: svc, repo: r, sender: sender, bus: b, clock: clock}
}

func (f *fixture) schedule(t *testing.T, requiresReview bool) *model.ScheduledMessage {
	t.Helper()

	m, err := f.svc.Schedule(context.Background(),
		"p1", "c1", "u1", "Hi", f.clock.Now().Add(time.Minute), requiresReview)
	if err != nil {
		t.Fatalf("Schedule() error: %v", err)
	}
	return m
}

func waitForStatus(t *testing.T, r *repo.MemoryMessageRepo, id string, want model.Status) *model.ScheduledMessage {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		m, err := r.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if m.Status == want {
			return m
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for status %s, stuck at %s", want, m.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func expectEvent(t *testing.T, events <-chan model.NotificationEvent, kind model.EventKind) {
	t.Helper()

	select {
	case e := <-events:
		if e.Kind != kind {
			t.Fatalf("expected %s event, got %s", kind, e.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s event", kind)
	}
}

func TestSchedule_RejectsEmptyPrompt(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.svc.Schedule(context.Background(),
		"p1", "c1", "u1", "   ", f.clock.Now().Add(time.Minute), false)

	var valErr *model.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if valErr.Field != "prompt" {
		t.Fatalf("expected prompt validation, got field %q", valErr.Field)
	}
}

func TestSchedule_RejectsNonFutureTime(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	for _, at := range []time.Time{f.clock.Now(), f.clock.Now().Add(-time.Minute)} {
		_, err := f.svc.Schedule(context.Background(), "p1", "c1", "u1", "Hi", at, false)
		var valErr *model.ValidationError
		if !errors.As(err, &valErr) {
			t.Fatalf("expected ValidationError for %v, got %v", at, err)
		}
	}
}

func TestSchedule_StartsScheduledWithZeroAttempts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	m := f.schedule(t, false)
	if m.Status != model.Scheduled {
		t.Fatalf("expected scheduled, got %s", m.Status)
	}
	if m.Attempts != 0 {
		t.Fatalf("expected attempts=0, got %d", m.Attempts)
	}
	if m.ID == "" || m.DispatchToken == "" {
		t.Fatalf("expected id and dispatch token assigned: %+v", m)
	}
}

func TestSchedule_QuotaDeniesSixth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	for i := 0; i < 5; i++ {
		f.schedule(t, false)
	}

	_, err := f.svc.Schedule(context.Background(),
		"p1", "c1", "u1", "Hi", f.clock.Now().Add(time.Minute), false)

	var quotaErr *model.QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if quotaErr.UserID != "u1" {
		t.Fatalf("expected user u1 in error, got %q", quotaErr.UserID)
	}

	left, err := f.svc.Remaining(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if left != 0 {
		t.Fatalf("expected remaining=0, got %d", left)
	}
}

func TestProcessDue_DirectDispatchReachesSent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	events, unsub := f.bus.Subscribe("u1", 8)
	defer unsub()

	m := f.schedule(t, false)

	// Not due yet: the scan leaves it alone.
	f.svc.ProcessDue(context.Background())
	if got, _ := f.repo.Get(context.Background(), m.ID); got.Status != model.Scheduled {
		t.Fatalf("expected still scheduled before due time, got %s", got.Status)
	}

	f.clock.Advance(61 * time.Second)
	f.svc.ProcessDue(context.Background())

	got := waitForStatus(t, f.repo, m.ID, model.Sent)
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}
	if f.sender.callCount() != 1 {
		t.Fatalf("expected exactly one external send, got %d", f.sender.callCount())
	}
	expectEvent(t, events, model.EventSent)
}

func TestProcessDue_ReviewFlowDispatchesEditedText(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	events, unsub := f.bus.Subscribe("u1", 8)
	defer unsub()

	m := f.schedule(t, true)

	f.clock.Advance(61 * time.Second)
	f.svc.ProcessDue(context.Background())

	waitForStatus(t, f.repo, m.ID, model.PendingReview)
	expectEvent(t, events, model.EventPendingReview)

	if f.sender.callCount() != 0 {
		t.Fatalf("no send may happen while pending review")
	}

	pending, err := f.svc.GetPending(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetPending() error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != m.ID {
		t.Fatalf("expected message in pending list, got %+v", pending)
	}

	status, err := f.svc.SubmitReview(context.Background(), m.ID, "Hi there", "reviewer-1")
	if err != nil {
		t.Fatalf("SubmitReview() error: %v", err)
	}
	if status != model.Approved {
		t.Fatalf("expected approved, got %s", status)
	}
	expectEvent(t, events, model.EventApproved)

	waitForStatus(t, f.repo, m.ID, model.Sent)
	expectEvent(t, events, model.EventSent)

	texts := f.sender.sentTexts()
	if len(texts) != 1 || texts[0] != "Hi there" {
		t.Fatalf("expected dispatched text %q, got %v", "Hi there", texts)
	}
}

func TestProcessDue_ReviewNeverSkipsApproval(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	m := f.schedule(t, true)
	f.clock.Advance(2 * time.Minute)

	// Repeated scans must not move a pending-review message toward dispatch.
	for i := 0; i < 3; i++ {
		f.svc.ProcessDue(context.Background())
	}

	got, _ := f.repo.Get(context.Background(), m.ID)
	if got.Status != model.PendingReview {
		t.Fatalf("expected pending_review, got %s", got.Status)
	}
	if f.sender.callCount() != 0 {
		t.Fatalf("expected no sends without approval, got %d", f.sender.callCount())
	}
}

func TestSubmitReview_RejectsEmptyEdit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.svc.SubmitReview(context.Background(), "any", "  ", "reviewer-1")
	var valErr *model.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSubmitReview_FirstResolutionWins(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	m := f.schedule(t, true)
	f.clock.Advance(2 * time.Minute)
	f.svc.ProcessDue(context.Background())
	waitForStatus(t, f.repo, m.ID, model.PendingReview)

	if _, err := f.svc.SubmitReview(context.Background(), m.ID, "first", "reviewer-1"); err != nil {
		t.Fatalf("first SubmitReview() error: %v", err)
	}

	// The message has left pending_review; the second reviewer loses.
	_, err := f.svc.SubmitReview(context.Background(), m.ID, "second", "reviewer-2")
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected ErrConflict for second resolution, got %v", err)
	}

	got := waitForStatus(t, f.repo, m.ID, model.Sent)
	if got.EditedPrompt == nil || *got.EditedPrompt != "first" {
		t.Fatalf("expected winning edit %q, got %+v", "first", got.EditedPrompt)
	}
}

func TestReject_CancelsPendingReview(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	events, unsub := f.bus.Subscribe("u1", 8)
	defer unsub()

	m := f.schedule(t, true)
	f.clock.Advance(2 * time.Minute)
	f.svc.ProcessDue(context.Background())
	waitForStatus(t, f.repo, m.ID, model.PendingReview)
	expectEvent(t, events, model.EventPendingReview)

	status, err := f.svc.Reject(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Reject() error: %v", err)
	}
	if status != model.Cancelled {
		t.Fatalf("expected cancelled, got %s", status)
	}
	expectEvent(t, events, model.EventCancelled)

	// A resolved message cannot be approved anymore.
	_, err = f.svc.SubmitReview(context.Background(), m.ID, "late", "reviewer-1")
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected ErrConflict after reject, got %v", err)
	}
	if f.sender.callCount() != 0 {
		t.Fatalf("expected no sends for a rejected message")
	}
}

func TestCancel_BeforeDueTime(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	m := f.schedule(t, false)

	status, err := f.svc.Cancel(context.Background(), m.ID, "u1")
	if err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if status != model.Cancelled {
		t.Fatalf("expected cancelled, got %s", status)
	}

	// The scan thereafter ignores the message.
	f.clock.Advance(2 * time.Minute)
	f.svc.ProcessDue(context.Background())

	got, _ := f.repo.Get(context.Background(), m.ID)
	if got.Status != model.Cancelled {
		t.Fatalf("expected cancelled to stick, got %s", got.Status)
	}
	if f.sender.callCount() != 0 {
		t.Fatalf("expected no sends for a cancelled message")
	}
}

func TestCancel_DeniedForNonOwner(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	m := f.schedule(t, false)

	_, err := f.svc.Cancel(context.Background(), m.ID, "intruder")
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected ErrConflict for non-owner, got %v", err)
	}
}

func TestCancel_DeniedOnceTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	m := f.schedule(t, false)
	f.clock.Advance(2 * time.Minute)
	f.svc.ProcessDue(context.Background())
	waitForStatus(t, f.repo, m.ID, model.Sent)

	_, err := f.svc.Cancel(context.Background(), m.ID, "u1")
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected ErrConflict after send, got %v", err)
	}
}

func TestCancel_UnknownID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.svc.Cancel(context.Background(), "missing", "u1")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProcessDue_FailureIsolation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	// Enough failures to exhaust the first message's attempts; the second
	// message sends fine.
	f.sender.failPerText = map[string]int{"Hi": model.MaxDispatchAttempts}

	first := f.schedule(t, false)
	second, err := f.svc.Schedule(context.Background(),
		"p1", "c1", "u2", "Hello", f.clock.Now().Add(time.Minute), false)
	if err != nil {
		t.Fatalf("Schedule() error: %v", err)
	}

	f.clock.Advance(2 * time.Minute)
	f.svc.ProcessDue(context.Background())

	waitForStatus(t, f.repo, first.ID, model.Failed)
	waitForStatus(t, f.repo, second.ID, model.Sent)
}

func TestEventsScopedToChatParticipants(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.repo.AddParticipant("c1", "u1")
	f.repo.AddParticipant("c1", "partner")

	partnerCh, unsubP := f.bus.Subscribe("partner", 8)
	defer unsubP()
	strangerCh, unsubS := f.bus.Subscribe("stranger", 8)
	defer unsubS()

	m := f.schedule(t, false)
	f.clock.Advance(2 * time.Minute)
	f.svc.ProcessDue(context.Background())
	waitForStatus(t, f.repo, m.ID, model.Sent)

	expectEvent(t, partnerCh, model.EventSent)

	select {
	case e := <-strangerCh:
		t.Fatalf("stranger must not receive chat events, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProcessDue_ReclaimsDispatchSkippedByLiveLock(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	m := f.schedule(t, false)
	f.clock.Advance(2 * time.Minute)

	// Someone else holds the message's lock at the instant the scan claims
	// it, so the dispatch is skipped and the row stays in dispatching.
	if !f.svc.locks.tryAcquire(m.ID) {
		t.Fatalf("expected to acquire lock for %s", m.ID)
	}
	f.svc.ProcessDue(context.Background())
	f.svc.locks.release(m.ID)

	got, _ := f.repo.Get(context.Background(), m.ID)
	if got.Status != model.Dispatching {
		t.Fatalf("expected dispatching after skipped claim, got %s", got.Status)
	}
	if f.sender.callCount() != 0 {
		t.Fatalf("expected no send while lock was held, got %d", f.sender.callCount())
	}

	// Fresh claims are left alone until the stall window passes.
	f.svc.ProcessDue(context.Background())
	if got, _ = f.repo.Get(context.Background(), m.ID); got.Status != model.Dispatching {
		t.Fatalf("expected dispatching inside stall window, got %s", got.Status)
	}

	f.clock.Advance(6 * time.Minute)
	f.svc.ProcessDue(context.Background())

	got = waitForStatus(t, f.repo, m.ID, model.Sent)
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt after reclaim, got %d", got.Attempts)
	}
	if f.sender.callCount() != 1 {
		t.Fatalf("expected exactly one send, got %d", f.sender.callCount())
	}
}

func TestProcessDue_RecoversApprovedStrandedByRestart(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	m := f.schedule(t, true)
	f.clock.Advance(2 * time.Minute)
	f.svc.ProcessDue(context.Background())
	waitForStatus(t, f.repo, m.ID, model.PendingReview)

	// Approval landed in the store but the process died before the dispatch
	// hand-off; the row sits in approved until the scan re-claims it.
	if err := f.repo.Approve(context.Background(), m.ID, "reviewed text"); err != nil {
		t.Fatalf("Approve() error: %v", err)
	}

	f.clock.Advance(6 * time.Minute)
	f.svc.ProcessDue(context.Background())

	waitForStatus(t, f.repo, m.ID, model.Sent)
	texts := f.sender.sentTexts()
	if len(texts) != 1 || texts[0] != "reviewed text" {
		t.Fatalf("expected dispatched edited text, got %v", texts)
	}
}

type createFailRepo struct {
	*repo.MemoryMessageRepo
	mu    sync.Mutex
	fails int
}

func (r *createFailRepo) Create(ctx context.Context, m *model.ScheduledMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("insert failed")
	}
	return r.MemoryMessageRepo.Create(ctx, m)
}

func TestSchedule_RefundsQuotaWhenStoreFails(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)}
	r := &createFailRepo{MemoryMessageRepo: repo.NewMemoryMessageRepo().WithClock(clock.Now), fails: 1}
	b := bus.New()
	notifier := bus.NewNotifier(b, r.MemoryMessageRepo)
	d := dispatch.New(&scriptedSender{}, r, notifier, time.Millisecond)

	svc := New(r, quota.NewMemoryThrottle(1), d, notifier, 50)
	svc.now = clock.Now
	t.Cleanup(svc.Close)

	_, err := svc.Schedule(context.Background(),
		"p1", "c1", "u1", "Hi", clock.Now().Add(time.Minute), false)
	if err == nil {
		t.Fatalf("expected store error")
	}

	// The failed insert must not cost a quota unit.
	left, err := svc.Remaining(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if left != 1 {
		t.Fatalf("expected full allowance after refund, got %d", left)
	}

	if _, err := svc.Schedule(context.Background(),
		"p1", "c1", "u1", "Hi", clock.Now().Add(time.Minute), false); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
}
