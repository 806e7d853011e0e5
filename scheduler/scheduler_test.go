package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"claimflow/claim"
	"claimflow/notify"
)

func TestPolicy_Validate(t *testing.T) {
	cases := []struct {
		name   string
		policy Policy
		ok     bool
	}{
		{"valid", Policy{NudgeIntervalDays: 7, ClaimExpiryDays: 14}, true},
		{"zero nudge", Policy{NudgeIntervalDays: 0, ClaimExpiryDays: 14}, false},
		{"negative expiry", Policy{NudgeIntervalDays: 7, ClaimExpiryDays: -1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestPolicy_PartialDaysDoNotCount(t *testing.T) {
	policy := Policy{NudgeIntervalDays: 7, ClaimExpiryDays: 14}
	created := day(0)
	c := claim.Claim{Status: claim.StatusActive, CreatedAt: created, LastActivityDate: created}

	if policy.NeedsNudge(c, day(7).Add(-time.Hour)) {
		t.Fatalf("6 days 23 hours must not trigger a nudge")
	}
	if !policy.NeedsNudge(c, day(7)) {
		t.Fatalf("exactly 7 days must trigger a nudge")
	}
	if policy.IsStale(c, day(14).Add(-time.Minute)) {
		t.Fatalf("just under 14 days must not be stale")
	}
	if !policy.IsStale(c, day(14)) {
		t.Fatalf("exactly 14 days must be stale")
	}
}

func TestRunOnce_NudgeResetsTheClock(t *testing.T) {
	h := newHarness(t, Policy{NudgeIntervalDays: 7, ClaimExpiryDays: 30})
	c := h.seedActiveClaim(t, 1, "user-1", day(0))

	h.clock.Set(day(7))
	sum := h.runOnce(t)
	if sum.Nudged != 1 {
		t.Fatalf("day 7: expected 1 nudge, got %d", sum.Nudged)
	}

	// Same day, second run: the nudge above reset the interval.
	sum = h.runOnce(t)
	if sum.Nudged != 0 {
		t.Fatalf("repeat run: expected 0 nudges, got %d", sum.Nudged)
	}

	h.clock.Set(day(13))
	sum = h.runOnce(t)
	if sum.Nudged != 0 {
		t.Fatalf("day 13: expected 0 nudges, got %d", sum.Nudged)
	}

	h.clock.Set(day(14))
	sum = h.runOnce(t)
	if sum.Nudged != 1 {
		t.Fatalf("day 14: expected second nudge, got %d", sum.Nudged)
	}

	got := h.mustGet(t, c.ID)
	if got.NudgeCount != 2 {
		t.Fatalf("expected nudge count 2, got %d", got.NudgeCount)
	}
}

func TestRunOnce_NudgeAndReleaseInSamePass(t *testing.T) {
	h := newHarness(t, Policy{NudgeIntervalDays: 7, ClaimExpiryDays: 14})
	c := h.seedActiveClaim(t, 2, "user-1", day(0))

	h.clock.Set(day(7))
	sum := h.runOnce(t)
	if sum.Nudged != 1 || sum.Released != 0 {
		t.Fatalf("day 7: expected nudge only, got %+v", sum)
	}

	// Day 14: 7 whole days since the nudge and 14 since any activity, so
	// both predicates fire in one pass.
	h.clock.Set(day(14))
	sum = h.runOnce(t)
	if sum.Nudged != 1 || sum.Released != 1 {
		t.Fatalf("day 14: expected nudge and release, got %+v", sum)
	}

	got := h.mustGet(t, c.ID)
	if got.Status != claim.StatusReleased {
		t.Fatalf("expected released, got %q", got.Status)
	}
	if got.NudgeCount != 2 {
		t.Fatalf("expected nudge count 2, got %d", got.NudgeCount)
	}
	if got.ReleaseDate == nil || !got.ReleaseDate.Equal(day(14)) {
		t.Fatalf("expected release date day 14, got %v", got.ReleaseDate)
	}
	if got.Notes == nil || *got.Notes != ReleaseNote {
		t.Fatalf("expected release note, got %v", got.Notes)
	}

	msgs := h.notifier.forRecipient("user-1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 notifications (nudge, nudge, release), got %d", len(msgs))
	}
}

func TestRunOnce_CompletedClaimsAreInvisible(t *testing.T) {
	h := newHarness(t, Policy{NudgeIntervalDays: 7, ClaimExpiryDays: 14})
	c := h.seedActiveClaim(t, 3, "user-1", day(0))

	h.clock.Set(day(5))
	if _, err := h.registry.SetStatus(context.Background(), c.ID, claim.StatusCompleted, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	h.clock.Set(day(20))
	sum := h.runOnce(t)
	if sum.Scanned != 0 {
		t.Fatalf("expected empty scan, got %d claims", sum.Scanned)
	}

	got := h.mustGet(t, c.ID)
	if got.Status != claim.StatusCompleted || got.NudgeCount != 0 || got.ReleaseDate != nil {
		t.Fatalf("completed claim was altered: %+v", got)
	}
}

func TestRunOnce_OneFailureDoesNotStopTheScan(t *testing.T) {
	h := newHarness(t, Policy{NudgeIntervalDays: 30, ClaimExpiryDays: 14})
	h.seedActiveClaim(t, 4, "user-1", day(0))
	broken := h.seedActiveClaim(t, 5, "user-2", day(0))
	h.seedActiveClaim(t, 6, "user-3", day(0))

	h.store.updateErr[broken.ID] = errors.New("write timeout")

	h.clock.Set(day(20))
	sum := h.runOnce(t)
	if sum.Released != 2 {
		t.Fatalf("expected 2 releases despite failure, got %d", sum.Released)
	}
	if sum.Failures != 1 {
		t.Fatalf("expected 1 failure, got %d", sum.Failures)
	}
}

func TestRunOnce_NotificationFailureDoesNotRollBackNudge(t *testing.T) {
	h := newHarness(t, Policy{NudgeIntervalDays: 7, ClaimExpiryDays: 30})
	c := h.seedActiveClaim(t, 7, "user-1", day(0))
	h.notifier.fail = true

	h.clock.Set(day(8))
	sum := h.runOnce(t)
	if sum.Nudged != 1 {
		t.Fatalf("expected nudge recorded despite delivery failure, got %+v", sum)
	}

	got := h.mustGet(t, c.ID)
	if got.NudgeCount != 1 {
		t.Fatalf("expected persisted nudge count 1, got %d", got.NudgeCount)
	}
}

func TestRunOnce_LostRaceIsDroppedSilently(t *testing.T) {
	h := newHarness(t, Policy{NudgeIntervalDays: 30, ClaimExpiryDays: 14})
	c := h.seedActiveClaim(t, 8, "user-1", day(0))

	// A human completes the claim after the scan snapshot was taken.
	h.store.beforeUpdate = func() {
		h.store.beforeUpdate = nil
		if _, err := h.registry.SetStatus(context.Background(), c.ID, claim.StatusCompleted, nil); err != nil {
			t.Errorf("interleaved complete: %v", err)
		}
	}

	h.clock.Set(day(20))
	snapshot, err := h.store.ListActive(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snapshot) != 1 {
		t.Fatalf("expected claim in snapshot, got %d", len(snapshot))
	}

	var sum Summary
	h.sched.evaluate(context.Background(), snapshot[0], &sum)
	if sum.Failures != 0 {
		t.Fatalf("lost race must not count as a failure: %+v", sum)
	}
	if sum.Released != 0 {
		t.Fatalf("lost race must not release: %+v", sum)
	}

	got := h.mustGet(t, c.ID)
	if got.Status != claim.StatusCompleted {
		t.Fatalf("human completion must win, got %q", got.Status)
	}
}

func TestRunOnce_ScanTimeoutLeavesRestForNextCycle(t *testing.T) {
	h := newHarness(t, Policy{NudgeIntervalDays: 30, ClaimExpiryDays: 14})
	for i := 0; i < 5; i++ {
		h.seedActiveClaim(t, 20+i, fmt.Sprintf("user-%d", i), day(0))
	}
	h.clock.Set(day(20))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := h.sched.RunOnce(ctx)
	if err == nil {
		// Listing may have succeeded before cancellation took effect; the
		// per-claim loop must then bail out without mutating anything.
		if sum.Released != 0 {
			t.Fatalf("cancelled run must not release claims, got %+v", sum)
		}
	}
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, Policy{NudgeIntervalDays: 7, ClaimExpiryDays: 14})
	h.seedActiveClaim(t, 30, "user-1", day(0))
	h.clock.Set(day(20))

	h.sched.period = 10 * time.Millisecond
	h.sched.scanTimeout = 5 * time.Millisecond

	ctx := context.Background()
	if err := h.sched.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.sched.Start(ctx); err == nil {
		t.Fatalf("second start must fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		active, err := h.store.ListActive(ctx)
		if err != nil {
			t.Fatalf("list active: %v", err)
		}
		if len(active) == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.sched.Stop()

	active, err := h.store.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected the loop to release the stale claim")
	}

	// Stop twice is safe.
	h.sched.Stop()
}

// --- test harness ---

type harness struct {
	store    *memStore
	registry *claim.Registry
	notifier *captureNotifier
	clock    *fakeClock
	sched    *Scheduler
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	store := newMemStore()
	clock := &fakeClock{now: day(0)}
	registry := claim.NewRegistry(store).WithClock(clock.Now)
	notifier := &captureNotifier{}

	sched, err := New(Config{
		Registry: registry,
		Lister:   store,
		Notifier: notifier,
		Policy:   policy,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.WithClock(clock.Now)

	return &harness{store: store, registry: registry, notifier: notifier, clock: clock, sched: sched}
}

func (h *harness) seedActiveClaim(t *testing.T, issue int, claimant string, at time.Time) claim.Claim {
	t.Helper()
	prev := h.clock.Now()
	h.clock.Set(at)
	defer h.clock.Set(prev)

	c, err := h.registry.Create(context.Background(), claim.CreateParams{
		Repository: claim.RepositoryRef{Owner: "octo", Name: "widgets"},
		Issue:      claim.IssueRef{Number: issue, Title: "fix the widget", URL: fmt.Sprintf("https://example.com/%d", issue)},
		ClaimantID: claimant,
	})
	if err != nil {
		t.Fatalf("seed claim: %v", err)
	}
	return c
}

func (h *harness) runOnce(t *testing.T) Summary {
	t.Helper()
	sum, err := h.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	return sum
}

func (h *harness) mustGet(t *testing.T, id string) claim.Claim {
	t.Helper()
	c, err := h.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get claim: %v", err)
	}
	return c
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func day(n int) time.Time {
	return time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(n) * 24 * time.Hour)
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
	fail bool
}

func (n *captureNotifier) Notify(ctx context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return &notify.DeliveryError{RecipientID: msg.RecipientID, Err: errors.New("smtp down")}
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *captureNotifier) forRecipient(id string) []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := []notify.Message{}
	for _, m := range n.sent {
		if m.RecipientID == id {
			out = append(out, m)
		}
	}
	return out
}

// memStore mirrors the conditional-update semantics of the PostgreSQL store.
type memStore struct {
	mu           sync.Mutex
	claims       map[string]claim.Claim
	updateErr    map[string]error
	nudgeErr     map[string]error
	beforeUpdate func()
}

func newMemStore() *memStore {
	return &memStore{
		claims:    make(map[string]claim.Claim),
		updateErr: make(map[string]error),
		nudgeErr:  make(map[string]error),
	}
}

func (m *memStore) Create(ctx context.Context, c claim.Claim) (claim.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.claims {
		if existing.Status == claim.StatusActive &&
			existing.Repository.Owner == c.Repository.Owner &&
			existing.Repository.Name == c.Repository.Name &&
			existing.Issue.Number == c.Issue.Number {
			return claim.Claim{}, claim.ErrDuplicateActiveClaim
		}
	}
	c.UpdatedAt = c.CreatedAt
	m.claims[c.ID] = c
	return c, nil
}

func (m *memStore) GetByID(ctx context.Context, id string) (claim.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return claim.Claim{}, claim.ErrNotFound
	}
	return c, nil
}

func (m *memStore) ListActive(ctx context.Context) ([]claim.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []claim.Claim{}
	for _, c := range m.claims {
		if c.Status == claim.StatusActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) ListForRepository(ctx context.Context, owner, name string) ([]claim.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []claim.Claim{}
	for _, c := range m.claims {
		if c.Repository.Owner == owner && c.Repository.Name == name {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) ListForClaimant(ctx context.Context, claimantID string) ([]claim.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []claim.Claim{}
	for _, c := range m.claims {
		if c.ClaimantID == claimantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) UpdateStatus(ctx context.Context, id string, expected claim.Status, change claim.StatusChange) (claim.Claim, error) {
	if hook := m.beforeUpdate; hook != nil {
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateErr[id]; err != nil {
		return claim.Claim{}, err
	}
	c, ok := m.claims[id]
	if !ok {
		return claim.Claim{}, claim.ErrNotFound
	}
	if c.Status != expected {
		return claim.Claim{}, claim.ErrVersionConflict
	}
	c.Status = change.NewStatus
	if change.At.After(c.LastActivityDate) {
		c.LastActivityDate = change.At
	}
	if change.ReleaseDate != nil {
		c.ReleaseDate = change.ReleaseDate
	}
	if change.Notes != nil {
		c.Notes = change.Notes
	}
	c.UpdatedAt = change.At
	m.claims[id] = c
	return c, nil
}

func (m *memStore) RecordNudge(ctx context.Context, id string, at time.Time) (claim.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.nudgeErr[id]; err != nil {
		return claim.Claim{}, err
	}
	c, ok := m.claims[id]
	if !ok {
		return claim.Claim{}, claim.ErrNotFound
	}
	if c.Status != claim.StatusActive {
		return claim.Claim{}, claim.ErrVersionConflict
	}
	c.NudgeCount++
	nudgeAt := at
	c.LastNudgeDate = &nudgeAt
	c.UpdatedAt = at
	m.claims[id] = c
	return c, nil
}
