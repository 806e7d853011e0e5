package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"claimflow/claim"
	"claimflow/notify"
)

// ReleaseNote is written onto claims the scheduler releases.
const ReleaseNote = "Automatically released due to inactivity"

// DefaultPeriod is the scan cadence when the operator does not override it.
const DefaultPeriod = time.Hour

// ClaimRegistry is the mutation surface the scheduler drives. Both
// operations are conditional on the claim still being active, so overlapping
// runs and concurrent human updates race safely.
type ClaimRegistry interface {
	RecordNudge(ctx context.Context, id string) (claim.Claim, error)
	SetStatus(ctx context.Context, id string, newStatus claim.Status, notes *string) (claim.Claim, error)
}

// ActiveLister enumerates claims currently in active status.
type ActiveLister interface {
	ListActive(ctx context.Context) ([]claim.Claim, error)
}

// Summary reports what one scan did, for logging and tests.
type Summary struct {
	Scanned   int
	Nudged    int
	Released  int
	Conflicts int
	Failures  int
}

// Scheduler periodically scans active claims and applies the staleness
// policy. Each run is self-contained: no cursor or per-claim state survives
// between runs, so a skipped or partial run is simply retried next cycle.
type Scheduler struct {
	registry    ClaimRegistry
	lister      ActiveLister
	notifier    notify.Notifier
	policy      Policy
	period      time.Duration
	scanTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// Config wires the scheduler's collaborators and cadence.
type Config struct {
	Registry ClaimRegistry
	Lister   ActiveLister
	Notifier notify.Notifier
	Policy   Policy
	// Period between scans; DefaultPeriod when zero.
	Period time.Duration
	// ScanTimeout bounds one full scan so a hung store call cannot block
	// the next cycle. Defaults to half the period.
	ScanTimeout time.Duration
	Logger      *slog.Logger
}

// New validates the policy and builds a stopped scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Registry == nil || cfg.Lister == nil {
		return nil, fmt.Errorf("scheduler: registry and lister are required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = cfg.Period / 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewLogNotifier(cfg.Logger)
	}
	return &Scheduler{
		registry:    cfg.Registry,
		lister:      cfg.Lister,
		notifier:    cfg.Notifier,
		policy:      cfg.Policy,
		period:      cfg.Period,
		scanTimeout: cfg.ScanTimeout,
		now:         time.Now,
		logger:      cfg.Logger,
	}, nil
}

// WithClock overrides the wall clock, for deterministic tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start launches the scan loop: one run immediately, then one per period.
// It returns an error if the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.stop != nil {
		return fmt.Errorf("scheduler: already started")
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(ctx)
	return nil
}

// Stop halts the loop and waits for an in-flight scan to finish.
func (s *Scheduler) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
	s.done = nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.runBounded(ctx)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "reason", ctx.Err())
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.runBounded(ctx)
		}
	}
}

func (s *Scheduler) runBounded(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.scanTimeout)
	defer cancel()

	start := s.now()
	summary, err := s.RunOnce(runCtx)
	if err != nil {
		s.logger.Error("claim scan failed", "error", err)
		return
	}
	s.logger.Info("claim scan complete",
		"scanned", summary.Scanned,
		"nudged", summary.Nudged,
		"released", summary.Released,
		"conflicts", summary.Conflicts,
		"failures", summary.Failures,
		"elapsed", s.now().Sub(start).String(),
	)
}

// RunOnce performs a single scan over all active claims. A failure on one
// claim never stops evaluation of the rest; only a failed listing aborts
// the run.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	claims, err := s.lister.ListActive(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("scheduler: list active claims: %w", err)
	}

	summary := Summary{Scanned: len(claims)}
	for _, c := range claims {
		if err := ctx.Err(); err != nil {
			// Scan timed out; the remaining claims are picked up next cycle.
			s.logger.Warn("claim scan cut short", "remaining", summary.Scanned-summary.Nudged-summary.Released, "error", err)
			break
		}
		s.evaluate(ctx, c, &summary)
	}
	return summary, nil
}

// evaluate applies both policy predicates to one claim. The predicates are
// independent: a claim past both thresholds is nudged and released in the
// same pass.
func (s *Scheduler) evaluate(ctx context.Context, c claim.Claim, summary *Summary) {
	now := s.now()

	if s.policy.NeedsNudge(c, now) {
		nudged, err := s.registry.RecordNudge(ctx, c.ID)
		switch {
		case err == nil:
			summary.Nudged++
			s.dispatch(ctx, nudgeMessage(nudged))
		case errors.Is(err, claim.ErrVersionConflict), errors.Is(err, claim.ErrClaimNotActive), errors.Is(err, claim.ErrNotFound):
			// Another actor moved the claim first; its state is already correct.
			summary.Conflicts++
			s.logger.Info("nudge skipped, claim moved", "claim", c.ID, "error", err)
		default:
			summary.Failures++
			s.logger.Error("nudge failed", "claim", c.ID, "error", err)
		}
	}

	if s.policy.IsStale(c, now) {
		note := ReleaseNote
		released, err := s.registry.SetStatus(ctx, c.ID, claim.StatusReleased, &note)
		switch {
		case err == nil:
			summary.Released++
			s.dispatch(ctx, releaseMessage(released))
		case errors.Is(err, claim.ErrVersionConflict), errors.Is(err, claim.ErrInvalidTransition), errors.Is(err, claim.ErrNotFound):
			summary.Conflicts++
			s.logger.Info("release skipped, claim moved", "claim", c.ID, "error", err)
		default:
			summary.Failures++
			s.logger.Error("release failed", "claim", c.ID, "error", err)
		}
	}
}

// dispatch sends a notification after the state change is committed. A
// delivery failure is logged and never unwinds the claim update.
func (s *Scheduler) dispatch(ctx context.Context, msg notify.Message) {
	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.logger.Warn("notification delivery failed",
			"recipient", msg.RecipientID,
			"subject", msg.Subject,
			"error", err,
		)
	}
}

func nudgeMessage(c claim.Claim) notify.Message {
	return notify.Message{
		RecipientID: c.ClaimantID,
		Subject:     fmt.Sprintf("Reminder: your claim on %s/%s#%d", c.Repository.Owner, c.Repository.Name, c.Issue.Number),
		Body: fmt.Sprintf("You claimed %q but we have not seen progress lately. Update the claim or release it so others can pick it up. (reminder %d)",
			c.Issue.Title, c.NudgeCount),
	}
}

func releaseMessage(c claim.Claim) notify.Message {
	return notify.Message{
		RecipientID: c.ClaimantID,
		Subject:     fmt.Sprintf("Claim released: %s/%s#%d", c.Repository.Owner, c.Repository.Name, c.Issue.Number),
		Body:        fmt.Sprintf("Your claim on %q was automatically released due to inactivity.", c.Issue.Title),
	}
}
