package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"claimflow/claim"
	"claimflow/notify"
	"claimflow/scheduler"
)

// expected reports whether an error is a legitimate outcome of contention
// rather than a bug: duplicate claims, lost races, terminal claims.
func expected(err error) bool {
	return errors.Is(err, claim.ErrDuplicateActiveClaim) ||
		errors.Is(err, claim.ErrVersionConflict) ||
		errors.Is(err, claim.ErrInvalidTransition) ||
		errors.Is(err, claim.ErrClaimNotActive) ||
		errors.Is(err, claim.ErrNotFound)
}

// transient reports store-level failures the chaos actor can induce by
// severing backends mid-flight.
func transient(err error) bool {
	return err != nil && !expected(err)
}

// Claimant hammers claim creation across a small issue window so multiple
// claimants collide on the same (repo, issue) slots.
func Claimant(ctx context.Context, pool *pgxpool.Pool, claimantID string, issueLo, issueHi int, stop <-chan struct{}) error {
	reg := claim.NewRegistry(claim.NewStore(pool))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		issue := issueLo + rand.Intn(issueHi-issueLo+1)
		_, err := reg.Create(ctx, claim.CreateParams{
			Repository: claim.RepositoryRef{Owner: "octo", Name: "widgets"},
			Issue:      claim.IssueRef{Number: issue, URL: fmt.Sprintf("https://example.com/issues/%d", issue)},
			ClaimantID: claimantID,
		})
		if transient(err) {
			// chaos may have killed our backend; try again next loop
			time.Sleep(50 * time.Millisecond)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Finisher completes or abandons the claimant's own active claims through
// the human-facing service, racing the reaper's releases.
func Finisher(ctx context.Context, pool *pgxpool.Pool, claimantID string, stop <-chan struct{}) error {
	store := claim.NewStore(pool)
	svc := claim.NewService(claim.NewRegistry(store), store)
	outcomes := []claim.Status{claim.StatusCompleted, claim.StatusAbandoned}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		mine, err := store.ListForClaimant(ctx, claimantID)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		for _, c := range mine {
			if c.Status != claim.StatusActive || rand.Intn(3) != 0 {
				continue
			}
			_, err := svc.UpdateClaimStatus(ctx, claim.UpdateClaimStatusParams{
				ClaimID:       c.ID,
				RequesterID:   claimantID,
				RequesterRole: "contributor",
				NewStatus:     outcomes[rand.Intn(len(outcomes))],
			})
			if transient(err) {
				break
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Reaper runs full scheduler scans with a clock two days ahead, so every
// active claim is simultaneously nudge-due and stale. It races the
// finishers on every claim it touches.
func Reaper(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	store := claim.NewStore(pool)
	registry := claim.NewRegistry(store)
	sched, err := scheduler.New(scheduler.Config{
		Registry: registry,
		Lister:   store,
		Notifier: notify.NewOutbox(pool),
		Policy:   scheduler.Policy{NudgeIntervalDays: 1, ClaimExpiryDays: 1},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return err
	}
	ahead := func() time.Time { return time.Now().Add(48 * time.Hour) }
	sched.WithClock(ahead)
	registry.WithClock(time.Now)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := sched.RunOnce(ctx); err != nil && ctx.Err() == nil {
			// listing failed, most likely chaos; retry next loop
			time.Sleep(100 * time.Millisecond)
			continue
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Nudger exercises the maintainer manual-nudge path against random active
// claims.
func Nudger(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	store := claim.NewStore(pool)
	svc := claim.NewService(claim.NewRegistry(store), store)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		active, err := store.ListActive(ctx)
		if err != nil || len(active) == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		target := active[rand.Intn(len(active))]
		_, _ = svc.SendManualNudge(ctx, target.ID, "maintainer")
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}
