package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition signals an attempt to move a claim out of a
	// terminal status.
	ErrInvalidTransition = errors.New("claim: claim is in a terminal status")
	// ErrClaimNotActive signals a nudge against a claim that is not active.
	ErrClaimNotActive = errors.New("claim: can only nudge active claims")
	// ErrInvalidStatus signals an unknown or unreachable target status.
	ErrInvalidStatus = errors.New("claim: invalid target status")
)

// Registry owns all mutation of claims and enforces the lifecycle
// invariants: one active claim per issue, terminal statuses stay terminal,
// release dates only on released claims.
type Registry struct {
	store Store
	now   func() time.Time
	idGen func() string
}

// NewRegistry creates a claim registry over the given store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store: store,
		now:   time.Now,
		idGen: func() string { return uuid.NewString() },
	}
}

// WithClock overrides the wall clock, for deterministic tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// WithIDGenerator overrides claim id generation.
func (r *Registry) WithIDGenerator(gen func() string) *Registry {
	r.idGen = gen
	return r
}

// CreateParams enumerates the fields required to open a claim.
type CreateParams struct {
	Repository RepositoryRef
	Issue      IssueRef
	ClaimantID string
}

// Create opens a new active claim, failing with ErrDuplicateActiveClaim when
// an active claim already covers the same (owner, name, issue) triple.
func (r *Registry) Create(ctx context.Context, params CreateParams) (Claim, error) {
	if params.Repository.Owner == "" || params.Repository.Name == "" {
		return Claim{}, fmt.Errorf("claim: repository owner and name required")
	}
	if params.Issue.Number <= 0 {
		return Claim{}, fmt.Errorf("claim: invalid issue number %d", params.Issue.Number)
	}
	if params.Issue.URL == "" {
		return Claim{}, fmt.Errorf("claim: issue url required")
	}
	if params.ClaimantID == "" {
		return Claim{}, fmt.Errorf("claim: claimant id required")
	}

	now := r.now().UTC()
	c := Claim{
		ID:               r.idGen(),
		Repository:       params.Repository,
		Issue:            params.Issue,
		ClaimantID:       params.ClaimantID,
		Status:           StatusActive,
		LastActivityDate: now,
		CreatedAt:        now,
	}

	return r.store.Create(ctx, c)
}

// SetStatus transitions a claim out of active. Terminal claims reject
// further transitions with ErrInvalidTransition; a claim that moves between
// the read and the conditional write surfaces ErrVersionConflict.
func (r *Registry) SetStatus(ctx context.Context, id string, newStatus Status, notes *string) (Claim, error) {
	if !newStatus.Terminal() {
		return Claim{}, ErrInvalidStatus
	}

	current, err := r.store.GetByID(ctx, id)
	if err != nil {
		return Claim{}, err
	}
	if current.Status.Terminal() {
		return Claim{}, ErrInvalidTransition
	}

	now := r.now().UTC()
	change := StatusChange{
		NewStatus: newStatus,
		At:        now,
		Notes:     notes,
	}
	if newStatus == StatusReleased {
		change.ReleaseDate = &now
	}

	return r.store.UpdateStatus(ctx, id, current.Status, change)
}

// RecordNudge increments the nudge counter on an active claim. A nudge is
// maintainer-initiated, not contributor activity, so last_activity_date is
// left alone.
func (r *Registry) RecordNudge(ctx context.Context, id string) (Claim, error) {
	current, err := r.store.GetByID(ctx, id)
	if err != nil {
		return Claim{}, err
	}
	if current.Status != StatusActive {
		return Claim{}, ErrClaimNotActive
	}

	return r.store.RecordNudge(ctx, id, r.now().UTC())
}
