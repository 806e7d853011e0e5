package claim

import (
	"context"
	"errors"
	"strings"
)

// ErrForbidden signals the requester is not allowed to act on the claim.
var ErrForbidden = errors.New("claim: not authorized")

const roleMaintainer = "maintainer"

// Service is the surface exposed to the request-handling layer. It applies
// the authorization rules and delegates every mutation to the registry.
type Service struct {
	registry *Registry
	store    Store
}

// NewService creates the human-facing claim service.
func NewService(registry *Registry, store Store) *Service {
	return &Service{registry: registry, store: store}
}

// CreateClaim opens a claim on behalf of the authenticated requester.
func (s *Service) CreateClaim(ctx context.Context, requesterID string, repository RepositoryRef, issue IssueRef) (Claim, error) {
	return s.registry.Create(ctx, CreateParams{
		Repository: repository,
		Issue:      issue,
		ClaimantID: requesterID,
	})
}

// UpdateClaimStatusParams carries a human-initiated status change.
type UpdateClaimStatusParams struct {
	ClaimID       string
	RequesterID   string
	RequesterRole string
	NewStatus     Status
	Notes         *string
}

// UpdateClaimStatus transitions a claim when the requester owns it or holds
// the maintainer role.
func (s *Service) UpdateClaimStatus(ctx context.Context, params UpdateClaimStatusParams) (Claim, error) {
	current, err := s.store.GetByID(ctx, params.ClaimID)
	if err != nil {
		return Claim{}, err
	}

	role := strings.ToLower(params.RequesterRole)
	if current.ClaimantID != params.RequesterID && role != roleMaintainer {
		return Claim{}, ErrForbidden
	}

	return s.registry.SetStatus(ctx, params.ClaimID, params.NewStatus, params.Notes)
}

// SendManualNudge records a maintainer-triggered nudge on an active claim
// and returns the updated claim for dispatch by the caller.
func (s *Service) SendManualNudge(ctx context.Context, claimID, requesterRole string) (Claim, error) {
	if strings.ToLower(requesterRole) != roleMaintainer {
		return Claim{}, ErrForbidden
	}
	return s.registry.RecordNudge(ctx, claimID)
}

// ListRepositoryClaims returns every claim recorded against a repository.
func (s *Service) ListRepositoryClaims(ctx context.Context, owner, name string) ([]Claim, error) {
	return s.store.ListForRepository(ctx, owner, name)
}

// ListMyClaims returns the requester's claims, newest first.
func (s *Service) ListMyClaims(ctx context.Context, requesterID string) ([]Claim, error) {
	return s.store.ListForClaimant(ctx, requesterID)
}
