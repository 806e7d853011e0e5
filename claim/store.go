package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no claim row exists for the identifier.
	ErrNotFound = errors.New("claim: not found")
	// ErrDuplicateActiveClaim signals an active claim already holds the
	// (owner, name, issue) slot.
	ErrDuplicateActiveClaim = errors.New("claim: issue is already claimed")
	// ErrVersionConflict signals a conditional update found the claim in a
	// different status than the caller observed.
	ErrVersionConflict = errors.New("claim: claim moved under concurrent update")
)

// StatusChange enumerates the fields written by a status transition.
type StatusChange struct {
	NewStatus   Status
	At          time.Time
	Notes       *string
	ReleaseDate *time.Time
}

// Store is the persistence boundary for claims. All writes are conditional
// single-statement updates so a claim is never observed half-written.
type Store interface {
	Create(ctx context.Context, c Claim) (Claim, error)
	GetByID(ctx context.Context, id string) (Claim, error)
	ListActive(ctx context.Context) ([]Claim, error)
	ListForRepository(ctx context.Context, owner, name string) ([]Claim, error)
	ListForClaimant(ctx context.Context, claimantID string) ([]Claim, error)
	UpdateStatus(ctx context.Context, id string, expected Status, change StatusChange) (Claim, error)
	RecordNudge(ctx context.Context, id string, at time.Time) (Claim, error)
}

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewStore creates a PostgreSQL-backed claim store.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const claimColumns = `id, repo_owner, repo_name, repo_url, issue_number, issue_title, issue_url,
       claimant_id, status::text, last_activity_date, nudge_count, last_nudge_date,
       release_date, notes, created_at, updated_at`

// Create inserts a new claim. The partial unique index on active claims turns
// a duplicate active claim for the same issue into ErrDuplicateActiveClaim.
func (s *PGStore) Create(ctx context.Context, c Claim) (Claim, error) {
	const insertSQL = `
		INSERT INTO claims (id, repo_owner, repo_name, repo_url, issue_number, issue_title, issue_url,
			claimant_id, status, last_activity_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::claim_status, $10, $11, $11)
		RETURNING ` + claimColumns

	row := s.pool.QueryRow(ctx, insertSQL,
		c.ID,
		c.Repository.Owner,
		c.Repository.Name,
		nullableString(c.Repository.URL),
		c.Issue.Number,
		nullableString(c.Issue.Title),
		c.Issue.URL,
		c.ClaimantID,
		c.Status,
		c.LastActivityDate,
		c.CreatedAt,
	)

	created, err := scanClaim(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Claim{}, ErrDuplicateActiveClaim
		}
		return Claim{}, fmt.Errorf("claim: insert: %w", err)
	}
	return created, nil
}

func (s *PGStore) GetByID(ctx context.Context, id string) (Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE id = $1`

	c, err := scanClaim(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Claim{}, ErrNotFound
		}
		return Claim{}, fmt.Errorf("claim: get by id: %w", err)
	}
	return c, nil
}

// ListActive returns every claim currently in active status, oldest activity
// first so the scheduler evaluates the most neglected claims before a scan
// timeout can cut the run short.
func (s *PGStore) ListActive(ctx context.Context) ([]Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE status = 'active' ORDER BY last_activity_date ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("claim: list active: %w", err)
	}
	defer rows.Close()
	return collectClaims(rows)
}

func (s *PGStore) ListForRepository(ctx context.Context, owner, name string) ([]Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE repo_owner = $1 AND repo_name = $2 ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, owner, name)
	if err != nil {
		return nil, fmt.Errorf("claim: list for repository: %w", err)
	}
	defer rows.Close()
	return collectClaims(rows)
}

func (s *PGStore) ListForClaimant(ctx context.Context, claimantID string) ([]Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE claimant_id = $1 ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, claimantID)
	if err != nil {
		return nil, fmt.Errorf("claim: list for claimant: %w", err)
	}
	defer rows.Close()
	return collectClaims(rows)
}

// UpdateStatus applies a status transition conditioned on the status the
// caller previously observed. GREATEST keeps last_activity_date from moving
// backward if the injected clock lags the stored timestamp.
func (s *PGStore) UpdateStatus(ctx context.Context, id string, expected Status, change StatusChange) (Claim, error) {
	const updateSQL = `
		UPDATE claims
		SET status = $3::claim_status,
		    last_activity_date = GREATEST(last_activity_date, $4),
		    release_date = COALESCE($5, release_date),
		    notes = COALESCE($6, notes),
		    updated_at = $4
		WHERE id = $1 AND status = $2::claim_status
		RETURNING ` + claimColumns

	row := s.pool.QueryRow(ctx, updateSQL, id, expected, change.NewStatus, change.At, change.ReleaseDate, change.Notes)
	c, err := scanClaim(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Claim{}, s.conditionalMiss(ctx, id)
		}
		return Claim{}, fmt.Errorf("claim: update status: %w", err)
	}
	return c, nil
}

// RecordNudge increments the nudge counter and stamps last_nudge_date,
// leaving last_activity_date untouched. Conditional on the claim still
// being active.
func (s *PGStore) RecordNudge(ctx context.Context, id string, at time.Time) (Claim, error) {
	const updateSQL = `
		UPDATE claims
		SET nudge_count = nudge_count + 1,
		    last_nudge_date = $2,
		    updated_at = $2
		WHERE id = $1 AND status = 'active'
		RETURNING ` + claimColumns

	c, err := scanClaim(s.pool.QueryRow(ctx, updateSQL, id, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Claim{}, s.conditionalMiss(ctx, id)
		}
		return Claim{}, fmt.Errorf("claim: record nudge: %w", err)
	}
	return c, nil
}

// conditionalMiss distinguishes "row gone" from "row moved" after a
// conditional update matched nothing.
func (s *PGStore) conditionalMiss(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM claims WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("claim: verify existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionConflict
}

func collectClaims(rows pgx.Rows) ([]Claim, error) {
	claims := make([]Claim, 0, 16)
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("claim: scan row: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim: iterate rows: %w", err)
	}
	return claims, nil
}

func scanClaim(row pgx.Row) (Claim, error) {
	var (
		c        Claim
		repoURL  *string
		issTitle *string
	)
	err := row.Scan(
		&c.ID,
		&c.Repository.Owner,
		&c.Repository.Name,
		&repoURL,
		&c.Issue.Number,
		&issTitle,
		&c.Issue.URL,
		&c.ClaimantID,
		&c.Status,
		&c.LastActivityDate,
		&c.NudgeCount,
		&c.LastNudgeDate,
		&c.ReleaseDate,
		&c.Notes,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return Claim{}, err
	}
	if repoURL != nil {
		c.Repository.URL = *repoURL
	}
	if issTitle != nil {
		c.Issue.Title = *issTitle
	}
	return c, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
