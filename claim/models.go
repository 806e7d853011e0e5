package claim

import "time"

// Status represents the lifecycle state of a claim.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
	StatusReleased  Status = "released"
)

// Terminal reports whether no further status transitions are permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAbandoned, StatusReleased:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	return s == StatusActive || s.Terminal()
}

// RepositoryRef identifies the code repository a claim targets.
type RepositoryRef struct {
	Owner string
	Name  string
	URL   string
}

// IssueRef identifies the issue a claim targets.
type IssueRef struct {
	Number int
	Title  string
	URL    string
}

// Claim records that a contributor is working a specific repository issue.
// It mirrors the claims table and carries no JSON annotations so it can be
// reused by different presentation layers.
type Claim struct {
	ID               string
	Repository       RepositoryRef
	Issue            IssueRef
	ClaimantID       string
	Status           Status
	LastActivityDate time.Time
	NudgeCount       int
	LastNudgeDate    *time.Time
	ReleaseDate      *time.Time
	Notes            *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NudgeBasis returns the timestamp the nudge interval is measured from:
// the most recent nudge, or creation when the claim was never nudged.
func (c Claim) NudgeBasis() time.Time {
	if c.LastNudgeDate != nil {
		return *c.LastNudgeDate
	}
	return c.CreatedAt
}
