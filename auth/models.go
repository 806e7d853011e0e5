package auth

import "time"

type Role string

const (
	RoleContributor Role = "contributor"
	RoleMaintainer  Role = "maintainer"
)

// User is the domain representation of an authenticated principal.
// It mirrors the users table and carries no JSON annotations so it can be
// reused by different presentation layers.
type User struct {
	ID             string
	Email          string
	Name           string
	PasswordHash   *string
	GitHubID       *string
	GitHubUsername *string
	Role           Role
	CreatedAt      time.Time
	LastActiveAt   time.Time
}

// RegisterRequest contains registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Principal is the (id, role) pair the claim service consumes for
// authorization decisions.
type Principal struct {
	ID   string
	Role Role
}
