package identity

import (
	"fmt"
	"strings"
	"time"
)

// Role is the coarse access level carried in access-token claims.
type Role string

const (
	RoleEmployer Role = "employer"
	RoleEmployee Role = "employee"
	RoleAdmin    Role = "admin"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleEmployer:
		return RoleEmployer, nil
	case RoleEmployee:
		return RoleEmployee, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Organisation groups users and owns purchases and keypasses.
type Organisation struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// User is a stored account. Users are never physically deleted.
type User struct {
	ID             string
	OrganisationID string
	Email          string
	Name           string
	PasswordHash   string
	Role           Role
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Principal is the verified caller identity handed to route handlers.
type Principal struct {
	UserID         string
	Email          string
	Role           Role
	OrganisationID string
}

// RefreshToken is one entry of the refresh-token allow-list. Only the hash
// of the secret half is persisted; presenting a token whose hash is absent
// means it was never issued, already rotated, or revoked.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ResetToken is a single-use password-reset token, stored hashed.
type ResetToken struct {
	TokenHash string
	UserID    string
	ExpiresAt time.Time
}

// TokenPair carries a freshly issued access + refresh token.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
