package domain

import "time"

// UserRole is the access level granted to a User.
type UserRole string

const (
	RoleAdmin    UserRole = "admin"
	RoleOperator UserRole = "operator"
	RoleViewer   UserRole = "viewer"
)

// User is an operator or service account able to authenticate against the
// orchestrator's minimal auth surface.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"` // unique
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session backs a bearer token issued by POST /api/auth/login.
type Session struct {
	Token     string    `json:"token"` // the bearer token itself
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session token is no longer valid.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// ConfigEntry is a category/key/value row backing /api/db and similar
// runtime-configurable settings.
type ConfigEntry struct {
	Category string `json:"category"`
	Key      string `json:"key"`
	Value    string `json:"value"`
}
