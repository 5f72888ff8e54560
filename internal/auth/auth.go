// Package auth implements the orchestrator's minimal login/logout and
// bearer-token surface: local password auth and opaque bearer tokens,
// sized to what the login and logout endpoints need. Multi-source
// (local/OS/LDAP) auth and user management as a product are out of scope.
package auth

import (
	"context"
	"dispatchcore/internal/apperrors"
	"dispatchcore/internal/domain"
	"dispatchcore/internal/repository"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// SessionTTL is how long an issued bearer token stays valid.
const SessionTTL = 8 * time.Hour

// Service issues and validates bearer tokens against the repository's user
// and session tables.
type Service struct {
	repo repository.Repository
}

// New creates an auth Service.
func New(repo repository.Repository) *Service {
	return &Service{repo: repo}
}

// invalidCredentials is returned for both "no such user" and "wrong
// password" so a login attempt can't be used to enumerate usernames.
func invalidCredentials() error {
	return apperrors.Validation("credentials", "invalid username or password")
}

// Login verifies username/password and issues a new Session. Only the
// local-auth path is implemented; OS and LDAP auth sources are out of scope.
func (s *Service) Login(ctx context.Context, username, password string) (*domain.Session, *domain.User, error) {
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, nil, invalidCredentials()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil, invalidCredentials()
	}

	now := time.Now()
	session := &domain.Session{
		Token:     uuid.NewString(),
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(SessionTTL),
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, nil, err
	}
	return session, user, nil
}

// Logout revokes a bearer token. Idempotent: revoking an already-gone
// token is not an error, matching the worker transport client's treatment
// of "already gone" as success for cancel requests.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.repo.DeleteSession(ctx, token)
}

// Validate resolves a bearer token to its User, rejecting expired sessions.
func (s *Service) Validate(ctx context.Context, token string) (*domain.User, error) {
	session, err := s.repo.GetSession(ctx, token)
	if err != nil {
		return nil, apperrors.Validation("authorization", "invalid or expired session")
	}
	if session.Expired(time.Now()) {
		_ = s.repo.DeleteSession(ctx, token)
		return nil, apperrors.Validation("authorization", "invalid or expired session")
	}
	user, err := s.repo.GetUser(ctx, session.UserID)
	if err != nil {
		return nil, apperrors.Validation("authorization", "invalid or expired session")
	}
	return user, nil
}

// HashPassword wraps bcrypt for callers that provision local users.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}
