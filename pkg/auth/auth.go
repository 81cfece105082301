// Package auth implements credential login, bearer token issue/verify and
// failed-login lockout for the collector API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors surfaced to the API layer.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserDisabled       = errors.New("user is disabled")
	ErrLockedOut          = errors.New("too many failed login attempts")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrMissingScope       = errors.New("token lacks required scope")
)

// Claims is the payload carried by access tokens. A token binds the user,
// the granted scopes and the client IP it was issued to.
type Claims struct {
	Scopes   []string `json:"scopes"`
	ClientIP string   `json:"client_ip"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token carries the scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenResponse is the body returned by the /token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Service issues and verifies bearer tokens. Tokens are revocable only via
// expiry, so the lifetime should stay short.
type Service struct {
	users   UserStore
	lockout *Lockout
	secret  []byte
	expiry  time.Duration
	logger  *slog.Logger

	// now is injectable for expiry tests.
	now func() time.Time
}

// NewService creates an auth service. lockout may be nil, which disables
// failed-login tracking (used by some tests).
func NewService(users UserStore, lockout *Lockout, secret string, expiry time.Duration) *Service {
	return &Service{
		users:   users,
		lockout: lockout,
		secret:  []byte(secret),
		expiry:  expiry,
		logger:  slog.Default().With("component", "auth"),
		now:     time.Now,
	}
}

// Login validates credentials and mints an access token bound to clientIP.
// Failed attempts count against the lockout budget; once exhausted, further
// attempts return ErrLockedOut even with the correct password.
func (s *Service) Login(ctx context.Context, username, password, clientIP string) (*TokenResponse, error) {
	if s.lockout != nil {
		locked, err := s.lockout.Locked(ctx, username)
		if err != nil {
			return nil, err
		}
		if locked {
			s.logger.Warn("Login rejected, account locked out", "username", username)
			return nil, ErrLockedOut
		}
	}

	user, err := s.users.Get(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Burn a comparison anyway so unknown and known usernames take
			// the same time.
			CheckPassword(password, "$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B0xB/kCJ8sBo8J8mJkqaVbM7QO7K")
			s.recordFailure(ctx, username)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !CheckPassword(password, user.PasswordHash) {
		s.recordFailure(ctx, username)
		return nil, ErrInvalidCredentials
	}
	if user.Disabled {
		return nil, ErrUserDisabled
	}

	if s.lockout != nil {
		if err := s.lockout.Clear(ctx, username); err != nil {
			s.logger.Warn("Failed to clear login failure counter", "username", username, "error", err)
		}
	}

	token, err := s.mintToken(user, clientIP)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Issued access token", "username", username, "client_ip", clientIP)
	return &TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(s.expiry.Seconds()),
	}, nil
}

func (s *Service) recordFailure(ctx context.Context, username string) {
	if s.lockout == nil {
		return
	}
	if err := s.lockout.RecordFailure(ctx, username); err != nil {
		s.logger.Warn("Failed to record login failure", "username", username, "error", err)
	}
}

func (s *Service) mintToken(user *User, clientIP string) (string, error) {
	now := s.now()
	claims := Claims{
		Scopes:   user.Scopes,
		ClientIP: clientIP,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify decodes and validates a bearer token, returning its claims.
// Signature or expiry mismatches map to ErrInvalidToken.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RequireScope asserts that the claims carry the scope.
func (s *Service) RequireScope(claims *Claims, scope string) error {
	if !claims.HasScope(scope) {
		return fmt.Errorf("%w: %s", ErrMissingScope, scope)
	}
	return nil
}
