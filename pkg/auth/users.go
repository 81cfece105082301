package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrUserNotFound is returned by user stores for unknown usernames.
var ErrUserNotFound = errors.New("user not found")

// Scopes recognized by the API surface.
const (
	ScopeLogsWrite = "logs:write"
	ScopeLogsRead  = "logs:read"
	ScopeAdmin     = "admin"
)

// User is an account allowed to authenticate against the collector.
type User struct {
	Username     string
	PasswordHash string
	Disabled     bool
	Scopes       []string
}

// HasScope reports whether the user was granted the scope.
func (u *User) HasScope(scope string) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// UserStore resolves usernames to user records.
type UserStore interface {
	Get(ctx context.Context, username string) (*User, error)
}

// HashPassword returns a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a stored hash.
// bcrypt comparison is constant-time.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// MemoryUserStore is an in-memory UserStore for tests and local development.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemoryUserStore creates an empty in-memory store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*User)}
}

// Add inserts or replaces a user record.
func (s *MemoryUserStore) Add(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Username] = u
}

// Get implements UserStore.
func (s *MemoryUserStore) Get(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}
