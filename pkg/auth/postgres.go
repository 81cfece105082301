package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresUserStore serves user records from the users table.
type PostgresUserStore struct {
	pool *pgxpool.Pool
}

// NewPostgresUserStore wraps a pgx pool as a UserStore.
func NewPostgresUserStore(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool}
}

// Get implements UserStore.
func (s *PostgresUserStore) Get(ctx context.Context, username string) (*User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT username, password_hash, disabled, scopes FROM users WHERE username = $1`,
		username)

	var u User
	if err := row.Scan(&u.Username, &u.PasswordHash, &u.Disabled, &u.Scopes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("querying user %q: %w", username, err)
	}
	return &u, nil
}

// Create inserts a new user. Used by provisioning tooling and tests.
func (s *PostgresUserStore) Create(ctx context.Context, u *User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (username, password_hash, disabled, scopes) VALUES ($1, $2, $3, $4)`,
		u.Username, u.PasswordHash, u.Disabled, u.Scopes)
	if err != nil {
		return fmt.Errorf("creating user %q: %w", u.Username, err)
	}
	return nil
}
