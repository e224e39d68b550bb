package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserStore is the repository for User rows.
type UserStore struct {
	db *pgxpool.Pool
}

const userColumns = `id, email, auth_provider, identity_provider_id, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.AuthProvider, &u.IdentityProviderID, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// Create inserts a new User row.
func (s *UserStore) Create(ctx context.Context, email string, provider AuthProvider, identityProviderID string) (*User, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO users (id, email, auth_provider, identity_provider_id)
		VALUES ($1, $2, $3, $4)
		RETURNING `+userColumns,
		uuid.New(), email, provider, identityProviderID)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}
	return u, nil
}

// GetByID fetches a User by primary key.
func (s *UserStore) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user %s: %w", id, err)
	}
	return u, nil
}

// GetByIdentity looks up a User by (provider, identity_provider_id), the
// path used on every OAuth sign-in.
func (s *UserStore) GetByIdentity(ctx context.Context, provider AuthProvider, identityProviderID string) (*User, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users WHERE auth_provider = $1 AND identity_provider_id = $2`,
		provider, identityProviderID)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user by identity: %w", err)
	}
	return u, nil
}

// GetByEmail looks up a User by email, used by admin tooling and the sales
// chatbot handoff.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user by email: %w", err)
	}
	return u, nil
}
