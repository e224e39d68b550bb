package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProfileStore is the repository for UserProfile rows.
type ProfileStore struct {
	db *pgxpool.Pool
}

const profileColumns = `
	id, user_id, selected_model, subscription_status_cache, model_router_key,
	model_router_key_id, usage_used_usd, usage_limit_usd, bot_token, bot_username,
	extension_enabled, created_at, updated_at
`

func scanProfile(row pgx.Row) (*UserProfile, error) {
	var p UserProfile
	err := row.Scan(
		&p.ID, &p.UserID, &p.SelectedModel, &p.SubscriptionStatusCache, &p.ModelRouterKey,
		&p.ModelRouterKeyID, &p.UsageUsedUSD, &p.UsageLimitUSD, &p.BotToken, &p.BotUsername,
		&p.ExtensionEnabled, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a new UserProfile with the given defaults, called by the
// Assignment Coordinator on a user's first successful payment, after their
// ModelRouter key is minted and before any node is claimed for them.
func (s *ProfileStore) Create(ctx context.Context, userID uuid.UUID, defaultModel string, limitUSD float64, modelRouterKey, modelRouterKeyID string) (*UserProfile, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO user_profiles (id, user_id, selected_model, subscription_status_cache,
			model_router_key, model_router_key_id, usage_used_usd, usage_limit_usd, extension_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, false)
		RETURNING `+profileColumns,
		uuid.New(), userID, defaultModel, "active", modelRouterKey, modelRouterKeyID, limitUSD)
	p, err := scanProfile(row)
	if err != nil {
		return nil, fmt.Errorf("inserting user profile: %w", err)
	}
	return p, nil
}

// GetByUserID fetches the UserProfile belonging to userID.
func (s *ProfileStore) GetByUserID(ctx context.Context, userID uuid.UUID) (*UserProfile, error) {
	row := s.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM user_profiles WHERE user_id = $1`, userID)
	p, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting profile for user %s: %w", userID, err)
	}
	return p, nil
}

// UpdateSelectedModel persists a user's chosen model after a successful
// SetModel convergence.
func (s *ProfileStore) UpdateSelectedModel(ctx context.Context, userID uuid.UUID, model string) error {
	_, err := s.db.Exec(ctx, `UPDATE user_profiles SET selected_model = $1, updated_at = now() WHERE user_id = $2`, model, userID)
	if err != nil {
		return fmt.Errorf("updating selected model for user %s: %w", userID, err)
	}
	return nil
}

// UpdateUsage persists the latest usage figures pulled from the model
// router's accounting API.
func (s *ProfileStore) UpdateUsage(ctx context.Context, userID uuid.UUID, usedUSD, limitUSD float64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE user_profiles SET usage_used_usd = $1, usage_limit_usd = $2, updated_at = now() WHERE user_id = $3`,
		usedUSD, limitUSD, userID)
	if err != nil {
		return fmt.Errorf("updating usage for user %s: %w", userID, err)
	}
	return nil
}

// UpdateSubscriptionStatusCache denormalizes the current subscription status
// onto the profile row for cheap status-endpoint reads.
func (s *ProfileStore) UpdateSubscriptionStatusCache(ctx context.Context, userID uuid.UUID, status string) error {
	_, err := s.db.Exec(ctx, `UPDATE user_profiles SET subscription_status_cache = $1, updated_at = now() WHERE user_id = $2`, status, userID)
	if err != nil {
		return fmt.Errorf("updating subscription status cache for user %s: %w", userID, err)
	}
	return nil
}

// UpdateBotCredentials persists a linked Telegram bot's token and username.
func (s *ProfileStore) UpdateBotCredentials(ctx context.Context, userID uuid.UUID, token, username string) error {
	_, err := s.db.Exec(ctx, `UPDATE user_profiles SET bot_token = $1, bot_username = $2, updated_at = now() WHERE user_id = $3`, token, username, userID)
	if err != nil {
		return fmt.Errorf("updating bot credentials for user %s: %w", userID, err)
	}
	return nil
}

// SetExtensionEnabled persists whether the browser/IDE extension integration
// is turned on for this user.
func (s *ProfileStore) SetExtensionEnabled(ctx context.Context, userID uuid.UUID, enabled bool) error {
	_, err := s.db.Exec(ctx, `UPDATE user_profiles SET extension_enabled = $1, updated_at = now() WHERE user_id = $2`, enabled, userID)
	if err != nil {
		return fmt.Errorf("setting extension_enabled for user %s: %w", userID, err)
	}
	return nil
}
