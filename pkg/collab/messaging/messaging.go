// Package messaging specifies the messaging-channel validator collaborator:
// checking a user-supplied bot token is live and usable before the
// Convergence Engine ever writes it into a node's config.
package messaging

import "context"

// BotInfo is what the validator reports back about a checked bot token.
type BotInfo struct {
	Username string
	ID       int64
}

// Validator checks a messaging-channel bot token against the provider's own
// API, surfacing an error for a revoked or malformed token before it's
// handed to a node.
type Validator interface {
	ValidateBotToken(ctx context.Context, token string) (*BotInfo, error)
}
