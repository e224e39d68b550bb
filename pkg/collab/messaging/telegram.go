package messaging

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramValidator validates Telegram bot tokens via GetMe.
type TelegramValidator struct{}

// NewTelegramValidator creates a TelegramValidator.
func NewTelegramValidator() *TelegramValidator { return &TelegramValidator{} }

// ValidateBotToken calls Telegram's getMe endpoint, which both confirms the
// token is live and returns the bot's own username — used as the
// displayed bot handle once a user's node is deployed.
func (v *TelegramValidator) ValidateBotToken(ctx context.Context, token string) (*BotInfo, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("validating telegram bot token: %w", err)
	}
	return &BotInfo{Username: bot.Self.UserName, ID: bot.Self.ID}, nil
}
