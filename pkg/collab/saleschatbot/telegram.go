package saleschatbot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier forwards leads to a sales-team Telegram chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier creates a TelegramNotifier posting to chatID using
// botToken.
func NewTelegramNotifier(botToken string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot client: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

// NotifyLead forwards lead to the configured sales chat.
func (n *TelegramNotifier) NotifyLead(ctx context.Context, lead Lead) error {
	msg := tgbotapi.NewMessage(n.chatID, fmt.Sprintf("New lead: %s (interest: %s)", lead.ContactHandle, lead.Interest))
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("sending sales lead notification: %w", err)
	}
	return nil
}

// NotifyReady tells the sales chat a contact's node finished deploying, so
// the same thread that qualified the lead can hand them their bot handle.
func (n *TelegramNotifier) NotifyReady(ctx context.Context, contactHandle, botUsername string) error {
	msg := tgbotapi.NewMessage(n.chatID, fmt.Sprintf("%s's bot is ready! Message @%s to get started.", contactHandle, botUsername))
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("sending ready notification: %w", err)
	}
	return nil
}
