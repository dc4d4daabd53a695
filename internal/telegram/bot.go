package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/harun/plugd/pkg/host"
)

// MaxMessageLength is the Telegram limit for one text message, in runes
const MaxMessageLength = 4096

// Bot delivers messages for the bot.send host API
type Bot struct {
	api    *tgbotapi.BotAPI
	logger zerolog.Logger
}

// New authenticates against the Telegram API with token
func New(token string, logger zerolog.Logger) (*Bot, error) {
	return NewWithEndpoint(token, tgbotapi.APIEndpoint, &http.Client{}, logger)
}

// NewWithEndpoint authenticates against a custom API endpoint, a format
// string taking the token and the method name.
func NewWithEndpoint(token, endpoint string, client *http.Client, logger zerolog.Logger) (*Bot, error) {
	if token == "" {
		return nil, errors.New("bot token is required")
	}

	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	b := &Bot{
		api:    api,
		logger: logger.With().Str("component", "telegram").Logger(),
	}
	b.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")
	return b, nil
}

// Username returns the bot's username
func (b *Bot) Username() string {
	return b.api.Self.UserName
}

// Send delivers text to chatID, split into as many messages as the length
// limit requires. It stops at the first failed part.
func (b *Bot) Send(ctx context.Context, chatID int64, text string) error {
	if text == "" {
		return errors.New("message text is empty")
	}

	parts := SplitMessage(text, MaxMessageLength)
	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.api.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("failed to send message part %d/%d: %w", i+1, len(parts), err)
		}
	}

	b.logger.Debug().
		Int64("chat_id", chatID).
		Int("parts", len(parts)).
		Msg("Message sent")
	return nil
}

// SplitMessage cuts text into chunks of at most limit runes, preferring to
// break after a newline.
func SplitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

var _ host.BotSender = (*Bot)(nil)
