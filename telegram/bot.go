package telegram

import (
	"fmt"
	"net/url"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Bot is the slice of *tgbotapi.BotAPI the handlers use.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

// NewBot connects to the Bot API and checks the token.
func NewBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return bot, nil
}

const startText = "Welcome to TubeVault! Collect YouTube videos, channels and playlists " +
	"and keep their metadata in one place. Tap the button below to open the app."

// StartURL is the app link for a user's one-time id.
func StartURL(webAppURL, oneTimeID string) (string, error) {
	u, err := url.Parse(webAppURL)
	if err != nil {
		return "", fmt.Errorf("web app url: %w", err)
	}
	q := u.Query()
	q.Set("one_time_id", oneTimeID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SendStart greets chatID with a button that opens the app signed in.
func SendStart(bot Bot, chatID int64, webAppURL, oneTimeID string) error {
	link, err := StartURL(webAppURL, oneTimeID)
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, startText)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Start", link)),
	)
	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("send start message: %w", err)
	}
	return nil
}

// SetWebhook points the bot at webhookURL. A non-empty secret is echoed by
// Telegram in X-Telegram-Bot-Api-Secret-Token on every update.
func SetWebhook(bot Bot, webhookURL, secret string) error {
	params := tgbotapi.Params{"url": webhookURL}
	params.AddNonEmpty("secret_token", secret)
	if _, err := bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	cmds := tgbotapi.NewSetMyCommands(tgbotapi.BotCommand{Command: "start", Description: "Open TubeVault"})
	if _, err := bot.Request(cmds); err != nil {
		return fmt.Errorf("set commands: %w", err)
	}
	return nil
}
