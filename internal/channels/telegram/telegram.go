// Package telegram bridges Telegram chats into the runtime over long-poll
// getUpdates. The update cursor is persisted so restarts never replay or
// drop messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/pith-sh/pith/internal/agent"
	"github.com/pith-sh/pith/internal/store"
)

// maxMessageLength is Telegram's hard limit per message.
const maxMessageLength = 4096

// pollTimeout is the getUpdates long-poll window in seconds.
const pollTimeout = 30

// botClient is the slice of bot.Bot this adapter uses. Tests inject a fake.
type botClient interface {
	GetUpdates(ctx context.Context, params *bot.GetUpdatesParams) ([]*tgmodels.Update, error)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
}

// Config holds the adapter settings.
type Config struct {
	Token string
	// AllowedChatID restricts the bridge to one chat; 0 disables the check.
	AllowedChatID int64
}

// Adapter drives one Telegram bot.
type Adapter struct {
	cfg     Config
	runtime *agent.Runtime
	client  botClient
	logger  *slog.Logger
}

// New creates the adapter. The bot connection is established in Run so the
// supervisor owns reconnects.
func New(cfg Config, rt *agent.Runtime) *Adapter {
	return &Adapter{
		cfg:     cfg,
		runtime: rt,
		logger:  slog.Default().With("component", "telegram"),
	}
}

func (a *Adapter) Name() string { return "telegram" }

// Run polls for updates until the context dies. The offset is read from
// app state on entry and advanced after each handled update, so a crash
// mid-batch re-delivers at most the in-flight update.
func (a *Adapter) Run(ctx context.Context) error {
	if a.client == nil {
		b, err := bot.New(a.cfg.Token, bot.WithSkipGetMe())
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.client = b
	}

	offset, err := a.loadOffset(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("telegram channel connected", "offset", offset)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, err := a.client.GetUpdates(ctx, &bot.GetUpdatesParams{
			Offset:         offset,
			Timeout:        pollTimeout,
			AllowedUpdates: []string{"message"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("telegram: get updates: %w", err)
		}

		for _, update := range updates {
			a.handleUpdate(ctx, update)
			offset = update.ID + 1
			if err := a.saveOffset(ctx, offset); err != nil {
				a.logger.Error("failed to persist telegram offset", "error", err)
			}
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return
	}
	chatID := msg.Chat.ID
	if a.cfg.AllowedChatID != 0 && chatID != a.cfg.AllowedChatID {
		a.logger.Warn("ignoring message from disallowed chat", "chat_id", chatID)
		return
	}

	sessionID, err := a.runtime.ActiveSession(ctx)
	if err != nil {
		a.logger.Error("failed to resolve active session", "error", err)
		a.reply(ctx, chatID, "Something went wrong on my end. Try again in a moment.")
		return
	}

	out, err := a.runtime.Turn(ctx, sessionID, msg.Text, "telegram")
	if err != nil {
		if errors.Is(err, agent.ErrBusy) {
			a.reply(ctx, chatID, "Still working on your last message, one moment.")
			return
		}
		a.logger.Error("turn failed", "error", err)
		a.reply(ctx, chatID, "Something went wrong on my end. Try again in a moment.")
		return
	}
	if out != "" {
		a.reply(ctx, chatID, out)
	}
}

func (a *Adapter) reply(ctx context.Context, chatID int64, text string) {
	for _, part := range splitMessage(text, maxMessageLength) {
		if _, err := a.client.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   part,
		}); err != nil {
			a.logger.Error("failed to send telegram message", "error", err)
			return
		}
	}
}

func (a *Adapter) loadOffset(ctx context.Context) (int64, error) {
	raw, ok, err := a.runtime.Store().GetAppState(ctx, store.StateTelegramOffset)
	if err != nil || !ok {
		return 0, err
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		a.logger.Warn("invalid stored telegram offset, resetting", "value", raw)
		return 0, nil
	}
	return offset, nil
}

func (a *Adapter) saveOffset(ctx context.Context, offset int64) error {
	return a.runtime.Store().SetAppState(ctx, store.StateTelegramOffset, strconv.FormatInt(offset, 10))
}

// splitMessage chunks text at the platform limit, preferring newline
// boundaries.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if text[i] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, text[:cut])
		for cut < len(text) && text[cut] == '\n' {
			cut++
		}
		text = text[cut:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
