package gateway

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/keel-agent/keel/pkg/models"
)

// TelegramAdapter bridges Telegram long polling to the gateway. Users
// outside the allow list are ignored before any authority resolution.
type TelegramAdapter struct {
	gateway *Gateway
	token   string
	allowed map[string]bool
	logger  *slog.Logger

	bot *bot.Bot

	mu    sync.Mutex
	chats map[string]int64 // user id -> last chat id, for owner notices
}

// NewTelegramAdapter builds the Telegram adapter. An empty allow list
// admits every user; authority still decides what they may do.
func NewTelegramAdapter(g *Gateway, token string, allowedUsers []string, logger *slog.Logger) (*TelegramAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &TelegramAdapter{
		gateway: g,
		token:   token,
		allowed: make(map[string]bool, len(allowedUsers)),
		logger:  logger.With("component", "telegram"),
		chats:   make(map[string]int64),
	}
	for _, u := range allowedUsers {
		a.allowed[u] = true
	}

	b, err := bot.New(token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return nil, err
	}
	a.bot = b
	g.RegisterNotifier(a.notifyOwner)
	return a, nil
}

// Run starts long polling and blocks until ctx is cancelled.
func (a *TelegramAdapter) Run(ctx context.Context) error {
	a.logger.Info("telegram adapter started")
	a.bot.Start(ctx)
	return nil
}

func (a *TelegramAdapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Text == "" {
		return
	}

	userID := strconv.FormatInt(update.Message.From.ID, 10)
	chatID := update.Message.Chat.ID
	if len(a.allowed) > 0 && !a.allowed[userID] {
		a.logger.Warn("message from unlisted user dropped", "user", userID)
		return
	}

	a.mu.Lock()
	a.chats[userID] = chatID
	a.mu.Unlock()

	out := a.gateway.Handle(ctx, models.Inbound{
		Channel: models.ChannelTelegram,
		UserID:  userID,
		Text:    update.Message.Text,
	})
	if out.ReplyText == "" {
		return
	}

	if _, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   out.ReplyText,
	}); err != nil {
		a.logger.Error("send failed", "chat", chatID, "error", err)
	}
}

// notifyOwner delivers an owner notice to every chat seen so far.
func (a *TelegramAdapter) notifyOwner(ctx context.Context, text string) {
	a.mu.Lock()
	chats := make([]int64, 0, len(a.chats))
	for _, id := range a.chats {
		chats = append(chats, id)
	}
	a.mu.Unlock()

	for _, chatID := range chats {
		if _, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
			a.logger.Error("notice failed", "chat", chatID, "error", err)
		}
	}
}
