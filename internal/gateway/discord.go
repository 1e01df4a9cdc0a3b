package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/keel-agent/keel/pkg/models"
)

// DiscordAdapter bridges Discord message events to the gateway.
// Messages from guilds outside the allow list are dropped.
type DiscordAdapter struct {
	gateway *Gateway
	session *discordgo.Session
	allowed map[string]bool
	logger  *slog.Logger

	mu       sync.Mutex
	channels map[string]bool // channel ids seen, for owner notices
}

// NewDiscordAdapter builds the Discord adapter. An empty guild allow
// list admits every guild.
func NewDiscordAdapter(g *Gateway, token string, allowedGuilds []string, logger *slog.Logger) (*DiscordAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}

	a := &DiscordAdapter{
		gateway:  g,
		session:  session,
		allowed:  make(map[string]bool, len(allowedGuilds)),
		logger:   logger.With("component", "discord"),
		channels: make(map[string]bool),
	}
	for _, guild := range allowedGuilds {
		a.allowed[guild] = true
	}

	session.AddHandler(a.handleMessageCreate)
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	g.RegisterNotifier(a.notifyOwner)
	return a, nil
}

// Run opens the Discord session and blocks until ctx is cancelled.
func (a *DiscordAdapter) Run(ctx context.Context) error {
	if err := a.session.Open(); err != nil {
		return err
	}
	a.logger.Info("discord adapter started")
	<-ctx.Done()
	return a.session.Close()
}

func (a *DiscordAdapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}
	if len(a.allowed) > 0 && m.GuildID != "" && !a.allowed[m.GuildID] {
		a.logger.Warn("message from unlisted guild dropped", "guild", m.GuildID)
		return
	}

	a.mu.Lock()
	a.channels[m.ChannelID] = true
	a.mu.Unlock()

	out := a.gateway.Handle(context.Background(), models.Inbound{
		Channel: models.ChannelDiscord,
		UserID:  m.Author.ID,
		Text:    m.Content,
	})
	if out.ReplyText == "" {
		return
	}

	if _, err := s.ChannelMessageSend(m.ChannelID, out.ReplyText); err != nil {
		a.logger.Error("send failed", "channel", m.ChannelID, "error", err)
	}
}

// notifyOwner delivers an owner notice to every channel seen so far.
func (a *DiscordAdapter) notifyOwner(ctx context.Context, text string) {
	a.mu.Lock()
	channels := make([]string, 0, len(a.channels))
	for id := range a.channels {
		channels = append(channels, id)
	}
	a.mu.Unlock()

	for _, id := range channels {
		if _, err := a.session.ChannelMessageSend(id, text); err != nil {
			a.logger.Error("notice failed", "channel", id, "error", err)
		}
	}
}
