// Package gateway routes inbound channel messages into per-conversation
// agent loops and returns the replies. Recovery commands are intercepted
// before any loop or LLM is touched.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keel-agent/keel/internal/agent"
	"github.com/keel-agent/keel/internal/authority"
	"github.com/keel-agent/keel/internal/config"
	"github.com/keel-agent/keel/internal/recovery"
	"github.com/keel-agent/keel/pkg/models"
)

// Runner is the loop surface the gateway drives.
type Runner interface {
	Run(ctx context.Context, text string) agent.RunResult
	ClearConversation()
}

// NewLoopFunc builds a fresh loop for one conversation at its resolved
// authority tier.
type NewLoopFunc func(channel models.ChannelType, userID string, tier authority.Tier) Runner

// Notifier delivers out-of-band notices to the owner on one channel.
type Notifier func(ctx context.Context, text string)

// session is one live conversation. The lock serializes turns within
// the conversation; different conversations run in parallel.
type session struct {
	mu         sync.Mutex
	loop       Runner
	tier       authority.Tier
	lastActive time.Time
}

// Gateway owns the session table and the inbound pipeline.
type Gateway struct {
	cfg      *config.Config
	resolver *authority.Resolver
	recovery *recovery.Handler
	newLoop  NewLoopFunc
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	sessions  map[string]*session
	notifiers []Notifier
}

// New wires a gateway. recoveryHandler may be nil when the recovery
// channel is disabled.
func New(cfg *config.Config, resolver *authority.Resolver, rec *recovery.Handler, newLoop NewLoopFunc, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:      cfg,
		resolver: resolver,
		recovery: rec,
		newLoop:  newLoop,
		logger:   logger.With("component", "gateway"),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// RegisterNotifier adds an owner-notice sink. Adapters register one at
// startup.
func (g *Gateway) RegisterNotifier(n Notifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifiers = append(g.notifiers, n)
}

// NotifyOwner broadcasts a notice to every registered channel. Used for
// recovery-mode entry.
func (g *Gateway) NotifyOwner(ctx context.Context, text string) {
	g.mu.Lock()
	notifiers := make([]Notifier, len(g.notifiers))
	copy(notifiers, g.notifiers)
	g.mu.Unlock()
	for _, n := range notifiers {
		n(ctx, text)
	}
}

// Handle routes one inbound message to its conversation and returns the
// reply. Recovery commands short-circuit before authority resolution or
// any loop work.
func (g *Gateway) Handle(ctx context.Context, in models.Inbound) models.Outbound {
	if g.recovery != nil {
		if reply, handled := g.recovery.HandleMessage(ctx, string(in.Channel), in.UserID, in.Text); handled {
			return models.Outbound{ReplyText: reply}
		}
	}

	tier := authority.TierOwner
	if g.resolver != nil {
		tier = g.resolver.Resolve(in.Channel, in.UserID)
	}

	sess := g.session(in.Channel, in.UserID, tier)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	result := sess.loop.Run(ctx, in.Text)
	sess.lastActive = g.now()

	g.logger.Debug("turn complete",
		"channel", in.Channel, "user", in.UserID, "tier", tier,
		"steps", result.StepsTaken, "tool_calls", len(result.ToolCallsMade))

	return models.Outbound{ReplyText: result.Content}
}

// session returns the live session for a conversation, creating or
// replacing it when missing, expired, or re-tiered.
func (g *Gateway) session(channel models.ChannelType, userID string, tier authority.Tier) *session {
	key := sessionKey(channel, userID)
	timeout := time.Duration(g.cfg.Gateway.SessionTimeoutHours) * time.Hour

	g.mu.Lock()
	defer g.mu.Unlock()

	sess, ok := g.sessions[key]
	switch {
	case !ok:
	case timeout > 0 && g.now().Sub(sess.lastActive) > timeout:
		g.logger.Info("session expired", "channel", channel, "user", userID)
		ok = false
	case sess.tier != tier:
		// A tier change invalidates the conversation; history built at
		// the old tier must not leak into the new one.
		g.logger.Info("session re-tiered", "channel", channel, "user", userID, "tier", tier)
		ok = false
	}
	if !ok {
		sess = &session{
			loop:       g.newLoop(channel, userID, tier),
			tier:       tier,
			lastActive: g.now(),
		}
		g.sessions[key] = sess
	}
	return sess
}

// ClearConversation resets one conversation's history.
func (g *Gateway) ClearConversation(channel models.ChannelType, userID string) {
	g.mu.Lock()
	sess, ok := g.sessions[sessionKey(channel, userID)]
	g.mu.Unlock()
	if ok {
		sess.mu.Lock()
		sess.loop.ClearConversation()
		sess.mu.Unlock()
	}
}

// SessionCount reports the live session count.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func sessionKey(channel models.ChannelType, userID string) string {
	return fmt.Sprintf("%s:%s", channel, userID)
}
