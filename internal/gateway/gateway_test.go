package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/keel-agent/keel/internal/agent"
	"github.com/keel-agent/keel/internal/authority"
	"github.com/keel-agent/keel/internal/config"
	"github.com/keel-agent/keel/internal/recovery"
	"github.com/keel-agent/keel/internal/router"
	"github.com/keel-agent/keel/pkg/models"
)

type fakeLoop struct {
	mu      sync.Mutex
	turns   []string
	cleared int
	reply   string
}

func (l *fakeLoop) Run(ctx context.Context, text string) agent.RunResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, text)
	return agent.RunResult{Content: l.reply, StepsTaken: 1}
}

func (l *fakeLoop) ClearConversation() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleared++
}

type loopFactory struct {
	mu    sync.Mutex
	built []authority.Tier
	loops []*fakeLoop
}

func (f *loopFactory) new(channel models.ChannelType, userID string, tier authority.Tier) Runner {
	f.mu.Lock()
	defer f.mu.Unlock()
	loop := &fakeLoop{reply: fmt.Sprintf("reply-%d", len(f.loops))}
	f.built = append(f.built, tier)
	f.loops = append(f.loops, loop)
	return loop
}

type fakeHealth struct {
	monitor *router.HealthMonitor
}

func (f *fakeHealth) Health() *router.HealthMonitor { return f.monitor }
func (f *fakeHealth) Probes() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{"anthropic": func(context.Context) error { return nil }}
}

func testGateway(t *testing.T, cfg *config.Config) (*Gateway, *loopFactory, *recovery.Handler) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	rec := recovery.NewHandler(cfg, &fakeHealth{monitor: router.NewHealthMonitor([]string{"anthropic"}, nil, nil)}, nil, nil, nil)
	factory := &loopFactory{}
	g := New(cfg, authority.NewResolver(cfg.Authority), rec, factory.new, nil)
	return g, factory, rec
}

func TestHandle_SessionReuse(t *testing.T) {
	g, factory, _ := testGateway(t, nil)

	out := g.Handle(t.Context(), models.Inbound{Channel: models.ChannelCLI, UserID: "local", Text: "one"})
	if out.ReplyText != "reply-0" {
		t.Errorf("reply = %q", out.ReplyText)
	}
	g.Handle(t.Context(), models.Inbound{Channel: models.ChannelCLI, UserID: "local", Text: "two"})

	if len(factory.loops) != 1 {
		t.Fatalf("loops built = %d, want 1", len(factory.loops))
	}
	if fmt.Sprint(factory.loops[0].turns) != fmt.Sprint([]string{"one", "two"}) {
		t.Errorf("turns = %v", factory.loops[0].turns)
	}
}

func TestHandle_DistinctConversations(t *testing.T) {
	g, factory, _ := testGateway(t, nil)

	g.Handle(t.Context(), models.Inbound{Channel: models.ChannelTelegram, UserID: "111", Text: "hi"})
	g.Handle(t.Context(), models.Inbound{Channel: models.ChannelTelegram, UserID: "222", Text: "hi"})
	g.Handle(t.Context(), models.Inbound{Channel: models.ChannelDiscord, UserID: "111", Text: "hi"})

	if len(factory.loops) != 3 {
		t.Errorf("loops built = %d, want 3", len(factory.loops))
	}
	if g.SessionCount() != 3 {
		t.Errorf("session count = %d, want 3", g.SessionCount())
	}
}

func TestHandle_SessionExpiry(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.SessionTimeoutHours = 1
	g, factory, _ := testGateway(t, cfg)

	current := time.Now()
	g.now = func() time.Time { return current }

	g.Handle(t.Context(), models.Inbound{Channel: models.ChannelCLI, UserID: "local", Text: "one"})
	current = current.Add(30 * time.Minute)
	g.Handle(t.Context(), models.Inbound{Channel: models.ChannelCLI, UserID: "local", Text: "two"})
	if len(factory.loops) != 1 {
		t.Fatalf("loops built = %d before expiry, want 1", len(factory.loops))
	}

	current = current.Add(2 * time.Hour)
	g.Handle(t.Context(), models.Inbound{Channel: models.ChannelCLI, UserID: "local", Text: "three"})
	if len(factory.loops) != 2 {
		t.Errorf("loops built = %d after expiry, want 2", len(factory.loops))
	}
}

func TestHandle_TierResolution(t *testing.T) {
	cfg := config.Default()
	cfg.Authority.Owner.UserIDs = []string{"111"}
	cfg.Authority.Trusted.UserIDs = []string{"222"}
	g, factory, _ := testGateway(t, cfg)

	g.Handle(t.Context(), models.Inbound{Channel: models.ChannelTelegram, UserID: "222", Text: "hi"})
	g.Handle(t.Context(), models.Inbound{Channel: models.ChannelTelegram, UserID: "111", Text: "hi"})
	g.Handle(t.Context(), models.Inbound{Channel: models.ChannelTelegram, UserID: "999", Text: "hi"})
	g.Handle(t.Context(), models.Inbound{Channel: models.ChannelCLI, UserID: "anyone", Text: "hi"})

	want := []authority.Tier{authority.TierTrusted, authority.TierOwner, authority.TierPublic, authority.TierOwner}
	if fmt.Sprint(factory.built) != fmt.Sprint(want) {
		t.Errorf("tiers = %v, want %v", factory.built, want)
	}
}

func TestHandle_RecoveryCommandBypassesLoop(t *testing.T) {
	g, factory, rec := testGateway(t, nil)

	out := g.Handle(t.Context(), models.Inbound{Channel: models.ChannelCLI, UserID: "local", Text: "/recovery on"})
	if out.ReplyText == "" {
		t.Fatal("empty recovery reply")
	}
	if !rec.Active() {
		t.Error("recovery not active after /recovery on")
	}
	if len(factory.loops) != 0 {
		t.Error("loop built for a recovery command")
	}

	// Plain text while recovery is active also bypasses the loop.
	out = g.Handle(t.Context(), models.Inbound{Channel: models.ChannelCLI, UserID: "local", Text: "hello"})
	if len(factory.loops) != 0 {
		t.Error("loop built while recovery active")
	}
	if out.ReplyText == "" {
		t.Error("no banner while recovery active")
	}

	g.Handle(t.Context(), models.Inbound{Channel: models.ChannelCLI, UserID: "local", Text: "/recovery off"})
	g.Handle(t.Context(), models.Inbound{Channel: models.ChannelCLI, UserID: "local", Text: "hello"})
	if len(factory.loops) != 1 {
		t.Errorf("loops built = %d after recovery off, want 1", len(factory.loops))
	}
}

func TestHandle_ReTierInvalidatesSession(t *testing.T) {
	cfg := config.Default()
	cfg.Authority.Owner.UserIDs = []string{"111"}
	cfg.Authority.Trusted.UserIDs = []string{"222"}
	g, factory, _ := testGateway(t, cfg)

	g.Handle(t.Context(), models.Inbound{Channel: models.ChannelTelegram, UserID: "222", Text: "hi"})

	// Promote the user to owner; the next message must not reuse the
	// TRUSTED-tier conversation.
	cfg.Authority.Owner.UserIDs = append(cfg.Authority.Owner.UserIDs, "222")
	g.resolver = authority.NewResolver(cfg.Authority)

	g.Handle(t.Context(), models.Inbound{Channel: models.ChannelTelegram, UserID: "222", Text: "hi"})
	if len(factory.loops) != 2 {
		t.Errorf("loops built = %d, want 2", len(factory.loops))
	}
	if factory.built[1] != authority.TierOwner {
		t.Errorf("second loop tier = %v", factory.built[1])
	}
}

func TestNotifyOwnerFanOut(t *testing.T) {
	g, _, _ := testGateway(t, nil)

	var mu sync.Mutex
	var got []string
	g.RegisterNotifier(func(ctx context.Context, text string) {
		mu.Lock()
		got = append(got, "a:"+text)
		mu.Unlock()
	})
	g.RegisterNotifier(func(ctx context.Context, text string) {
		mu.Lock()
		got = append(got, "b:"+text)
		mu.Unlock()
	})

	g.NotifyOwner(t.Context(), "providers down")
	if len(got) != 2 {
		t.Errorf("notices = %v", got)
	}
}

func TestClearConversation(t *testing.T) {
	g, factory, _ := testGateway(t, nil)
	g.Handle(t.Context(), models.Inbound{Channel: models.ChannelCLI, UserID: "local", Text: "hi"})

	g.ClearConversation(models.ChannelCLI, "local")
	if factory.loops[0].cleared != 1 {
		t.Errorf("cleared = %d, want 1", factory.loops[0].cleared)
	}
}
