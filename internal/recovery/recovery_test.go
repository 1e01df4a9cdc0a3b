package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/keel-agent/keel/internal/config"
	"github.com/keel-agent/keel/internal/router"
)

type fakeHealth struct {
	monitor *router.HealthMonitor
	probes  map[string]func(context.Context) error
}

func (f *fakeHealth) Health() *router.HealthMonitor                { return f.monitor }
func (f *fakeHealth) Probes() map[string]func(context.Context) error { return f.probes }

func failingProbe(context.Context) error { return errors.New("connection refused") }
func okProbe(context.Context) error      { return nil }

func testHandler(probes map[string]func(context.Context) error) (*Handler, *config.Config) {
	cfg := config.Default()
	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
		cfg.LLM.Providers[name] = &config.ProviderConfig{Enabled: true, DefaultModel: "m"}
	}
	health := &fakeHealth{
		monitor: router.NewHealthMonitor(names, nil, nil),
		probes:  probes,
	}
	return NewHandler(cfg, health, nil, nil, nil), cfg
}

func TestParseCommand(t *testing.T) {
	p := NewParser()
	tests := []struct {
		text     string
		wantName string
		wantArgs string
	}{
		{"/health", "health", ""},
		{"/health recheck", "health", "recheck"},
		{"!provider disable openrouter", "provider", "disable openrouter"},
		{"  /recovery on  ", "recovery", "on"},
		{"/CONFIG get llm.budget", "config", "get llm.budget"},
	}
	for _, tt := range tests {
		got := p.ParseCommand(tt.text)
		if got == nil {
			t.Errorf("ParseCommand(%q) = nil", tt.text)
			continue
		}
		if got.Name != tt.wantName || got.Args != tt.wantArgs {
			t.Errorf("ParseCommand(%q) = %q %q, want %q %q", tt.text, got.Name, got.Args, tt.wantName, tt.wantArgs)
		}
	}

	for _, text := range []string{"hello", "/tmp/file.txt", "/", "/123", "", "what / why"} {
		if got := p.ParseCommand(text); got != nil {
			t.Errorf("ParseCommand(%q) = %+v, want nil", text, got)
		}
	}
}

func TestHandleMessage_PlainTextPassesThroughWhenInactive(t *testing.T) {
	h, _ := testHandler(map[string]func(context.Context) error{"anthropic": okProbe})
	reply, handled := h.HandleMessage(t.Context(), "cli", "owner", "summarize my notes")
	if handled {
		t.Errorf("plain text intercepted: %q", reply)
	}
}

func TestHandleMessage_PlainTextGetsBannerWhenActive(t *testing.T) {
	h, _ := testHandler(map[string]func(context.Context) error{"anthropic": okProbe})
	h.Enter("test")
	reply, handled := h.HandleMessage(t.Context(), "cli", "owner", "summarize my notes")
	if !handled {
		t.Fatal("plain text not intercepted while active")
	}
	if !strings.Contains(reply, "/health") {
		t.Errorf("banner missing command list: %q", reply)
	}
}

func TestRecoveryOnOffLog(t *testing.T) {
	h, _ := testHandler(map[string]func(context.Context) error{"anthropic": okProbe})

	reply, handled := h.HandleMessage(t.Context(), "cli", "owner", "/recovery on")
	if !handled || !strings.Contains(reply, "on") {
		t.Fatalf("recovery on: handled=%v reply=%q", handled, reply)
	}
	if !h.Active() {
		t.Fatal("not active after /recovery on")
	}

	reply, _ = h.HandleMessage(t.Context(), "cli", "owner", "/recovery log")
	if !strings.Contains(reply, "recovery on") {
		t.Errorf("log missing entry action: %q", reply)
	}

	h.HandleMessage(t.Context(), "cli", "owner", "/recovery off")
	if h.Active() {
		t.Fatal("still active after /recovery off")
	}
}

func TestHealthRecheck_AllFailEntersRecovery(t *testing.T) {
	h, _ := testHandler(map[string]func(context.Context) error{
		"anthropic": failingProbe,
		"openai":    failingProbe,
	})
	reply, handled := h.HandleMessage(t.Context(), "cli", "owner", "/health recheck")
	if !handled {
		t.Fatal("recheck not handled")
	}
	if !h.Active() {
		t.Error("all probes failed but recovery not entered")
	}
	if !strings.Contains(reply, "unhealthy") {
		t.Errorf("report missing unhealthy state: %q", reply)
	}
}

func TestHealthRecheck_OneHealthyStaysInactive(t *testing.T) {
	h, _ := testHandler(map[string]func(context.Context) error{
		"anthropic": failingProbe,
		"openai":    okProbe,
	})
	h.HandleMessage(t.Context(), "cli", "owner", "/health recheck")
	if h.Active() {
		t.Error("recovery entered with a healthy provider present")
	}
}

func TestProviderDisableAndPriority(t *testing.T) {
	h, cfg := testHandler(map[string]func(context.Context) error{
		"anthropic":  okProbe,
		"openrouter": okProbe,
	})

	reply, _ := h.HandleMessage(t.Context(), "cli", "owner", "/provider disable openrouter")
	if strings.HasPrefix(reply, "error") {
		t.Fatalf("disable failed: %q", reply)
	}
	if cfg.LLM.Providers["openrouter"].Enabled {
		t.Error("config still shows openrouter enabled")
	}
	if h.health.Health().Eligible("openrouter") {
		t.Error("monitor still shows openrouter eligible")
	}

	reply, _ = h.HandleMessage(t.Context(), "cli", "owner", "/provider priority anthropic,openrouter")
	if strings.HasPrefix(reply, "error") {
		t.Fatalf("priority failed: %q", reply)
	}
	want := []string{"anthropic", "openrouter"}
	if fmt.Sprint(cfg.LLM.ProviderPriority) != fmt.Sprint(want) {
		t.Errorf("priority = %v, want %v", cfg.LLM.ProviderPriority, want)
	}

	reply, _ = h.HandleMessage(t.Context(), "cli", "owner", "/provider priority anthropic openrouter")
	if fmt.Sprint(cfg.LLM.ProviderPriority) != fmt.Sprint(want) {
		t.Errorf("space-separated priority = %v (%q)", cfg.LLM.ProviderPriority, reply)
	}

	reply, _ = h.HandleMessage(t.Context(), "cli", "owner", "/provider disable nonexistent")
	if !strings.HasPrefix(reply, "error") {
		t.Errorf("unknown provider accepted: %q", reply)
	}
}

func TestConfigSet_BlockedKeyRejected(t *testing.T) {
	h, cfg := testHandler(map[string]func(context.Context) error{"anthropic": okProbe})
	before := len(cfg.Shell.BlacklistPatterns)

	reply, handled := h.HandleMessage(t.Context(), "cli", "owner", "/config set shell.blacklist_patterns []")
	if !handled || !strings.HasPrefix(reply, "error") {
		t.Fatalf("blocked key not rejected: %q", reply)
	}
	if len(cfg.Shell.BlacklistPatterns) != before {
		t.Error("blocked key mutated config")
	}
}

func TestConfigSetAndGet(t *testing.T) {
	h, cfg := testHandler(map[string]func(context.Context) error{"anthropic": okProbe})

	reply, _ := h.HandleMessage(t.Context(), "cli", "owner", "/config set llm.budget.daily_limit_usd 25.5")
	if strings.HasPrefix(reply, "error") {
		t.Fatalf("set failed: %q", reply)
	}
	if cfg.LLM.Budget.DailyLimitUSD != 25.5 {
		t.Errorf("daily limit = %v", cfg.LLM.Budget.DailyLimitUSD)
	}

	reply, _ = h.HandleMessage(t.Context(), "cli", "owner", "/config get llm.budget.daily_limit_usd")
	if !strings.Contains(reply, "25.5") {
		t.Errorf("get reply = %q", reply)
	}
}

func TestActionRingBounded(t *testing.T) {
	h, _ := testHandler(map[string]func(context.Context) error{"anthropic": okProbe})
	for i := 0; i < actionRingSize+50; i++ {
		h.record(fmt.Sprintf("action %d", i))
	}
	log := h.Log()
	if len(log) != actionRingSize {
		t.Fatalf("ring size = %d, want %d", len(log), actionRingSize)
	}
	if log[0].Text != "action 50" {
		t.Errorf("oldest entry = %q, want action 50", log[0].Text)
	}
}

func TestRestartUnsupported(t *testing.T) {
	h, _ := testHandler(map[string]func(context.Context) error{"anthropic": okProbe})
	reply, handled := h.HandleMessage(t.Context(), "cli", "owner", "/restart")
	if !handled || !strings.HasPrefix(reply, "error") {
		t.Errorf("restart without host support: handled=%v reply=%q", handled, reply)
	}
}
