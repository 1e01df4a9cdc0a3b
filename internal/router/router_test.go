package router

import (
	"context"
	"errors"
	"testing"

	"github.com/keel-agent/keel/internal/config"
	"github.com/keel-agent/keel/internal/ledger"
	"github.com/keel-agent/keel/pkg/models"
)

type fakeProvider struct {
	name  string
	resp  *Response
	err   error
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(_ context.Context, req Request) (*Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return &resp, nil
}

func (f *fakeProvider) Probe(context.Context) error { return f.err }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.LLM.Providers = map[string]*config.ProviderConfig{
		"anthropic": {Enabled: true, DefaultModel: "claude-sonnet-4-20250514"},
		"openai":    {Enabled: true, DefaultModel: "gpt-4o"},
		"ollama":    {Enabled: true, Local: true, DefaultModel: "llama3"},
	}
	cfg.LLM.ProviderPriority = []string{"anthropic", "openai", "ollama"}
	cfg.LLM.Routing = map[string]*config.RouteConfig{
		"chat": {Provider: "anthropic", FallbackProvider: "openai"},
	}
	return cfg
}

func testRouter(cfg *config.Config, providers map[string]Provider) *Router {
	local := map[string]bool{}
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
		if pc := cfg.LLM.Providers[name]; pc != nil && pc.Local {
			local[name] = true
		}
	}
	health := NewHealthMonitor(names, local, nil)
	return New(cfg, providers, health, ledger.New(nil, nil), nil)
}

func userMsg(text string) []models.Message {
	return []models.Message{{Role: models.RoleUser, Content: text}}
}

func TestComplete_RouteThenFallback(t *testing.T) {
	cfg := testConfig()
	primary := &fakeProvider{name: "anthropic", err: errors.New("503 overloaded")}
	fallback := &fakeProvider{name: "openai", resp: &Response{Content: "hi there"}}
	r := testRouter(cfg, map[string]Provider{"anthropic": primary, "openai": fallback})

	resp, err := r.Complete(t.Context(), userMsg("hello"), Options{TaskType: "chat"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Provider != "openai" || resp.Content != "hi there" {
		t.Errorf("resp = %+v, want fallback provider result", resp)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Errorf("calls: primary %d, fallback %d", primary.calls, fallback.calls)
	}
}

func TestComplete_ModelOverride(t *testing.T) {
	cfg := testConfig()
	p := &fakeProvider{name: "openai", resp: &Response{Content: "ok"}}
	r := testRouter(cfg, map[string]Provider{"openai": p})

	resp, err := r.Complete(t.Context(), userMsg("x"), Options{TaskType: "chat", ModelOverride: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want override", resp.Model)
	}
}

func TestComplete_SlashModelGoesToOpenRouter(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.Providers["openrouter"] = &config.ProviderConfig{Enabled: true}
	p := &fakeProvider{name: "openrouter", resp: &Response{Content: "ok"}}
	r := testRouter(cfg, map[string]Provider{"openrouter": p})

	if _, err := r.Complete(t.Context(), userMsg("x"), Options{ModelOverride: "deepseek/deepseek-chat"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if p.calls != 1 {
		t.Errorf("openrouter calls = %d", p.calls)
	}
}

func TestComplete_BudgetGateBeforeSelection(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.Budget.DailyLimitUSD = 10
	p := &fakeProvider{name: "anthropic", resp: &Response{Content: "ok"}}
	r := testRouter(cfg, map[string]Provider{"anthropic": p})

	// Push the ledger to the cap before the call.
	r.ledger.Add(t.Context(), ledger.Record{CostUSD: 10.0})

	_, err := r.Complete(t.Context(), userMsg("x"), Options{TaskType: "chat"})
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
	if p.calls != 0 {
		t.Error("provider was called despite budget stop")
	}
}

func TestComplete_DeniesWhenEstimatedCostReachesLimit(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.Budget.DailyLimitUSD = 10
	p := &fakeProvider{name: "anthropic", resp: &Response{Content: "ok"}}
	r := testRouter(cfg, map[string]Provider{"anthropic": p})

	// A cent of headroom left; the upcoming call is estimated to cost
	// more than that.
	r.ledger.Add(t.Context(), ledger.Record{CostUSD: 9.99})

	_, err := r.Complete(t.Context(), userMsg("summarize the report"), Options{TaskType: "chat"})
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
	if p.calls != 0 {
		t.Error("provider was called despite insufficient headroom")
	}
}

func TestComplete_ProceedsWithHeadroom(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.Budget.DailyLimitUSD = 10
	p := &fakeProvider{name: "anthropic", resp: &Response{Content: "ok"}}
	r := testRouter(cfg, map[string]Provider{"anthropic": p})

	r.ledger.Add(t.Context(), ledger.Record{CostUSD: 5.00})

	if _, err := r.Complete(t.Context(), userMsg("summarize the report"), Options{TaskType: "chat"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if p.calls != 1 {
		t.Errorf("provider calls = %d, want 1", p.calls)
	}
}

func TestComplete_AllCandidatesFail(t *testing.T) {
	cfg := testConfig()
	r := testRouter(cfg, map[string]Provider{
		"anthropic": &fakeProvider{name: "anthropic", err: errors.New("down")},
		"openai":    &fakeProvider{name: "openai", err: errors.New("down")},
	})

	_, err := r.Complete(t.Context(), userMsg("x"), Options{TaskType: "chat"})
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("err = %v, want ErrNoProviderAvailable", err)
	}
}

func TestComplete_LocalProviderGatedByHealth(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.Routing = nil
	cfg.LLM.ProviderPriority = []string{"ollama"}
	p := &fakeProvider{name: "ollama", resp: &Response{Content: "ok"}}
	r := testRouter(cfg, map[string]Provider{"ollama": p})

	r.health.MarkFailure("ollama")
	if _, err := r.Complete(t.Context(), userMsg("x"), Options{TaskType: "chat"}); !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("unhealthy local provider still selected: %v", err)
	}

	r.health.MarkHealthy("ollama")
	if _, err := r.Complete(t.Context(), userMsg("x"), Options{TaskType: "chat"}); err != nil {
		t.Fatalf("recovered local provider not selected: %v", err)
	}
}

func TestComplete_CloudProviderEligibleWhileUnhealthy(t *testing.T) {
	cfg := testConfig()
	p := &fakeProvider{name: "anthropic", resp: &Response{Content: "ok"}}
	r := testRouter(cfg, map[string]Provider{"anthropic": p})

	r.health.MarkFailure("anthropic")
	if _, err := r.Complete(t.Context(), userMsg("x"), Options{TaskType: "chat"}); err != nil {
		t.Fatalf("cloud provider gated by transient failure: %v", err)
	}
}

func TestComplete_RecordsCost(t *testing.T) {
	cfg := testConfig()
	p := &fakeProvider{name: "anthropic", resp: &Response{
		Content: "ok", Model: "claude-sonnet-4-20250514", InputTokens: 1000, OutputTokens: 500,
	}}
	r := testRouter(cfg, map[string]Provider{"anthropic": p})

	resp, err := r.Complete(t.Context(), userMsg("x"), Options{TaskType: "chat"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	// 1000 in at $3/M plus 500 out at $15/M.
	want := 0.003 + 0.0075
	if diff := resp.CostUSD - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cost = %v, want %v", resp.CostUSD, want)
	}
	if got := r.ledger.DailyTotal(); got != resp.CostUSD {
		t.Errorf("ledger total = %v, want %v", got, resp.CostUSD)
	}
}

func TestReshape(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleAssistant, Content: "stray assistant first"},
		{Role: models.RoleSystem, Content: "rules one"},
		{Role: models.RoleSystem, Content: "rules two"},
	}
	got := Reshape(msgs)

	if got[0].Role != models.RoleSystem || got[0].Content != "rules one\nrules two" {
		t.Errorf("system merge: %+v", got[0])
	}
	if got[1].Role != models.RoleUser || got[1].Content != "Please proceed." {
		t.Errorf("missing user placeholder: %+v", got[1])
	}
}

func TestReshape_ToolReplyDedup(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "run it"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "shell_execute"}}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{ToolCallID: "c1", Content: "first"},
			{ToolCallID: "c1", Content: "duplicate"},
			{ToolCallID: "orphan", Content: "no matching call"},
		}},
	}
	got := Reshape(msgs)

	last := got[len(got)-1]
	if last.Role != models.RoleTool || len(last.ToolResults) != 1 {
		t.Fatalf("tool replies = %+v, want exactly one", last.ToolResults)
	}
	if last.ToolResults[0].Content != "first" {
		t.Errorf("kept reply = %q, want the first", last.ToolResults[0].Content)
	}
}

func TestEstimateCost_UnknownModelIsFree(t *testing.T) {
	if got := estimateCost("llama3", 1_000_000, 1_000_000); got != 0 {
		t.Errorf("unknown model cost = %v", got)
	}
	if got := estimateCost("claude-opus-4-20250514", 1_000_000, 0); got != 15.0 {
		t.Errorf("opus input cost = %v", got)
	}
}

func TestHealthMonitor_CheckAllFiresRecovery(t *testing.T) {
	m := NewHealthMonitor([]string{"a", "b"}, nil, nil)
	fired := false
	m.OnAllDown(func() { fired = true })

	down := func(context.Context) error { return errors.New("5xx") }
	m.CheckAll(t.Context(), map[string]func(context.Context) error{"a": down, "b": down})
	if !fired {
		t.Error("recovery callback did not fire with all providers down")
	}

	fired = false
	up := func(context.Context) error { return nil }
	m.CheckAll(t.Context(), map[string]func(context.Context) error{"a": down, "b": up})
	if fired {
		t.Error("recovery callback fired with one provider up")
	}
	for _, s := range m.Snapshot() {
		if s.Name == "b" && !s.Healthy {
			t.Error("successful probe did not reset healthy flag")
		}
	}
}
