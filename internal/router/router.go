// Package router selects an LLM provider for each completion under
// budget and health constraints, reshapes messages per provider, and
// records spend in the ledger.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/keel-agent/keel/internal/config"
	"github.com/keel-agent/keel/internal/ledger"
	"github.com/keel-agent/keel/pkg/models"
)

// Request is the canonical completion request handed to an adapter. The
// adapter reshapes Messages to its wire constraints.
type Request struct {
	Messages    []models.Message
	Model       string
	Tools       []models.ToolDescriptor
	Temperature float64
	MaxTokens   int
}

// Response is the canonical completion result.
type Response struct {
	Content      string            `json:"content"`
	Model        string            `json:"model"`
	Provider     string            `json:"provider"`
	InputTokens  int64             `json:"input_tokens"`
	OutputTokens int64             `json:"output_tokens"`
	CostUSD      float64           `json:"cost_usd"`
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
}

// HasToolCalls reports whether the model requested tool execution.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// Provider is one LLM backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	// Probe is a cheap liveness check used by the health monitor.
	Probe(ctx context.Context) error
}

// Options carries the per-call routing inputs.
type Options struct {
	TaskType      string
	ModelOverride string
	Tools         []models.ToolDescriptor
	Temperature   float64
	MaxTokens     int
}

// Router is the provider selection and failover engine.
type Router struct {
	cfg       *config.Config
	providers map[string]Provider
	health    *HealthMonitor
	ledger    *ledger.Ledger
	logger    *slog.Logger
}

// New wires a router from constructed providers.
func New(cfg *config.Config, providers map[string]Provider, health *HealthMonitor, led *ledger.Ledger, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:       cfg,
		providers: providers,
		health:    health,
		ledger:    led,
		logger:    logger.With("component", "router"),
	}
}

// Health exposes the monitor for the recovery handler.
func (r *Router) Health() *HealthMonitor {
	return r.health
}

// Probes returns the per-provider probe functions for scheduling.
func (r *Router) Probes() map[string]func(context.Context) error {
	probes := make(map[string]func(context.Context) error, len(r.providers))
	for name, p := range r.providers {
		probes[name] = p.Probe
	}
	return probes
}

// candidate is one (provider, model) pair selection produced.
type candidate struct {
	provider Provider
	model    string
}

// Complete runs the budget gate, selection, and failover for one
// completion. Candidates are tried in order within the same turn; a
// candidate failure marks the provider and moves on.
func (r *Router) Complete(ctx context.Context, msgs []models.Message, opts Options) (*Response, error) {
	if err := r.checkBudget(0); err != nil {
		return nil, err
	}

	candidates, err := r.selectCandidates(opts.TaskType, opts.ModelOverride)
	if err != nil {
		return nil, err
	}

	// A call whose estimated cost would cross the limit is denied
	// before any provider is contacted.
	if err := r.checkBudget(estimateRequestCost(candidates[0].model, msgs, opts.MaxTokens)); err != nil {
		return nil, err
	}

	req := Request{
		Messages:    msgs,
		Tools:       opts.Tools,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	var lastErr error
	for _, c := range candidates {
		req.Model = c.model
		start := time.Now()
		resp, err := c.provider.Complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				// Cancellation is the caller's deadline, not a provider
				// fault; nothing is recorded.
				return nil, ctx.Err()
			}
			r.health.MarkFailure(c.provider.Name())
			observeCompletion(c.provider.Name(), "error", time.Since(start))
			r.logger.Warn("provider failed, trying next candidate",
				"provider", c.provider.Name(), "model", c.model, "error", err)
			lastErr = err
			continue
		}

		r.health.MarkHealthy(c.provider.Name())
		resp.Provider = c.provider.Name()
		if resp.Model == "" {
			resp.Model = c.model
		}
		resp.CostUSD = estimateCost(resp.Model, resp.InputTokens, resp.OutputTokens)
		r.ledger.Add(ctx, ledger.Record{
			Provider:     resp.Provider,
			Model:        resp.Model,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			CostUSD:      resp.CostUSD,
			TaskType:     opts.TaskType,
		})
		observeCompletion(resp.Provider, "ok", time.Since(start))
		observeTokens(resp.Provider, resp.InputTokens, resp.OutputTokens)
		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: all candidates failed: %v", ErrNoProviderAvailable, lastErr)
	}
	return nil, ErrNoProviderAvailable
}

// checkBudget denies when the running spend plus the upcoming call's
// estimated cost reaches a configured limit. A zero estimate reduces
// the gate to the running-total check.
func (r *Router) checkBudget(upcoming float64) error {
	budget := r.cfg.LLM.Budget
	if budget.DailyLimitUSD > 0 && r.ledger.DailyTotal()+upcoming >= budget.DailyLimitUSD {
		return fmt.Errorf("%w: daily spend $%.2f plus estimated $%.2f reaches limit $%.2f",
			ErrBudgetExceeded, r.ledger.DailyTotal(), upcoming, budget.DailyLimitUSD)
	}
	if budget.PerTaskLimitUSD > 0 && r.ledger.TaskTotal()+upcoming >= budget.PerTaskLimitUSD {
		return fmt.Errorf("%w: task spend $%.2f plus estimated $%.2f reaches limit $%.2f",
			ErrBudgetExceeded, r.ledger.TaskTotal(), upcoming, budget.PerTaskLimitUSD)
	}
	return nil
}

// selectCandidates implements the selection algorithm: explicit model
// override, then the task route with its fallback, then the global
// priority walk.
func (r *Router) selectCandidates(taskType, modelOverride string) ([]candidate, error) {
	if modelOverride != "" {
		name := r.inferProvider(modelOverride)
		if p, ok := r.eligible(name); ok {
			return []candidate{{p, modelOverride}}, nil
		}
		return nil, fmt.Errorf("%w: override model %q needs provider %q", ErrNoProviderAvailable, modelOverride, name)
	}

	var out []candidate
	if route, ok := r.cfg.LLM.Routing[taskType]; ok && route != nil {
		if p, ok := r.eligible(route.Provider); ok {
			out = append(out, candidate{p, r.modelFor(route.Provider, route.Model, taskType)})
		}
		if route.FallbackProvider != "" {
			if p, ok := r.eligible(route.FallbackProvider); ok {
				out = append(out, candidate{p, r.modelFor(route.FallbackProvider, route.FallbackModel, taskType)})
			}
		}
	}

	for _, name := range r.cfg.LLM.ProviderPriority {
		p, ok := r.eligible(name)
		if !ok || r.hasCandidate(out, name) {
			continue
		}
		model := r.modelFor(name, "", taskType)
		if model == "" {
			continue
		}
		out = append(out, candidate{p, model})
	}

	if len(out) == 0 {
		return nil, ErrNoProviderAvailable
	}
	return out, nil
}

func (r *Router) hasCandidate(cs []candidate, name string) bool {
	for _, c := range cs {
		if c.provider.Name() == name {
			return true
		}
	}
	return false
}

func (r *Router) eligible(name string) (Provider, bool) {
	p, ok := r.providers[name]
	if !ok {
		return nil, false
	}
	pc := r.cfg.LLM.Providers[name]
	if pc == nil || !pc.Enabled {
		return nil, false
	}
	if !r.health.Eligible(name) {
		return nil, false
	}
	return p, true
}

// modelFor resolves the model for a provider: explicit route model, then
// the provider's per-task model, then its default.
func (r *Router) modelFor(provider, routeModel, taskType string) string {
	if routeModel != "" {
		return routeModel
	}
	pc := r.cfg.LLM.Providers[provider]
	if pc == nil {
		return ""
	}
	if m, ok := pc.Models[taskType]; ok && m != "" {
		return m
	}
	return pc.DefaultModel
}

// inferProvider guesses the provider owning a model name. Slash-form
// names are OpenRouter listings; vendor prefixes map to their APIs.
func (r *Router) inferProvider(model string) string {
	switch {
	case strings.Contains(model, "/"):
		return "openrouter"
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3"):
		return "openai"
	default:
		// Bare names not matching a cloud vendor are local models.
		for name, pc := range r.cfg.LLM.Providers {
			if pc != nil && pc.Local {
				return name
			}
		}
		return model
	}
}

// IsBudgetError reports whether err is the budget hard stop.
func IsBudgetError(err error) bool {
	return errors.Is(err, ErrBudgetExceeded)
}
