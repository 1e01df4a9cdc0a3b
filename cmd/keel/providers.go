package main

import (
	"fmt"
	"log/slog"

	"github.com/keel-agent/keel/internal/config"
	"github.com/keel-agent/keel/internal/router"
)

// buildProviders constructs one adapter per enabled provider and the
// inputs the health monitor needs.
func buildProviders(cfg *config.Config, logger *slog.Logger) (map[string]router.Provider, []string, map[string]bool, error) {
	providers := make(map[string]router.Provider)
	names := make([]string, 0, len(cfg.LLM.Providers))
	local := make(map[string]bool)

	for name, pc := range cfg.LLM.Providers {
		if pc == nil || !pc.Enabled {
			continue
		}

		var (
			p   router.Provider
			err error
		)
		switch {
		case pc.Local || name == "ollama":
			p = router.NewOllamaProvider(pc.BaseURL, pc.DefaultModel)
			local[name] = true
		case name == "anthropic":
			p, err = router.NewAnthropicProvider(pc.APIKey, pc.BaseURL, pc.DefaultModel)
		case name == "openai" || name == "openrouter":
			p, err = router.NewOpenAIProvider(name, pc.APIKey, pc.BaseURL, pc.DefaultModel)
		default:
			return nil, nil, nil, fmt.Errorf("unknown provider %q", name)
		}
		if err != nil {
			logger.Warn("provider skipped", "provider", name, "error", err)
			continue
		}

		providers[name] = p
		names = append(names, name)
	}

	if len(providers) == 0 {
		return nil, nil, nil, fmt.Errorf("no providers enabled")
	}
	return providers, names, local, nil
}
