package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/casework/internal/config"
	"github.com/phrazzld/casework/internal/platform/gemini"
	"github.com/phrazzld/casework/internal/platform/ollama"
)

// FromConfig builds the backend chain described by cfg: enabled network
// backends by rank, then the local pattern tier if enabled, then static rules.
func FromConfig(ctx context.Context, cfg config.ProvidersConfig, logger *slog.Logger, opts ...Option) (*Router, error) {
	var tiers []Tier
	maxRank := 0
	for _, b := range cfg.Backends {
		if !b.Enabled {
			logger.InfoContext(ctx, "provider backend disabled", "backend", b.ID)
			continue
		}
		client, err := newClient(ctx, b, logger)
		if err != nil {
			return nil, fmt.Errorf("provider backend %s: %w", b.ID, err)
		}
		timeout := b.Timeout
		if timeout <= 0 {
			timeout = cfg.DefaultTimeout
		}
		tiers = append(tiers, Tier{
			Backend: NewNetworkBackend(b.ID, b.Kind, client),
			Rank:    b.Rank,
			Timeout: timeout,
		})
		if b.Rank > maxRank {
			maxRank = b.Rank
		}
	}
	if cfg.LocalPatterns {
		tiers = append(tiers, Tier{Backend: NewLocalPatternBackend(), Rank: maxRank + 1})
	}

	return NewRouter(Config{
		UnavailableThreshold: cfg.UnavailableThreshold,
		StatsWindow:          cfg.StatsWindow,
		DefaultTimeout:       cfg.DefaultTimeout,
		HealthInterval:       cfg.HealthInterval,
	}, tiers, logger, opts...)
}

func newClient(ctx context.Context, b config.BackendConfig, logger *slog.Logger) (NetworkClient, error) {
	switch b.Kind {
	case "gemini":
		return gemini.New(ctx, logger, gemini.Config{APIKey: b.APIKey, Model: b.Model})
	case "ollama":
		return ollama.New(ollama.Config{Endpoint: b.Endpoint, Model: b.Model, Timeout: b.Timeout})
	default:
		return nil, fmt.Errorf("unknown provider kind %q", b.Kind)
	}
}
