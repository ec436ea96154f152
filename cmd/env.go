package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kpidrift-cli/internal/blob"
	"github.com/sells-group/kpidrift-cli/internal/capture"
	"github.com/sells-group/kpidrift-cli/internal/comparator"
	"github.com/sells-group/kpidrift-cli/internal/resilience"
	"github.com/sells-group/kpidrift-cli/internal/store"
	"github.com/sells-group/kpidrift-cli/pkg/anthropic"
	"github.com/sells-group/kpidrift-cli/pkg/mistral"
	"github.com/sells-group/kpidrift-cli/pkg/renderagent"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "kpidrift.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initBlobs() blob.Store {
	return blob.NewFS(cfg.Blob.Dir)
}

func initCaptureChain() (*capture.Chain, error) {
	if len(cfg.Capture.Engines) == 0 {
		return nil, eris.New("no capture engines configured")
	}

	var opts []renderagent.Option
	if cfg.Capture.AgentURL != "" {
		opts = append(opts, renderagent.WithBaseURL(cfg.Capture.AgentURL))
	}
	if cfg.Capture.AgentToken != "" {
		opts = append(opts, renderagent.WithToken(cfg.Capture.AgentToken))
	}
	agent := renderagent.NewClient(opts...)

	engines := make([]capture.Engine, 0, len(cfg.Capture.Engines))
	for _, browser := range cfg.Capture.Engines {
		engines = append(engines, capture.NewRemoteEngine(agent, browser))
	}
	timeout := time.Duration(cfg.Capture.AttemptTimeout) * time.Second
	return capture.NewChain(timeout, engines...), nil
}

func initMistral() (mistral.Client, error) {
	if cfg.Mistral.Key == "" {
		return nil, eris.New("mistral API key is required (KPIDRIFT_MISTRAL_KEY)")
	}
	return mistral.NewClient(cfg.Mistral.Key,
		mistral.WithBaseURL(cfg.Mistral.BaseURL),
		mistral.WithModel(cfg.Mistral.Model),
		mistral.WithRateLimit(cfg.Mistral.RequestsPerSec),
	), nil
}

func initAnthropic() (anthropic.Client, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic API key is required (KPIDRIFT_ANTHROPIC_KEY)")
	}
	return anthropic.NewClient(cfg.Anthropic.Key), nil
}

func initCompareProvider(name string) (comparator.Provider, error) {
	switch name {
	case "mistral":
		mc, err := initMistral()
		if err != nil {
			return nil, err
		}
		return comparator.NewMistralProvider(mc, cfg.Mistral.Model), nil
	case "anthropic":
		ac, err := initAnthropic()
		if err != nil {
			return nil, err
		}
		return comparator.NewAnthropicProvider(ac, cfg.Anthropic.Model), nil
	default:
		return nil, eris.Errorf("unsupported compare provider: %s", name)
	}
}

func extractRetryConfig() resilience.RetryConfig {
	return resilience.FromRetryConfig(cfg.Extract.MaxAttempts, cfg.Extract.BackoffMs, 0, 0, -1)
}

func numericThresholds() comparator.NumericThresholds {
	th := comparator.DefaultNumericThresholds()
	if cfg.Compare.CorrConsistent > 0 {
		th.CorrConsistent = cfg.Compare.CorrConsistent
	}
	if cfg.Compare.MAPEConsistent > 0 {
		th.MAPEConsistent = cfg.Compare.MAPEConsistent
	}
	if cfg.Compare.CorrMismatch > 0 {
		th.CorrMismatch = cfg.Compare.CorrMismatch
	}
	return th
}
