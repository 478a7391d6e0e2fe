package agent

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pipeline-works/contentflow/internal/config"
	"github.com/pipeline-works/contentflow/internal/telemetry"
)

// Agent names used by the default content pipeline.
const (
	NameMonitor     = "monitor"
	NameAnalyzer    = "analyzer"
	NameGenerator   = "generator"
	NameFactChecker = "fact_checker"
	NamePublisher   = "publisher"
)

// FromConfig builds a registry holding an agent for every name in required.
//
// Resolution order per name: a configured HTTP endpoint, then the LLM provider
// with an API key (Anthropic for the generator, OpenAI for the fact checker),
// then an EchoAgent so a local run still completes.
func FromConfig(cfg config.AgentsConfig, required []string, tel *telemetry.Telemetry, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := NewRegistry(tel, logger)

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	for name, endpoint := range cfg.Endpoints {
		a := NewHTTPAgent(name, endpoint,
			WithHTTPClientTimeout(timeout),
			WithRateLimit(cfg.RateLimit, cfg.RateBurst))
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}

	if _, ok := reg.Get(NameGenerator); !ok && cfg.Anthropic.APIKey != "" {
		if err := reg.Register(NewAnthropicAgent(NameGenerator, llmOptions(cfg.Anthropic))); err != nil {
			return nil, err
		}
	}
	if _, ok := reg.Get(NameFactChecker); !ok && cfg.OpenAI.APIKey != "" {
		if err := reg.Register(NewOpenAIAgent(NameFactChecker, llmOptions(cfg.OpenAI))); err != nil {
			return nil, err
		}
	}

	for _, name := range required {
		if _, ok := reg.Get(name); ok {
			continue
		}
		logger.Warn("No agent configured, using echo agent", zap.String("agent", name))
		if err := reg.Register(NewEchoAgent(name)); err != nil {
			return nil, fmt.Errorf("failed to register echo agent: %w", err)
		}
	}
	return reg, nil
}

// WithHTTPClientTimeout sets the per-request timeout of the default client.
func WithHTTPClientTimeout(d time.Duration) HTTPOption {
	return func(a *HTTPAgent) { a.client.Timeout = d }
}

func llmOptions(c config.LLMConfig) LLMOptions {
	return LLMOptions{
		APIKey:    c.APIKey,
		Model:     c.Model,
		MaxTokens: int64(c.MaxTokens),
		BaseURL:   c.BaseURL,
	}
}
