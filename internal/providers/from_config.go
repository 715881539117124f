package providers

import "github.com/goclaw/gateway/internal/config"

// openAICompatible pairs a provider name with its default API base when the
// config leaves api_base blank.
var openAICompatible = []struct {
	name       string
	cfg        func(config.ProvidersConfig) config.ProviderConfig
	defaultURL string
}{
	{"openai", func(c config.ProvidersConfig) config.ProviderConfig { return c.OpenAI }, ""},
	{"openrouter", func(c config.ProvidersConfig) config.ProviderConfig { return c.OpenRouter }, "https://openrouter.ai/api/v1"},
	{"groq", func(c config.ProvidersConfig) config.ProviderConfig { return c.Groq }, "https://api.groq.com/openai/v1"},
	{"gemini", func(c config.ProvidersConfig) config.ProviderConfig { return c.Gemini }, "https://generativelanguage.googleapis.com/v1beta/openai"},
	{"deepseek", func(c config.ProvidersConfig) config.ProviderConfig { return c.DeepSeek }, "https://api.deepseek.com"},
	{"mistral", func(c config.ProvidersConfig) config.ProviderConfig { return c.Mistral }, "https://api.mistral.ai/v1"},
	{"xai", func(c config.ProvidersConfig) config.ProviderConfig { return c.XAI }, "https://api.x.ai/v1"},
	{"minimax", func(c config.ProvidersConfig) config.ProviderConfig { return c.MiniMax }, "https://api.minimax.chat/v1"},
	{"cohere", func(c config.ProvidersConfig) config.ProviderConfig { return c.Cohere }, "https://api.cohere.ai/compatibility/v1"},
	{"perplexity", func(c config.ProvidersConfig) config.ProviderConfig { return c.Perplexity }, "https://api.perplexity.ai"},
}

// RegisterFromConfig registers every provider with a non-empty API key in
// cfg. Anthropic and DashScope use their dedicated clients; everything else
// goes through the OpenAI-compatible client with a per-provider base URL.
func RegisterFromConfig(reg *Registry, cfg config.ProvidersConfig) {
	if cfg.Anthropic.APIKey != "" {
		opts := []AnthropicOption{}
		if cfg.Anthropic.APIBase != "" {
			opts = append(opts, WithAnthropicBaseURL(cfg.Anthropic.APIBase))
		}
		reg.Register("anthropic", NewAnthropicProvider(cfg.Anthropic.APIKey, opts...))
	}

	if cfg.DashScope.APIKey != "" {
		reg.Register("dashscope", NewDashScopeProvider(cfg.DashScope.APIKey, cfg.DashScope.APIBase, ""))
	}

	for _, p := range openAICompatible {
		pc := p.cfg(cfg)
		if pc.APIKey == "" {
			continue
		}
		base := pc.APIBase
		if base == "" {
			base = p.defaultURL
		}
		reg.Register(p.name, NewOpenAIProvider(p.name, pc.APIKey, base, ""))
	}
}
