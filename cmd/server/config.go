package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/handlers"
	"github.com/MegaGrindStone/nova-chat/internal/services"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort         = "8080"
	defaultSystemPrompt = "You are a helpful assistant."
	defaultTitlePrompt  = "Generate a short title, at most six words, for a conversation that starts with the " +
		"following message. Reply with the title only."
	defaultIdleTimeout = 2 * time.Minute
)

// provider is what every configured LLM builds: a stream transport that can also title chats.
type provider interface {
	handlers.LLM
	handlers.TitleGenerator
}

type llmConfig interface {
	provider(env envConfig, logger *slog.Logger) (provider, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

// config is the decoded config file. A zero IdleTimeout disables the idle-read timeout when the file
// sets it explicitly (idleTimeoutSet); an absent idleTimeout gets the default.
type config struct {
	Port                 string
	SystemPrompt         string
	TitleGeneratorPrompt string
	IdleTimeout          time.Duration
	SessionTTL           time.Duration
	PersistInterrupted   bool
	LogLevel             string
	LogJSON              bool
	LLM                  llmConfig

	idleTimeoutSet bool
}

// envConfig holds the environment variables that override the config file.
type envConfig struct {
	Port             string `env:"NOVA_PORT"`
	LogLevel         string `env:"NOVA_LOG_LEVEL"`
	LogJSON          bool   `env:"NOVA_LOG_JSON"`
	OllamaHost       string `env:"OLLAMA_HOST"`
	OpenAIAPIKey     string `env:"OPENAI_API_KEY"`
	OpenRouterAPIKey string `env:"OPENROUTER_API_KEY"`
	AnthropicAPIKey  string `env:"ANTHROPIC_API_KEY"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	// BaseURL points the client at an OpenAI compatible API, such as Groq.
	BaseURL string `yaml:"baseURL"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
	MaxTokens     int    `yaml:"maxTokens"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port                 string         `yaml:"port"`
		SystemPrompt         string         `yaml:"systemPrompt"`
		TitleGeneratorPrompt string         `yaml:"titleGeneratorPrompt"`
		IdleTimeout          string         `yaml:"idleTimeout"`
		SessionTTL           string         `yaml:"sessionTTL"`
		PersistInterrupted   bool           `yaml:"persistInterrupted"`
		LogLevel             string         `yaml:"logLevel"`
		LogJSON              bool           `yaml:"logJSON"`
		LLM                  map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SystemPrompt = rawConfig.SystemPrompt
	c.TitleGeneratorPrompt = rawConfig.TitleGeneratorPrompt
	c.PersistInterrupted = rawConfig.PersistInterrupted
	c.LogLevel = rawConfig.LogLevel
	c.LogJSON = rawConfig.LogJSON

	if rawConfig.IdleTimeout != "" {
		d, err := parseIdleTimeout(rawConfig.IdleTimeout)
		if err != nil {
			return err
		}
		c.IdleTimeout = d
		c.idleTimeoutSet = true
	}

	if rawConfig.SessionTTL != "" {
		d, err := time.ParseDuration(rawConfig.SessionTTL)
		if err != nil {
			return fmt.Errorf("invalid sessionTTL: %w", err)
		}
		c.SessionTTL = d
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

// applyEnv fills in defaults and lets the environment override the file.
func (c *config) applyEnv(e envConfig) {
	if e.Port != "" {
		c.Port = e.Port
	}
	if e.LogLevel != "" {
		c.LogLevel = e.LogLevel
	}
	if e.LogJSON {
		c.LogJSON = true
	}

	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.TitleGeneratorPrompt == "" {
		c.TitleGeneratorPrompt = defaultTitlePrompt
	}
	if !c.idleTimeoutSet {
		c.IdleTimeout = defaultIdleTimeout
	}
}

// parseIdleTimeout accepts a duration, or "off" which, like "0", disables the timeout.
func parseIdleTimeout(s string) (time.Duration, error) {
	if s == "off" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid idleTimeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid idleTimeout: %s is negative", s)
	}
	return d, nil
}

func (c config) handlersConfig() handlers.Config {
	return handlers.Config{
		SystemPrompt:       c.SystemPrompt,
		TitlePrompt:        c.TitleGeneratorPrompt,
		IdleTimeout:        c.IdleTimeout,
		PersistInterrupted: c.PersistInterrupted,
		SessionTTL:         c.SessionTTL,
	}
}

func parseEnv() (envConfig, error) {
	var e envConfig
	if err := env.Parse(&e); err != nil {
		return envConfig{}, fmt.Errorf("parse environment: %w", err)
	}
	return e, nil
}

func (o ollamaConfig) provider(e envConfig, logger *slog.Logger) (provider, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = e.OllamaHost
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	ol, err := services.NewOllama(host, o.Model, o.Parameters, logger)
	if err != nil {
		return nil, err
	}
	return ol, nil
}

func (o openAIConfig) provider(e envConfig, logger *slog.Logger) (provider, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = e.OpenAIAPIKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("apiKey is required")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, o.Parameters, logger), nil
}

func (o openRouterConfig) provider(e envConfig, logger *slog.Logger) (provider, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = e.OpenRouterAPIKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("apiKey is required")
	}

	or := services.NewOpenRouter(apiKey, o.Model, o.Parameters, logger)
	if o.Endpoint != "" {
		or = or.WithEndpoint(o.Endpoint)
	}
	return or, nil
}

func (a anthropicConfig) provider(e envConfig, logger *slog.Logger) (provider, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = e.AnthropicAPIKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("apiKey is required")
	}

	params := a.Parameters
	if params.MaxTokens == nil && a.MaxTokens > 0 {
		maxTokens := a.MaxTokens
		params.MaxTokens = &maxTokens
	}

	an := services.NewAnthropic(apiKey, a.Model, params, logger)
	if a.Endpoint != "" {
		an = an.WithEndpoint(a.Endpoint)
	}
	return an, nil
}
