package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config describes the top-level application configuration loaded from YAML and ENV.
type Config struct {
	Version    string                    `mapstructure:"version"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`
	Models     map[string]ModelConfig    `mapstructure:"models"`
	Strategy   StrategyConfig            `mapstructure:"strategy"`
	Reflection ReflectionConfig          `mapstructure:"reflection"`
	Logging    LoggingConfig             `mapstructure:"logging"`
	Server     ServerConfig              `mapstructure:"server"`
}

// ProviderConfig represents LLM provider configuration such as OpenAI, Ollama, or custom gateways.
type ProviderConfig struct {
	Type    string        `mapstructure:"type"`     // openai, openrouter, ollama, vllm, lmstudio, custom
	Model   string        `mapstructure:"model"`    // default model for the provider
	BaseURL string        `mapstructure:"base_url"` // API base URL
	APIKey  string        `mapstructure:"api_key"`  // optional API key
	Timeout time.Duration `mapstructure:"timeout"`  // request timeout
}

// ModelConfig binds a logical model name to a provider entry and model parameters.
type ModelConfig struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Default     bool    `mapstructure:"default"`
	Expensive   bool    `mapstructure:"expensive"`
}

// ReflectionConfig describes the reflection loop runtime parameters.
//
// TimeoutPerIterationSeconds is declared for callers that want to wrap each
// iteration in a deadline; the core itself does not enforce it.
type ReflectionConfig struct {
	MaxIterations              int     `mapstructure:"max_iterations"`
	MinImprovementThreshold    float64 `mapstructure:"min_improvement_threshold"`
	QualityTargetThreshold     float64 `mapstructure:"quality_target_threshold"`
	TimeoutPerIterationSeconds int     `mapstructure:"timeout_per_iteration_seconds"`
}

// LoggingConfig controls logger behaviour.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console or json
}

// ServerConfig describes daemon settings.
type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	Transport      string `mapstructure:"transport"` // connect or ndjson
}

// Load reads configuration from the provided path or defaults to configs/config.yaml.
// Environment variables override file values (prefix: REFINERY_, dots replaced with underscores).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("REFINERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
	} else {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && path == "" {
			v.SetConfigName("config.example")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults populates sensible defaults for optional fields.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("reflection.max_iterations", 3)
	v.SetDefault("reflection.min_improvement_threshold", 0.05)
	v.SetDefault("reflection.quality_target_threshold", 0.9)
	v.SetDefault("reflection.timeout_per_iteration_seconds", 0)

	v.SetDefault("strategy.default_model", "")
	v.SetDefault("strategy.detector_model", "")
	v.SetDefault("strategy.critic_model", "")
	v.SetDefault("strategy.refiner_model", "")
	v.SetDefault("strategy.overrides", map[string]string{})
	v.SetDefault("strategy.fallbacks", []string{})
	v.SetDefault("strategy.max_expensive", 0)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_enabled", true)
	v.SetDefault("server.transport", "connect")
}

// Validate performs basic sanity checks on configuration values.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}

	if len(c.Models) == 0 {
		return errors.New("at least one model must be defined")
	}

	var defaultFound bool
	for name, p := range c.Providers {
		if p.Type == "" {
			return fmt.Errorf("provider %q must define type", name)
		}
	}

	for name, m := range c.Models {
		if m.Provider == "" {
			return fmt.Errorf("model %q must reference provider", name)
		}

		if _, ok := c.Providers[m.Provider]; !ok {
			return fmt.Errorf("model %q references unknown provider %q", name, m.Provider)
		}

		if m.Temperature < 0 || m.Temperature > 2 {
			return fmt.Errorf("model %q temperature must be within [0,2]", name)
		}

		if m.MaxTokens < 0 {
			return fmt.Errorf("model %q max_tokens cannot be negative", name)
		}

		if m.Default {
			defaultFound = true
		}
	}

	if !defaultFound {
		return errors.New("at least one model should be marked as default")
	}

	if c.Reflection.MaxIterations < 0 {
		return errors.New("reflection.max_iterations must be >= 0")
	}
	if c.Reflection.QualityTargetThreshold < 0 || c.Reflection.QualityTargetThreshold > 1 {
		return errors.New("reflection.quality_target_threshold must be within [0,1]")
	}
	if c.Reflection.MinImprovementThreshold < 0 || c.Reflection.MinImprovementThreshold > 1 {
		return errors.New("reflection.min_improvement_threshold must be within [0,1]")
	}
	if c.Reflection.TimeoutPerIterationSeconds < 0 {
		return errors.New("reflection.timeout_per_iteration_seconds must be >= 0")
	}

	for _, modelID := range []string{
		c.Strategy.DefaultModel, c.Strategy.DetectorModel, c.Strategy.CriticModel, c.Strategy.RefinerModel,
	} {
		if strings.TrimSpace(modelID) == "" {
			continue
		}
		if _, ok := c.Models[modelID]; !ok {
			return fmt.Errorf("strategy references unknown model %q", modelID)
		}
	}
	for _, modelID := range c.Strategy.Fallbacks {
		if _, ok := c.Models[modelID]; !ok {
			return fmt.Errorf("strategy fallback references unknown model %q", modelID)
		}
	}
	for _, modelID := range c.Strategy.Overrides {
		if _, ok := c.Models[modelID]; !ok {
			return fmt.Errorf("strategy override references unknown model %q", modelID)
		}
	}
	if c.Strategy.MaxExpensive < 0 {
		return fmt.Errorf("strategy.max_expensive must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(c.Server.Transport)) {
	case "", "connect", "ndjson":
	default:
		return fmt.Errorf("server.transport must be one of connect or ndjson, got %q", c.Server.Transport)
	}

	return nil
}
