package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"studiogate/internal/pricing"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Locks     LockConfig      `yaml:"locks"`
	Credits   CreditConfig    `yaml:"credits"`
	Provider  ProviderConfig  `yaml:"provider"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Models    ModelConfig     `yaml:"models"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type AuthConfig struct {
	JWTSecret     string   `yaml:"jwt_secret"`
	TokenTTLHours int      `yaml:"token_ttl_hours"`
	AdminEmails   []string `yaml:"admin_emails"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type LockConfig struct {
	MaxRetries        int `yaml:"max_retries"`
	RetryDelayMs      int `yaml:"retry_delay_ms"`
	StaleAfterSeconds int `yaml:"stale_after_seconds"`
}

type CreditConfig struct {
	ResetIntervalDays int              `yaml:"reset_interval_days"`
	ImageCost         int64            `yaml:"image_cost"`
	VideoCost         int64            `yaml:"video_cost"`
	Plans             map[string]int64 `yaml:"plans"`
}

type ProviderConfig struct {
	BaseURL        string      `yaml:"base_url"`
	MediaBaseURL   string      `yaml:"media_base_url"`
	APIKey         string      `yaml:"api_key"`
	TimeoutSeconds int         `yaml:"timeout_seconds"`
	Retry          RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ModelConfig struct {
	DefaultMultiplier float64        `yaml:"default_multiplier"`
	Rules             []pricing.Rule `yaml:"rules"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8090,
			LogLevel: "info",
		},
		Auth: AuthConfig{
			JWTSecret:     "${STUDIOGATE_JWT_SECRET}",
			TokenTTLHours: 72,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Locks: LockConfig{
			MaxRetries:        50,
			RetryDelayMs:      100,
			StaleAfterSeconds: 30,
		},
		Credits: CreditConfig{
			ResetIntervalDays: 30,
			ImageCost:         40,
			VideoCost:         250,
			Plans: map[string]int64{
				"free": 2000,
				"pro":  50000,
			},
		},
		Provider: ProviderConfig{
			BaseURL:        "https://api.openai.com",
			MediaBaseURL:   "https://api.studiogate.dev/media",
			APIKey:         "${STUDIOGATE_PROVIDER_KEY}",
			TimeoutSeconds: 120,
			Retry: RetryConfig{
				MaxAttempts:    4,
				InitialDelayMs: 500,
				MaxDelayMs:     8000,
				Multiplier:     2,
			},
		},
		RateLimit: RateLimitConfig{
			RPS:   5,
			Burst: 20,
		},
		Models: ModelConfig{
			DefaultMultiplier: 1,
			Rules: []pricing.Rule{
				{Pattern: "gemini-2.5-flash-lite", Multiplier: 0},
				{Pattern: "gemini-*-flash*", Multiplier: 0.5},
				{Pattern: "gemini-*-pro*", Multiplier: 2},
				{Pattern: "claude-*", Multiplier: 3},
			},
		},
	}
}

// Load reads configuration from path. A missing file yields the defaults,
// written back so operators have something to edit. Values in the form
// ${VAR} are expanded from the environment after reading.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if saveErr := Save(path, cfg); saveErr != nil {
				return nil, saveErr
			}
			expand(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read: %w", err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	expand(cfg)
	return cfg, nil
}

// Save writes configuration to path
func Save(path string, c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// expand resolves ${VAR} placeholders left in default values
func expand(c *Config) {
	c.Auth.JWTSecret = os.ExpandEnv(c.Auth.JWTSecret)
	c.Provider.APIKey = os.ExpandEnv(c.Provider.APIKey)
}
