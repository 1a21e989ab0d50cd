package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LLM providers.
const (
	ProviderGroq      = "groq"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Settings is the process configuration, resolved once at startup.
type Settings struct {
	AppID         int64
	PrivateKey    []byte
	WebhookSecret string
	APIURL        string

	DatabaseURL string
	RedisURL    string
	Port        int

	LLM LLMSettings

	InFlightTTL     time.Duration
	DeliveryTimeout time.Duration
}

// LLMSettings selects and authenticates the language model.
type LLMSettings struct {
	Provider          string
	APIKey            string
	BaseURL           string
	Model             string
	RequestsPerMinute int
}

// settings keys and the environment variables bound to them
var envBindings = map[string][]string{
	"github.app_id":           {"GITHUB_APP_ID"},
	"github.private_key":      {"GITHUB_PRIVATE_KEY"},
	"github.private_key_path": {"GITHUB_PRIVATE_KEY_PATH"},
	"github.webhook_secret":   {"GITHUB_WEBHOOK_SECRET"},
	"github.api_url":          {"GITHUB_API_URL"},
	"database_url":            {"DATABASE_URL"},
	"redis_url":               {"REDIS_URL"},
	"port":                    {"PORT"},
	"llm.provider":            {"LLM_PROVIDER"},
	"llm.api_key":             {"LLM_API_KEY"},
	"llm.base_url":            {"LLM_BASE_URL"},
	"llm.model":               {"LLM_MODEL"},
	"llm.requests_per_minute": {"LLM_REQUESTS_PER_MINUTE"},
	"inflight_ttl":            {"INFLIGHT_TTL"},
	"delivery_timeout":        {"DELIVERY_TIMEOUT"},
}

// NewViper returns a viper instance with defaults and environment bindings.
// configFile is optional; when set it must exist.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("port", 8080)
	v.SetDefault("github.api_url", "")
	v.SetDefault("llm.provider", ProviderGroq)
	v.SetDefault("llm.requests_per_minute", 30)
	v.SetDefault("inflight_ttl", "10m")
	v.SetDefault("delivery_timeout", "15m")

	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// LoadSettings resolves and validates the settings. requireApp demands the
// GitHub App identity, which every command that talks to GitHub needs.
func LoadSettings(v *viper.Viper, requireApp bool) (*Settings, error) {
	s := &Settings{
		AppID:         v.GetInt64("github.app_id"),
		WebhookSecret: v.GetString("github.webhook_secret"),
		APIURL:        v.GetString("github.api_url"),
		DatabaseURL:   v.GetString("database_url"),
		RedisURL:      v.GetString("redis_url"),
		Port:          v.GetInt("port"),
		LLM: LLMSettings{
			Provider:          strings.ToLower(v.GetString("llm.provider")),
			APIKey:            v.GetString("llm.api_key"),
			BaseURL:           v.GetString("llm.base_url"),
			Model:             v.GetString("llm.model"),
			RequestsPerMinute: v.GetInt("llm.requests_per_minute"),
		},
		InFlightTTL:     v.GetDuration("inflight_ttl"),
		DeliveryTimeout: v.GetDuration("delivery_timeout"),
	}

	if key := v.GetString("github.private_key"); key != "" {
		s.PrivateKey = []byte(key)
	} else if path := v.GetString("github.private_key_path"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read GITHUB_PRIVATE_KEY_PATH: %w", err)
		}
		s.PrivateKey = data
	}

	if s.LLM.APIKey == "" {
		s.LLM.APIKey = providerKeyFromEnv(s.LLM.Provider)
	}

	if err := s.validate(requireApp); err != nil {
		return nil, err
	}
	return s, nil
}

func providerKeyFromEnv(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	default:
		return os.Getenv("GROQ_API_KEY")
	}
}

func (s *Settings) validate(requireApp bool) error {
	var errs []error

	if requireApp {
		if s.AppID <= 0 {
			errs = append(errs, errors.New("GITHUB_APP_ID is required"))
		}
		if len(s.PrivateKey) == 0 {
			errs = append(errs, errors.New("GITHUB_PRIVATE_KEY or GITHUB_PRIVATE_KEY_PATH is required"))
		}
	}

	switch s.LLM.Provider {
	case ProviderGroq, ProviderOpenAI, ProviderAnthropic:
	default:
		errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be groq, openai or anthropic)", s.LLM.Provider))
	}
	if s.LLM.APIKey == "" {
		errs = append(errs, errors.New("LLM_API_KEY is required"))
	}
	if s.LLM.Provider == ProviderOpenAI && s.LLM.Model == "" {
		errs = append(errs, errors.New("LLM_MODEL is required for the openai provider"))
	}

	if s.Port <= 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT %d", s.Port))
	}
	if s.InFlightTTL <= 0 {
		errs = append(errs, errors.New("inflight_ttl must be positive"))
	}
	if s.DeliveryTimeout <= 0 {
		errs = append(errs, errors.New("delivery_timeout must be positive"))
	}

	return errors.Join(errs...)
}
