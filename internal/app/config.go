package app

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DefaultProvider string           `yaml:"default_provider"`
	DefaultModel    string           `yaml:"default_model"`
	Providers       []ProviderConfig `yaml:"providers"`

	Storage     string `yaml:"storage"` // file|sqlite
	StorageRoot string `yaml:"storage_root,omitempty"`
	RolesFile   string `yaml:"roles_file,omitempty"`

	ActiveSessionCap   int `yaml:"active_session_cap"`
	ArchiveHorizonDays int `yaml:"archive_horizon_days"`

	MaxRetries     int     `yaml:"max_retries"`
	CallTimeoutSec int     `yaml:"call_timeout_sec"`
	MaxIterations  int     `yaml:"max_iterations"`
	MaxTokens      int     `yaml:"max_tokens"`
	FallbackInput  float64 `yaml:"fallback_price_input,omitempty"`
	FallbackOutput float64 `yaml:"fallback_price_output,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		DefaultProvider: "local",
		DefaultModel:    "llama-3-8b",
		Providers: []ProviderConfig{
			{Name: "local", Kind: KindLocal, Model: "llama-3-8b", Enabled: true},
			{Name: "anthropic", Kind: KindRemote, Wire: WireAnthropic, Model: "claude-3-sonnet-20240229", CredentialRef: "ANTHROPIC_API_KEY", Enabled: true},
			{Name: "openai", Kind: KindRemote, Wire: WireOpenAI, Model: "gpt-4-turbo", CredentialRef: "OPENAI_API_KEY", Enabled: true},
			{Name: "openrouter", Kind: KindRemote, Wire: WireOpenAI, Model: "openai/gpt-4-turbo", CredentialRef: "OPENROUTER_API_KEY", Enabled: true},
		},
		Storage:            "file",
		ActiveSessionCap:   50,
		ArchiveHorizonDays: 50,
		MaxRetries:         2,
		CallTimeoutSec:     60,
		MaxIterations:      3,
		MaxTokens:          4096,
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "local"
	}
	if cfg.Storage == "" {
		cfg.Storage = "file"
	}
	if cfg.ActiveSessionCap <= 0 {
		cfg.ActiveSessionCap = 50
	}
	if cfg.ArchiveHorizonDays <= 0 {
		cfg.ArchiveHorizonDays = 50
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 2
	}
	if cfg.CallTimeoutSec <= 0 {
		cfg.CallTimeoutSec = 60
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 3
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return cfg, nil
}

func SaveConfig(cfg Config, path string) error {
	if path == "" {
		return errors.New("no path provided for config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "blonde", "config.yml")
}

func (c Config) ArchivePolicy() ArchivePolicy {
	return ArchivePolicy{
		ActiveCap: c.ActiveSessionCap,
		Horizon:   time.Duration(c.ArchiveHorizonDays) * 24 * time.Hour,
	}
}

func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSec) * time.Second
}
