package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".convoflow"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "CONVOFLOW"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("CONVOFLOW_CONFIG")); explicit != "" {
		return ExpandHome(explicit), nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("CONVOFLOW_HOME")); h != "" {
		return ExpandHome(h), nil
	}
	return os.UserHomeDir()
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}

// Load reads the config file (if present), applies env overrides for each
// group and validates the result.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	loadEnvFiles()

	path, err := ConfigPath()
	if err == nil {
		data, readErr := os.ReadFile(path)
		switch {
		case readErr == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !os.IsNotExist(readErr):
			return nil, fmt.Errorf("read config %s: %w", path, readErr)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	// Fallback for API keys
	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Providers.Anthropic.APIKey == "" {
		cfg.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	cfg.Database.Path = ExpandHome(cfg.Database.Path)
	cfg.Embedding.CacheDir = ExpandHome(cfg.Embedding.CacheDir)
	cfg.Embedding.TokenizerPath = ExpandHome(cfg.Embedding.TokenizerPath)
	cfg.Channels.WhatsApp.StorePath = ExpandHome(cfg.Channels.WhatsApp.StorePath)
	cfg.Channels.WhatsApp.QRPath = ExpandHome(cfg.Channels.WhatsApp.QRPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	groups := []struct {
		suffix string
		target any
	}{
		{"DATABASE", &cfg.Database},
		{"MODEL", &cfg.Model},
		{"PROVIDERS", &cfg.Providers},
		{"OPENAI", &cfg.Providers.OpenAI},
		{"ANTHROPIC", &cfg.Providers.Anthropic},
		{"EMBEDDING", &cfg.Embedding},
		{"REGISTRY", &cfg.Registry},
		{"SICC", &cfg.SICC},
		{"ORCHESTRATOR", &cfg.Orchestrator},
		{"TRIGGERS", &cfg.Triggers},
		{"BUS", &cfg.Bus},
		{"CHANNELS_WHATSAPP", &cfg.Channels.WhatsApp},
		{"CHANNELS_SLACK", &cfg.Channels.Slack},
		{"CHANNELS_SMTP", &cfg.Channels.SMTP},
		{"CHANNELS_WEBHOOK", &cfg.Channels.Webhook},
		{"METRICS", &cfg.Metrics},
	}
	for _, g := range groups {
		if err := envconfig.Process(EnvPrefix+"_"+g.suffix, g.target); err != nil {
			return fmt.Errorf("env overrides for %s: %w", strings.ToLower(g.suffix), err)
		}
	}
	return nil
}

// Save writes the config to the default path with restrictive permissions.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// loadEnvFiles reads KEY=VALUE files into the process environment.
// Variables already set are never overridden.
func loadEnvFiles() {
	var candidates []string
	if explicit := strings.TrimSpace(os.Getenv("CONVOFLOW_ENV_FILE")); explicit != "" {
		candidates = append(candidates, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".config", "convoflow", "env"),
			filepath.Join(home, ConfigDir, "env"),
		)
	}
	for _, p := range candidates {
		_ = applyEnvFile(p)
	}
}

func applyEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		val = strings.TrimSpace(val)
		if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
			val = val[1 : len(val)-1]
		}
		_ = os.Setenv(key, val)
	}
	return sc.Err()
}
