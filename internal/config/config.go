package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the ctxmeter service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Tokenizer TokenizerConfig `yaml:"tokenizer"`
	Traffic   TrafficConfig   `yaml:"traffic"`
	Display   DisplayConfig   `yaml:"display"`
	Storage   StorageConfig   `yaml:"storage"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys   []string `yaml:"api_keys"`
	JWTSecret string   `yaml:"jwt_secret"` // HS256; when set, bearer JWTs are accepted too
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"` // 0 = disabled (default)
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds database connection settings. Empty addrs run the
// service without persistence and with an in-process broadcast channel.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver"` // valkey, redis (default: valkey)
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// TokenizerConfig selects the BPE vocabulary.
type TokenizerConfig struct {
	Encoding string `yaml:"encoding"` // default: cl100k_base
	Offline  bool   `yaml:"offline"`  // use the embedded vocabulary instead of downloading
}

// TrafficConfig controls network usage extraction.
type TrafficConfig struct {
	URLFilters   []string `yaml:"url_filters"`
	Dialects     []string `yaml:"dialects"` // gemini, openai (default: gemini)
	MaxBodyBytes int      `yaml:"max_body_bytes"`
}

// DisplayConfig controls how usage is graded for display and alerts.
type DisplayConfig struct {
	Model string `yaml:"model"` // plan key, e.g. gemini-1.5-pro (default: default)
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	KeyPrefix       string `yaml:"key_prefix"`
	LastUsageTTLSec int    `yaml:"last_usage_ttl_sec"` // 0 = keep forever
}

// AlertsConfig holds alert sink settings.
type AlertsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig enables threshold alerts when BotToken is set.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// ProxyConfig enables the observing reverse proxy when Upstream is set.
type ProxyConfig struct {
	Upstream string `yaml:"upstream"`
}

// Known traffic dialects.
var knownDialects = map[string]bool{"gemini": true, "openai": true}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse decodes, defaults and validates raw YAML.
func Parse(data []byte) (Config, error) {
	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	// Write timeout stays 0 (disabled) unless set: SSE streams are long-lived.
	if c.HTTP.WriteTimeoutSec < 0 {
		c.HTTP.WriteTimeoutSec = 0
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "valkey"
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Tokenizer.Encoding == "" {
		c.Tokenizer.Encoding = "cl100k_base"
	}
	if len(c.Traffic.URLFilters) == 0 {
		c.Traffic.URLFilters = []string{"/batched", "/chat", "gemini", "google.com"}
	}
	if len(c.Traffic.Dialects) == 0 {
		c.Traffic.Dialects = []string{"gemini"}
	}
	if c.Traffic.MaxBodyBytes <= 0 {
		c.Traffic.MaxBodyBytes = 8 << 20
	}
	if c.Display.Model == "" {
		c.Display.Model = "default"
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "ctxmeter:"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	switch c.Database.Driver {
	case "valkey", "redis":
	default:
		return fmt.Errorf("database.driver must be \"valkey\" or \"redis\", got %q", c.Database.Driver)
	}
	for _, d := range c.Traffic.Dialects {
		if !knownDialects[d] {
			return fmt.Errorf("traffic.dialects: unknown dialect %q", d)
		}
	}
	if c.Storage.LastUsageTTLSec < 0 {
		return fmt.Errorf("storage.last_usage_ttl_sec must not be negative, got %d", c.Storage.LastUsageTTLSec)
	}
	if c.Alerts.Telegram.BotToken != "" && c.Alerts.Telegram.ChatID == 0 {
		return fmt.Errorf("alerts.telegram.chat_id is required when bot_token is set")
	}
	if c.Proxy.Upstream != "" && !strings.HasPrefix(c.Proxy.Upstream, "http://") && !strings.HasPrefix(c.Proxy.Upstream, "https://") {
		return fmt.Errorf("proxy.upstream must be an http(s) URL, got %q", c.Proxy.Upstream)
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
