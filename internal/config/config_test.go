package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	cfg := Config{HTTP: HTTPConfig{Port: 8080}}
	cfg.ApplyDefaults()
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig()

	if cfg.Database.Driver != "valkey" {
		t.Errorf("driver = %q", cfg.Database.Driver)
	}
	if cfg.Tokenizer.Encoding != "cl100k_base" {
		t.Errorf("encoding = %q", cfg.Tokenizer.Encoding)
	}
	if len(cfg.Traffic.URLFilters) != 4 || cfg.Traffic.URLFilters[0] != "/batched" {
		t.Errorf("url filters = %v", cfg.Traffic.URLFilters)
	}
	if len(cfg.Traffic.Dialects) != 1 || cfg.Traffic.Dialects[0] != "gemini" {
		t.Errorf("dialects = %v", cfg.Traffic.Dialects)
	}
	if cfg.Storage.KeyPrefix != "ctxmeter:" {
		t.Errorf("key prefix = %q", cfg.Storage.KeyPrefix)
	}
	if cfg.HTTP.WriteTimeoutSec != 0 {
		t.Errorf("write timeout should stay disabled for SSE, got %d", cfg.HTTP.WriteTimeoutSec)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.HTTP.Port = 0 }, "http.port"},
		{"driver", func(c *Config) { c.Database.Driver = "memcached" }, "database.driver"},
		{"dialect", func(c *Config) { c.Traffic.Dialects = []string{"gemini", "claude"} }, `unknown dialect "claude"`},
		{"ttl", func(c *Config) { c.Storage.LastUsageTTLSec = -1 }, "last_usage_ttl_sec"},
		{"telegram chat", func(c *Config) { c.Alerts.Telegram.BotToken = "123:abc" }, "chat_id"},
		{"proxy scheme", func(c *Config) { c.Proxy.Upstream = "gemini.google.com" }, "proxy.upstream"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestParse_ExpandsEnv(t *testing.T) {
	t.Setenv("CTXMETER_TEST_PORT", "9090")
	t.Setenv("CTXMETER_TEST_CHAT", "")

	cfg, err := Parse([]byte(`
http:
  port: ${CTXMETER_TEST_PORT}
database:
  addrs: ["${CTXMETER_TEST_ADDR:-localhost:6379}"]
alerts:
  telegram:
    bot_token: ""
    chat_id: ${CTXMETER_TEST_CHAT:-0}
traffic:
  dialects: [gemini, openai]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("port = %d", cfg.HTTP.Port)
	}
	if len(cfg.Database.Addrs) != 1 || cfg.Database.Addrs[0] != "localhost:6379" {
		t.Errorf("addrs = %v", cfg.Database.Addrs)
	}
	if len(cfg.Traffic.Dialects) != 2 {
		t.Errorf("dialects = %v", cfg.Traffic.Dialects)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("http: [")); err == nil || !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("err = %v", err)
	}
	if _, err := Parse([]byte("http:\n  port: 0\n")); err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Errorf("err = %v", err)
	}
}

func TestLoad_RepositoryConfigs(t *testing.T) {
	t.Setenv("API_KEY", "test-key")
	for _, env := range []string{"local", "prod"} {
		t.Run(env, func(t *testing.T) {
			if _, err := Load(env); err != nil {
				t.Fatalf("Load(%s): %v", env, err)
			}
		})
	}
}
