package ctxmeter

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures the Client.
type Option interface {
	apply(*clientConfig)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*clientConfig)

func (f optionFunc) apply(c *clientConfig) { f(c) }

type clientConfig struct {
	driver    string // "valkey" or "redis"; empty runs in memory
	addrs     []string
	password  string
	keyPrefix string

	dialects   []string
	urlFilters []string
	maxBody    int

	encoding  string
	offline   bool
	estimator Estimator
	debounce  time.Duration
	model     string

	logger     *slog.Logger
	metricsReg prometheus.Registerer
}

// WithValkey shares usage between processes through a Valkey instance.
func WithValkey(addr, password string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = "valkey"
		c.addrs = []string{addr}
		c.password = password
	})
}

// WithRedis shares usage between processes through a Redis instance.
func WithRedis(addr, password string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = "redis"
		c.addrs = []string{addr}
		c.password = password
	})
}

// WithKeyPrefix namespaces stored keys and the pub/sub channel.
// Default: "ctxmeter:".
func WithKeyPrefix(prefix string) Option {
	return optionFunc(func(c *clientConfig) {
		c.keyPrefix = prefix
	})
}

// WithDialects selects the usage record formats to look for in traffic:
// "gemini", "openai". Default: gemini.
func WithDialects(names ...string) Option {
	return optionFunc(func(c *clientConfig) {
		c.dialects = names
	})
}

// WithURLFilters replaces the URL substrings that select traffic worth
// inspecting.
func WithURLFilters(substrings ...string) Option {
	return optionFunc(func(c *clientConfig) {
		c.urlFilters = substrings
	})
}

// WithMaxBody caps the traffic body size inspected per response.
// Default: 8 MiB.
func WithMaxBody(n int) Option {
	return optionFunc(func(c *clientConfig) {
		c.maxBody = n
	})
}

// WithTokenizer selects the tiktoken encoding used for DOM estimates.
// Offline uses the embedded vocabulary instead of downloading it.
// Default: cl100k_base, offline.
func WithTokenizer(encoding string, offline bool) Option {
	return optionFunc(func(c *clientConfig) {
		c.encoding = encoding
		c.offline = offline
	})
}

// WithEstimator replaces the built-in DOM estimator.
func WithEstimator(e Estimator) Option {
	return optionFunc(func(c *clientConfig) {
		c.estimator = e
	})
}

// WithDebounce sets the quiet period after the last document change
// before an estimate runs. Default: 1s.
func WithDebounce(d time.Duration) Option {
	return optionFunc(func(c *clientConfig) {
		c.debounce = d
	})
}

// WithModel selects the plan that usage is graded against.
func WithModel(model string) Option {
	return optionFunc(func(c *clientConfig) {
		c.model = model
	})
}

// WithLogger enables structured logging for SDK operations.
// Pass nil to disable (default). Uses standard library slog.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *clientConfig) {
		c.logger = l
	})
}

// WithPrometheus registers SDK metrics (operation counts and durations)
// on the given registerer. Pass nil to disable (default).
func WithPrometheus(reg prometheus.Registerer) Option {
	return optionFunc(func(c *clientConfig) {
		c.metricsReg = reg
	})
}
