package ctxmeter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/ctxmeter/internal/db"
	dbRedis "github.com/kailas-cloud/ctxmeter/internal/db/redis"
	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/limits"
	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
	"github.com/kailas-cloud/ctxmeter/internal/repository/lastusage"
	"github.com/kailas-cloud/ctxmeter/internal/tokenizer"
	"github.com/kailas-cloud/ctxmeter/internal/transport/broadcast"
	"github.com/kailas-cloud/ctxmeter/internal/transport/display"
	"github.com/kailas-cloud/ctxmeter/internal/transport/observer"
	"github.com/kailas-cloud/ctxmeter/internal/usecase/estimate"
	"github.com/kailas-cloud/ctxmeter/internal/usecase/extract"
	healthuc "github.com/kailas-cloud/ctxmeter/internal/usecase/health"
	"github.com/kailas-cloud/ctxmeter/internal/usecase/relay"
	"github.com/kailas-cloud/ctxmeter/internal/usecase/session"
)

const (
	defaultReadinessTimeout = 10 * time.Second
	defaultKeyPrefix        = "ctxmeter:"
	defaultEncoding         = "cl100k_base"
	broadcastChannel        = "usage"
)

// Client is the ctxmeter SDK entry point.
type Client struct {
	store     db.Store
	sessions  *session.Manager
	hub       *display.Hub
	channel   broadcast.Channel
	last      *lastusage.Store
	healthSvc healthUseCase
	filter    extract.Filter
	limit     limits.Limit
	maxBody   int
	obs       *observer
}

// New creates a Client. Without WithValkey or WithRedis it runs entirely in
// memory; otherwise the provided context is used for the readiness check.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := &clientConfig{
		keyPrefix: defaultKeyPrefix,
		encoding:  defaultEncoding,
		offline:   true,
		maxBody:   observer.DefaultMaxBodyBytes,
		model:     limits.DefaultModel,
	}
	for _, o := range opts {
		o.apply(cfg)
	}

	obs, err := newObserver(cfg.logger, cfg.metricsReg)
	if err != nil {
		return nil, err
	}

	var store db.Store
	if len(cfg.addrs) > 0 {
		store, err = createStore(cfg)
		if err != nil {
			return nil, err
		}
		if err := store.WaitForReady(ctx, defaultReadinessTimeout); err != nil {
			store.Close()
			return nil, fmt.Errorf("ctxmeter: database not ready: %w", err)
		}
	}

	c, err := wireClient(store, cfg, obs)
	if err != nil && store != nil {
		store.Close()
	}
	return c, err
}

func createStore(cfg *clientConfig) (db.Store, error) {
	switch cfg.driver {
	// Valkey and Redis share the rueidis client.
	case "valkey", "redis":
		s, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.addrs,
			Password: cfg.password,
		})
		if err != nil {
			return nil, fmt.Errorf("ctxmeter: create %s store: %w", cfg.driver, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("ctxmeter: unknown driver %q", cfg.driver)
	}
}

func wireClient(store db.Store, cfg *clientConfig, obs *observer) (*Client, error) {
	logger := zap.NewNop()

	dialects := make([]extract.Dialect, 0, len(cfg.dialects))
	for _, name := range cfg.dialects {
		d, err := extract.DialectByName(name)
		if err != nil {
			return nil, fmt.Errorf("ctxmeter: %w", err)
		}
		dialects = append(dialects, d)
	}

	filters := cfg.urlFilters
	if len(filters) == 0 {
		filters = extract.DefaultURLFilters
	}
	filter := extract.NewFilter(filters...)

	// Tokenizer only when the built-in estimator is used.
	var (
		estimator session.Estimator
		tokHealth healthuc.TokenizerChecker
	)
	if cfg.estimator != nil {
		estimator = &estimatorAdapter{inner: cfg.estimator}
	} else {
		tok := tokenizer.New(tokenizer.TiktokenLoader(cfg.encoding, cfg.offline), logger)
		estimator = estimate.New(tok, logger)
		tokHealth = tok
	}

	c := &Client{
		store:   store,
		hub:     display.NewHub(display.DefaultBuffer, logger),
		filter:  filter,
		limit:   limits.ForModel(cfg.model),
		maxBody: cfg.maxBody,
		obs:     obs,
	}

	var pinger healthuc.DBPinger
	if store != nil {
		pinger = store
		c.channel = broadcast.NewRedis(store, cfg.keyPrefix+broadcastChannel, logger)
		c.last = lastusage.New(store, cfg.keyPrefix, 0)
	} else {
		c.channel = broadcast.NewMemory()
	}
	c.healthSvc = healthuc.New(pinger, tokHealth)

	c.sessions = session.NewManager(session.Deps{
		Filter:    filter,
		Extractor: extract.New(logger, dialects...),
		Estimator: estimator,
		Sinks:     c.sinks,
		Broadcast: c.channel,
		QueueSize: relay.DefaultQueueSize,
		Debounce:  cfg.debounce,
		Restore:   c.restore,
	}, logger)
	c.channel.OnReceive(c.sessions.Dispatch)

	return c, nil
}

// Close ends every context and releases all resources.
func (c *Client) Close() {
	c.sessions.Shutdown()
	c.channel.Close()
	if c.store != nil {
		c.store.Close()
	}
}

// Ping checks database connectivity. It is a no-op in memory mode.
func (c *Client) Ping(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { c.obs.observe("ping", "", start, err) }()

	if c.store == nil {
		return nil
	}
	if err = c.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Context returns the service of one execution context. The context is
// created on first use.
func (c *Client) Context(id string) *ContextService {
	return &ContextService{id: id, c: c}
}

// Contexts lists the ids of live contexts.
func (c *Client) Contexts() []string {
	return c.sessions.IDs()
}

// Transport returns a RoundTripper that feeds the responses it carries to
// the traffic observer of contextID. A nil base uses http.DefaultTransport.
func (c *Client) Transport(base http.RoundTripper, contextID string) http.RoundTripper {
	return observer.NewTransport(base, func(req *http.Request) observer.Observer {
		sess, err := c.sessions.Get(req.Context(), contextID)
		if err != nil {
			return nil
		}
		return observer.Func(func(ctx context.Context, url string, body func() (string, error)) {
			start := time.Now()
			sess.ObserveTraffic(ctx, url, body)
			c.obs.observe("observe_transport", contextID, start, nil)
		})
	}, zap.NewNop()).WithMatch(c.filter.Match).WithMaxBody(c.maxBody)
}

func (c *Client) sinks(id string) []relay.Sink {
	sinks := []relay.Sink{relay.SinkFunc(func(ctx context.Context, ev snapshot.Event) error {
		return c.hub.Publish(ctx, id, ev)
	})}
	if c.last != nil {
		sinks = append(sinks, relay.SinkFunc(func(ctx context.Context, ev snapshot.Event) error {
			return c.last.Save(ctx, id, ev)
		}))
	}
	return sinks
}

func (c *Client) restore(ctx context.Context, id string) (snapshot.Event, bool) {
	if c.last == nil {
		return snapshot.Event{}, false
	}
	ev, ok, err := c.last.Load(ctx, id)
	if err != nil || !ok {
		return snapshot.Event{}, false
	}
	_ = c.hub.Publish(ctx, id, ev)
	return ev, true
}
