package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/kailas-cloud/ctxmeter/internal/config"
	"github.com/kailas-cloud/ctxmeter/internal/db"
	dbRedis "github.com/kailas-cloud/ctxmeter/internal/db/redis"
	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/limits"
	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
	logpkg "github.com/kailas-cloud/ctxmeter/internal/logger"
	"github.com/kailas-cloud/ctxmeter/internal/metrics"
	"github.com/kailas-cloud/ctxmeter/internal/repository/lastusage"
	"github.com/kailas-cloud/ctxmeter/internal/tokenizer"
	"github.com/kailas-cloud/ctxmeter/internal/transport/broadcast"
	chiTransport "github.com/kailas-cloud/ctxmeter/internal/transport/chi"
	"github.com/kailas-cloud/ctxmeter/internal/transport/display"
	"github.com/kailas-cloud/ctxmeter/internal/transport/telegram"
	"github.com/kailas-cloud/ctxmeter/internal/usecase/estimate"
	"github.com/kailas-cloud/ctxmeter/internal/usecase/extract"
	healthuc "github.com/kailas-cloud/ctxmeter/internal/usecase/health"
	"github.com/kailas-cloud/ctxmeter/internal/usecase/relay"
	"github.com/kailas-cloud/ctxmeter/internal/usecase/session"
	"github.com/kailas-cloud/ctxmeter/internal/version"
)

const (
	hubBuffer        = 16
	broadcastChannel = "usage"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting ctxmeter server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Strings("db_addrs", cfg.Database.Addrs),
	)

	// Register usage metrics explicitly (no init())
	metrics.RegisterUsageMetrics()

	ctx := context.Background()

	// Database is optional: without it there is no persistence and
	// broadcast stays in-process.
	var store db.Store
	if len(cfg.Database.Addrs) > 0 {
		// Valkey and Redis share the rueidis client.
		s, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Database.Addrs,
			Password: cfg.Database.Password,
		})
		if err != nil {
			logger.Fatal("Failed to create database store", zap.Error(err))
		}
		defer s.Close()

		if err := s.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
			logger.Fatal("Database not ready", zap.Error(err))
		}
		logger.Info("Connected to database")
		store = s
	}

	// Tokenizer loads lazily; warm it up in the background so the first
	// estimate does not pay for the vocabulary.
	tok := tokenizer.New(tokenizer.TiktokenLoader(cfg.Tokenizer.Encoding, cfg.Tokenizer.Offline), logger)
	go func() {
		if err := tok.Warmup(ctx); err != nil {
			logger.Warn("Tokenizer warmup failed", zap.Error(err))
		}
	}()

	dialects := make([]extract.Dialect, 0, len(cfg.Traffic.Dialects))
	for _, name := range cfg.Traffic.Dialects {
		d, err := extract.DialectByName(name)
		if err != nil {
			logger.Fatal("Invalid traffic dialect", zap.Error(err))
		}
		dialects = append(dialects, d)
	}
	filter := extract.NewFilter(cfg.Traffic.URLFilters...)
	limit := limits.ForModel(cfg.Display.Model)

	// Display sinks
	hub := display.NewHub(hubBuffer, logger)
	alerter := buildAlerter(cfg.Alerts.Telegram, limit, logger)

	var last *lastusage.Store
	if store != nil {
		last = lastusage.New(store, cfg.Storage.KeyPrefix, time.Duration(cfg.Storage.LastUsageTTLSec)*time.Second)
	}

	// Broadcast channel between contexts
	var channel broadcast.Channel
	if store != nil {
		channel = broadcast.NewRedis(store, cfg.Storage.KeyPrefix+broadcastChannel, logger)
	} else {
		channel = broadcast.NewMemory()
	}

	sessions := session.NewManager(session.Deps{
		Filter:    filter,
		Extractor: extract.New(logger, dialects...),
		Estimator: estimate.New(tok, logger),
		Sinks:     displaySinks(hub, alerter, last),
		Broadcast: channel,
		QueueSize: relay.DefaultQueueSize,
		Restore:   restoreFrom(last, hub, logger),
	}, logger)
	channel.OnReceive(sessions.Dispatch)

	// Health service
	var pinger healthuc.DBPinger
	if store != nil {
		pinger = store
	}
	healthSvc := healthuc.New(pinger, tok)

	// Create chi server
	server := chiTransport.NewServer(sessions, hub, healthSvc, limit, logger).
		WithMaxBody(cfg.Traffic.MaxBodyBytes).
		WithCloseHook(func(ctx context.Context, id string) {
			hub.Forget(id)
			if alerter != nil {
				alerter.Forget(id)
			}
			if last != nil {
				if err := last.Delete(ctx, id); err != nil {
					logger.Warn("Failed to delete last usage", zap.String("context", id), zap.Error(err))
				}
			}
		})
	if cfg.Proxy.Upstream != "" {
		upstream, err := url.Parse(cfg.Proxy.Upstream)
		if err != nil {
			logger.Fatal("Invalid proxy upstream", zap.Error(err))
		}
		server.WithProxy(chiTransport.NewProxy(upstream, sessions, filter.Match, cfg.Traffic.MaxBodyBytes, logger))
		logger.Info("Observing proxy enabled", zap.String("upstream", upstream.String()))
	}

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys, cfg.Auth.JWTSecret))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	// Contexts drain their broadcast queues before the channel goes away.
	sessions.Shutdown()
	channel.Close()

	logger.Info("Server stopped gracefully")
}

// buildAlerter returns nil when Telegram alerts are not configured.
func buildAlerter(cfg config.TelegramConfig, limit limits.Limit, logger *zap.Logger) *telegram.Alerter {
	if cfg.BotToken == "" {
		return nil
	}
	bot, err := telegram.NewBot(cfg.BotToken)
	if err != nil {
		logger.Fatal("Failed to connect Telegram bot", zap.Error(err))
	}
	logger.Info("Telegram alerts enabled", zap.Int64("chat_id", cfg.ChatID))
	return telegram.NewAlerter(bot, cfg.ChatID, limit, logger)
}

// displaySinks wires the per-context display sinks: the SSE hub, then
// alerts, then persistence.
func displaySinks(hub *display.Hub, alerter *telegram.Alerter, last *lastusage.Store) func(id string) []relay.Sink {
	return func(id string) []relay.Sink {
		sinks := []relay.Sink{relay.SinkFunc(func(ctx context.Context, ev snapshot.Event) error {
			return hub.Publish(ctx, id, ev)
		})}
		if alerter != nil {
			sinks = append(sinks, relay.SinkFunc(func(ctx context.Context, ev snapshot.Event) error {
				return alerter.Observe(ctx, id, ev)
			}))
		}
		if last != nil {
			sinks = append(sinks, relay.SinkFunc(func(ctx context.Context, ev snapshot.Event) error {
				return last.Save(ctx, id, ev)
			}))
		}
		return sinks
	}
}

// restoreFrom seeds a new context with its persisted event and shows it on
// the hub so SSE subscribers get it replayed.
func restoreFrom(
	last *lastusage.Store,
	hub *display.Hub,
	logger *zap.Logger,
) func(ctx context.Context, id string) (snapshot.Event, bool) {
	if last == nil {
		return nil
	}
	return func(ctx context.Context, id string) (snapshot.Event, bool) {
		ev, ok, err := last.Load(ctx, id)
		if err != nil {
			logger.Warn("Failed to load last usage", zap.String("context", id), zap.Error(err))
			return snapshot.Event{}, false
		}
		if !ok {
			return snapshot.Event{}, false
		}
		_ = hub.Publish(ctx, id, ev)
		return ev, true
	}
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					if rvr == http.ErrAbortHandler {
						panic(rvr)
					}
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.String("path", r.URL.Path),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(chiTransport.ErrorResponse{
						Code:    chiTransport.ErrorCodeInternalError,
						Message: "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line, one per request. SSE streams log on disconnect.
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
