package chi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/ctxmeter/internal/domain"
	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/limits"
	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
	logpkg "github.com/kailas-cloud/ctxmeter/internal/logger"
	"github.com/kailas-cloud/ctxmeter/internal/transport/display"
	healthuc "github.com/kailas-cloud/ctxmeter/internal/usecase/health"
	"github.com/kailas-cloud/ctxmeter/internal/usecase/session"
)

const (
	defaultMaxBody   = 8 << 20
	defaultKeepAlive = 15 * time.Second
)

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server serves the ingest, usage and event stream API.
type Server struct {
	sessions  *session.Manager
	hub       *display.Hub
	health    *healthuc.Service
	limit     limits.Limit
	proxy     http.Handler
	onClose   func(ctx context.Context, contextID string)
	maxBody   int64
	keepAlive time.Duration
	logger    *zap.Logger

	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(
	sessions *session.Manager,
	hub *display.Hub,
	health *healthuc.Service,
	limit limits.Limit,
	logger *zap.Logger,
) *Server {
	s := &Server{
		sessions:  sessions,
		hub:       hub,
		health:    health,
		limit:     limit,
		maxBody:   defaultMaxBody,
		keepAlive: defaultKeepAlive,
		logger:    logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(session.ErrInvalidID, http.StatusBadRequest, ErrorCodeBadRequest),
		sentinelHandler(domain.ErrInvalidInput, http.StatusBadRequest, ErrorCodeBadRequest),
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound, ErrorCodeNotFound),
		sentinelHandler(domain.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, ErrorCodePayloadTooLarge),
		sentinelHandler(session.ErrClosed, http.StatusServiceUnavailable, ErrorCodeUnavailable),
		sentinelHandler(domain.ErrUnavailable, http.StatusServiceUnavailable, ErrorCodeUnavailable),
		sentinelHandler(domain.ErrNotImplemented, http.StatusNotImplemented, ErrorCodeNotImplemented),
	}
	return s
}

// WithMaxBody overrides the request body limit for traffic and documents.
func (s *Server) WithMaxBody(n int) *Server {
	if n > 0 {
		s.maxBody = int64(n)
	}
	return s
}

// WithProxy mounts h under /proxy/.
func (s *Server) WithProxy(h http.Handler) *Server {
	s.proxy = h
	return s
}

// WithCloseHook runs fn after a context is closed through the API.
func (s *Server) WithCloseHook(fn func(ctx context.Context, contextID string)) *Server {
	s.onClose = fn
	return s
}

// WithKeepAlive overrides the SSE comment interval.
func (s *Server) WithKeepAlive(d time.Duration) *Server {
	if d > 0 {
		s.keepAlive = d
	}
	return s
}

// Routes registers every endpoint on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/contexts/{contextID}", func(r chi.Router) {
		r.Post("/traffic", s.ObserveTraffic)
		r.Put("/document", s.UpdateDocument)
		r.Post("/mutations", s.NotifyMutation)
		r.Get("/usage", s.GetUsage)
		r.Get("/events", s.StreamEvents)
		r.Delete("/", s.CloseContext)
	})

	if s.proxy != nil {
		r.Handle("/proxy/*", s.proxy)
	} else {
		r.Handle("/proxy/*", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusNotImplemented, ErrorCodeNotImplemented, "proxy upstream is not configured")
		}))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, ErrorCodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrorCodeBadRequest, "method not allowed")
	})
}

// ObserveTraffic handles POST /v1/contexts/{contextID}/traffic.
func (s *Server) ObserveTraffic(w http.ResponseWriter, r *http.Request) {
	// JSON string escaping can double the size of the reported body.
	r.Body = http.MaxBytesReader(w, r.Body, 2*s.maxBody+4096)

	var req TrafficRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.handleDomainError(w, r, domain.ErrPayloadTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "url is required")
		return
	}

	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "contextID"))
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	body := req.Body
	res := sess.ObserveTraffic(r.Context(), req.URL, func() (string, error) { return body, nil })
	writeJSON(w, http.StatusAccepted, TrafficResponse{Matched: res.Matched, Accepted: res.Accepted})
}

// UpdateDocument handles PUT /v1/contexts/{contextID}/document.
func (s *Server) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	html, err := s.readBody(w, r)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "contextID"))
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	if err := sess.UpdateDocument(html); err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// NotifyMutation handles POST /v1/contexts/{contextID}/mutations.
func (s *Server) NotifyMutation(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "contextID"))
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	if err := sess.NotifyMutation(); err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// GetUsage handles GET /v1/contexts/{contextID}/usage.
func (s *Server) GetUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "contextID")
	sess, ok := s.sessions.Lookup(id)
	if !ok {
		s.handleDomainError(w, r, fmt.Errorf("context %q: %w", id, domain.ErrNotFound))
		return
	}
	ev, ok := sess.Current()
	if !ok {
		s.handleDomainError(w, r, fmt.Errorf("usage of context %q: %w", id, domain.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, usageView(ev, s.limit, sess.Phase()))
}

// StreamEvents handles GET /v1/contexts/{contextID}/events as Server-Sent Events.
func (s *Server) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "contextID")
	if _, err := s.sessions.Get(r.Context(), id); err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrorCodeInternalError, "streaming unsupported")
		return
	}

	sub := s.hub.Subscribe(id)
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logpkg.FromContextOr(r.Context(), s.logger).Error("Failed to encode usage event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", snapshot.EventType, data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// CloseContext handles DELETE /v1/contexts/{contextID}.
func (s *Server) CloseContext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "contextID")
	if !s.sessions.Close(id) {
		s.handleDomainError(w, r, fmt.Errorf("context %q: %w", id, domain.ErrNotFound))
		return
	}
	if s.onClose != nil {
		s.onClose(r.Context(), id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status: string(report.Status),
		Checks: checks,
	})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) (string, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", domain.ErrPayloadTooLarge
		}
		return "", fmt.Errorf("read body: %w", domain.ErrInvalidInput)
	}
	return string(data), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		session.ErrInvalidID,
		session.ErrClosed,
		domain.ErrInvalidInput,
		domain.ErrNotFound,
		domain.ErrPayloadTooLarge,
		domain.ErrUnavailable,
		domain.ErrNotImplemented,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	log := logpkg.FromContextOr(r.Context(), s.logger)
	log.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	log.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, ErrorCodeInternalError, "internal error")
}
