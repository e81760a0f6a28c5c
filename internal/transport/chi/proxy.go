package chi

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"go.uber.org/zap"

	logpkg "github.com/kailas-cloud/ctxmeter/internal/logger"
	"github.com/kailas-cloud/ctxmeter/internal/transport/observer"
	"github.com/kailas-cloud/ctxmeter/internal/usecase/session"
)

// ContextHeader names the execution context of proxied traffic.
const ContextHeader = "X-Ctxmeter-Context"

// DefaultContextID is used for proxied requests without ContextHeader.
const DefaultContextID = "default"

const proxyPrefix = "/proxy"

type contextIDKey struct{}

// NewProxy returns a reverse proxy to upstream whose responses feed the
// traffic observer of the requesting context.
func NewProxy(
	upstream *url.URL,
	sessions *session.Manager,
	match func(url string) bool,
	maxBody int,
	logger *zap.Logger,
) http.Handler {
	transport := observer.NewTransport(nil, func(req *http.Request) observer.Observer {
		id, _ := req.Context().Value(contextIDKey{}).(string)
		sess, err := sessions.Get(req.Context(), id)
		if err != nil {
			return nil
		}
		return observer.Func(func(ctx context.Context, url string, body func() (string, error)) {
			sess.ObserveTraffic(ctx, url, body)
		})
	}, logger).WithMatch(match).WithMaxBody(maxBody)

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, proxyPrefix)
			pr.Out.URL.RawPath = ""
			pr.SetURL(upstream)
			pr.SetXForwarded()
			pr.Out.Host = upstream.Host
			pr.Out.Header.Del(ContextHeader)
			// Captured bodies are only decoded when gzip or identity.
			if ae := pr.In.Header.Get("Accept-Encoding"); ae != "" {
				if acceptsGzip(ae) {
					pr.Out.Header.Set("Accept-Encoding", "gzip")
				} else {
					pr.Out.Header.Set("Accept-Encoding", "identity")
				}
			}
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logpkg.FromContextOr(r.Context(), logger).Warn("Upstream request failed", zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, http.StatusBadGateway, ErrorCodeUnavailable, "upstream unavailable")
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(ContextHeader)
		if id == "" {
			id = DefaultContextID
		}
		rp.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextIDKey{}, id)))
	})
}

// acceptsGzip reports whether an Accept-Encoding value admits gzip,
// either by name or through a wildcard, with a non-zero quality.
func acceptsGzip(header string) bool {
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		if coding != "gzip" && coding != "x-gzip" && coding != "*" {
			continue
		}
		q := strings.ReplaceAll(strings.ToLower(params), " ", "")
		if q == "q=0" || (strings.HasPrefix(q, "q=0.") && strings.Trim(q[4:], "0") == "") {
			continue
		}
		return true
	}
	return false
}
