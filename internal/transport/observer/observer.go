// Package observer exposes response bodies to usage observers without
// changing what the caller receives.
package observer

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DefaultMaxBodyBytes caps how much of one response is captured.
const DefaultMaxBodyBytes = 8 << 20

// ErrBodyTooLarge is returned by the body provider when capture was truncated.
var ErrBodyTooLarge = errors.New("response body exceeds capture limit")

// Observer is told about every inspected response.
type Observer interface {
	OnResponse(ctx context.Context, url string, body func() (string, error))
}

// Func adapts a function to Observer.
type Func func(ctx context.Context, url string, body func() (string, error))

// OnResponse calls f.
func (f Func) OnResponse(ctx context.Context, url string, body func() (string, error)) {
	f(ctx, url, body)
}

// Transport is an http.RoundTripper that tees response bodies to an
// observer while the caller reads them. The observer runs after the caller
// reaches EOF or closes the body.
type Transport struct {
	base    http.RoundTripper
	resolve func(req *http.Request) Observer
	match   func(url string) bool
	maxBody int
	logger  *zap.Logger
}

// NewTransport wraps base (http.DefaultTransport when nil). resolve picks the
// observer of a request; returning nil skips inspection.
func NewTransport(base http.RoundTripper, resolve func(req *http.Request) Observer, logger *zap.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		base:    base,
		resolve: resolve,
		maxBody: DefaultMaxBodyBytes,
		logger:  logger,
	}
}

// WithMatch restricts capture to urls accepted by match.
func (t *Transport) WithMatch(match func(url string) bool) *Transport {
	t.match = match
	return t
}

// WithMaxBody overrides the capture limit.
func (t *Transport) WithMaxBody(n int) *Transport {
	if n > 0 {
		t.maxBody = n
	}
	return t
}

// RoundTrip forwards req and, when inspected, wraps the response body.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp == nil || resp.Body == nil {
		return resp, err
	}

	url := req.URL.String()
	obs := t.observerFor(req, url)
	if obs == nil {
		return resp, nil
	}

	resp.Body = &teeBody{
		rc:       resp.Body,
		max:      t.maxBody,
		encoding: resp.Header.Get("Content-Encoding"),
		done: func(body func() (string, error)) {
			go t.notify(context.WithoutCancel(req.Context()), obs, url, body)
		},
	}
	return resp, nil
}

func (t *Transport) observerFor(req *http.Request, url string) (obs Observer) {
	defer func() {
		if p := recover(); p != nil {
			t.logger.Error("Observer resolution panicked", zap.String("url", url), zap.Any("panic", p))
			obs = nil
		}
	}()
	if t.match != nil && !t.match(url) {
		return nil
	}
	if t.resolve == nil {
		return nil
	}
	return t.resolve(req)
}

func (t *Transport) notify(ctx context.Context, obs Observer, url string, body func() (string, error)) {
	defer func() {
		if p := recover(); p != nil {
			t.logger.Error("Response observer panicked", zap.String("url", url), zap.Any("panic", p))
		}
	}()
	obs.OnResponse(ctx, url, body)
}

// teeBody copies what the caller reads, up to max bytes.
type teeBody struct {
	rc       io.ReadCloser
	max      int
	encoding string
	done     func(body func() (string, error))

	buf       bytes.Buffer
	truncated bool
	once      sync.Once
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 && !b.truncated {
		if b.buf.Len()+n > b.max {
			b.truncated = true
			b.buf.Reset()
		} else {
			b.buf.Write(p[:n])
		}
	}
	if errors.Is(err, io.EOF) {
		b.finish()
	}
	return n, err
}

func (b *teeBody) Close() error {
	err := b.rc.Close()
	b.finish()
	return err
}

func (b *teeBody) finish() {
	b.once.Do(func() {
		captured := bytes.Clone(b.buf.Bytes())
		truncated, encoding, limit := b.truncated, b.encoding, b.max
		b.buf = bytes.Buffer{}
		b.done(func() (string, error) {
			if truncated {
				return "", ErrBodyTooLarge
			}
			return decode(captured, encoding, limit)
		})
	})
}

func decode(data []byte, encoding string, limit int) (string, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return string(data), nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return "", fmt.Errorf("gzip body: %w", err)
		}
		defer func() { _ = zr.Close() }()
		out, err := io.ReadAll(io.LimitReader(zr, int64(limit)+1))
		if err != nil {
			return "", fmt.Errorf("gzip body: %w", err)
		}
		if len(out) > limit {
			return "", ErrBodyTooLarge
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
