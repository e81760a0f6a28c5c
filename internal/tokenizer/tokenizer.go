// Package tokenizer converts text into byte-pair-encoding token counts.
//
// The vocabulary is loaded lazily on first use and shared by every caller.
// Concurrent first callers wait on one in-flight load. A failed load is
// latched and reported as ErrUnavailable until a retry backoff elapses.
package tokenizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kailas-cloud/ctxmeter/internal/metrics"
)

// DefaultEncoding is the vocabulary shared by all estimators.
const DefaultEncoding = "cl100k_base"

// Retry backoff bounds after a failed vocabulary load.
const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 5 * time.Minute
)

var (
	// ErrUnavailable signals that the vocabulary could not be loaded.
	ErrUnavailable = errors.New("tokenizer unavailable")
	// ErrNotLoaded signals that no load has completed yet.
	ErrNotLoaded = errors.New("tokenizer not loaded")
)

// Encoder is a loaded vocabulary. *tiktoken.Tiktoken satisfies it.
type Encoder interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
}

// Loader loads a vocabulary. It is expensive and may fail.
type Loader func() (Encoder, error)

// Adapter counts tokens with a lazily loaded, shared vocabulary.
type Adapter struct {
	load   Loader
	flight singleflight.Group
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	enc        Encoder
	lastErr    error
	failedAt   time.Time
	backoff    time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
}

// New creates an adapter around load. Nothing is loaded until the first Count.
func New(load Loader, logger *zap.Logger) *Adapter {
	return &Adapter{
		load:       load,
		logger:     logger,
		now:        time.Now,
		minBackoff: DefaultMinBackoff,
		maxBackoff: DefaultMaxBackoff,
	}
}

// WithBackoff overrides the retry backoff bounds after a failed load.
func (a *Adapter) WithBackoff(minBackoff, maxBackoff time.Duration) *Adapter {
	a.minBackoff = minBackoff
	a.maxBackoff = maxBackoff
	return a
}

// WithClock overrides the time source (tests).
func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	a.now = now
	return a
}

// Count returns the number of tokens in text. The empty string is 0 and
// never triggers a load.
func (a *Adapter) Count(ctx context.Context, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	enc, err := a.encoder(ctx)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// Warmup loads the vocabulary eagerly.
func (a *Adapter) Warmup(ctx context.Context) error {
	_, err := a.encoder(ctx)
	return err
}

// HealthCheck reports whether the vocabulary is loaded.
func (a *Adapter) HealthCheck(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.enc != nil:
		return nil
	case a.lastErr != nil:
		return fmt.Errorf("%w: %w", ErrUnavailable, a.lastErr)
	default:
		return ErrNotLoaded
	}
}

func (a *Adapter) encoder(ctx context.Context) (Encoder, error) {
	a.mu.Lock()
	if a.enc != nil {
		enc := a.enc
		a.mu.Unlock()
		return enc, nil
	}
	if a.lastErr != nil && a.now().Sub(a.failedAt) < a.backoff {
		err := a.lastErr
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	a.mu.Unlock()

	// The shared load is not tied to any caller's context: a caller that
	// gives up must not cancel it for the others.
	ch := a.flight.DoChan("vocabulary", a.doLoad)
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for tokenizer: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, res.Err)
		}
		enc, _ := res.Val.(Encoder)
		return enc, nil
	}
}

func (a *Adapter) doLoad() (any, error) {
	a.mu.Lock()
	if a.enc != nil {
		enc := a.enc
		a.mu.Unlock()
		return enc, nil
	}
	// A load that failed after this caller passed the check in encoder
	// still holds the latch.
	if a.lastErr != nil && a.now().Sub(a.failedAt) < a.backoff {
		err := a.lastErr
		a.mu.Unlock()
		return nil, err
	}
	a.mu.Unlock()

	start := a.now()
	enc, err := a.safeLoad()

	a.mu.Lock()
	defer a.mu.Unlock()

	if err == nil && enc == nil {
		err = errors.New("loader returned no encoder")
	}
	if err != nil {
		a.lastErr = err
		a.failedAt = a.now()
		if a.backoff == 0 {
			a.backoff = a.minBackoff
		} else {
			a.backoff = min(a.backoff*2, a.maxBackoff)
		}
		metrics.TokenizerLoadsTotal.WithLabelValues("error").Inc()
		a.logger.Error("Tokenizer load failed",
			zap.Duration("retry_after", a.backoff),
			zap.Error(err),
		)
		return nil, err
	}

	a.enc = enc
	a.lastErr = nil
	a.backoff = 0
	metrics.TokenizerLoadsTotal.WithLabelValues("ok").Inc()
	a.logger.Info("Tokenizer loaded", zap.Duration("took", a.now().Sub(start)))
	return enc, nil
}

func (a *Adapter) safeLoad() (enc Encoder, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tokenizer loader panic: %v", r)
		}
	}()
	return a.load()
}
