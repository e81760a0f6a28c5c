// Package estimate produces fallback usage snapshots from the rendered
// conversation document.
package estimate

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
	"github.com/kailas-cloud/ctxmeter/internal/metrics"
)

// chatContainers is tried before the whole body when no turns are found.
const chatContainers = `chat-app, infinite-scroller, #chat-history, main, [role="main"]`

// invisible elements do not contribute rendered text.
const invisible = `script, style, noscript, template`

// Counter converts text into a token count.
type Counter interface {
	Count(ctx context.Context, text string) (int, error)
}

// Estimator scans a document for conversation turns and multimodal content.
// It keeps no state between calls.
type Estimator struct {
	counter Counter
	locator Locator
	logger  *zap.Logger
}

// New creates an estimator using the default turn locator.
func New(counter Counter, logger *zap.Logger) *Estimator {
	return &Estimator{
		counter: counter,
		locator: DefaultLocator(),
		logger:  logger,
	}
}

// WithLocator replaces the turn locator.
func (e *Estimator) WithLocator(l Locator) *Estimator {
	e.locator = l
	return e
}

// Estimate parses html and estimates its usage.
func (e *Estimator) Estimate(ctx context.Context, html string) (snapshot.Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("parse document: %w", err)
	}
	return e.EstimateDocument(ctx, doc)
}

// EstimateDocument estimates the usage of a parsed document.
func (e *Estimator) EstimateDocument(ctx context.Context, doc *goquery.Document) (snapshot.Snapshot, error) {
	start := time.Now()
	defer func() {
		metrics.EstimateDuration.Observe(time.Since(start).Seconds())
	}()

	users, models := e.locator.Locate(doc)
	if users.Length() == 0 && models.Length() == 0 {
		// Prompt and response cannot be told apart: attribute everything to the prompt.
		prompt, err := e.counter.Count(ctx, documentText(doc))
		if err != nil {
			return snapshot.Snapshot{}, fmt.Errorf("count document text: %w", err)
		}
		e.logger.Debug("No conversation turns found, estimated whole document",
			zap.Int("prompt_tokens", prompt),
		)
		return snapshot.Estimated(prompt, 0), nil
	}

	prompt, err := e.countEach(ctx, users)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("count user turns: %w", err)
	}
	prompt += mediaTokens(doc)

	candidates, err := e.countEach(ctx, models)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("count model turns: %w", err)
	}

	e.logger.Debug("Estimated conversation usage",
		zap.Int("user_turns", users.Length()),
		zap.Int("model_turns", models.Length()),
		zap.Int("prompt_tokens", prompt),
		zap.Int("candidate_tokens", candidates),
	)
	return snapshot.Estimated(prompt, candidates), nil
}

func (e *Estimator) countEach(ctx context.Context, sel *goquery.Selection) (int, error) {
	total := 0
	var err error
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var n int
		n, err = e.counter.Count(ctx, s.Text())
		if err != nil {
			return false
		}
		total += n
		return true
	})
	return total, err
}

// mediaTokens applies the fixed per-image and per-video-second costs.
func mediaTokens(doc *goquery.Document) int {
	tokens := doc.Find("img").Length() * snapshot.ImageTokenCost
	doc.Find("video").Each(func(_ int, s *goquery.Selection) {
		tokens += int(math.Ceil(videoSeconds(s))) * snapshot.VideoTokensPerSecond
	})
	return tokens
}

// videoSeconds reads the duration a renderer recorded on the element.
func videoSeconds(s *goquery.Selection) float64 {
	for _, attr := range []string{"duration", "data-duration"} {
		v, ok := s.Attr(attr)
		if !ok {
			continue
		}
		d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
			continue
		}
		return d
	}
	return snapshot.DefaultVideoDuration.Seconds()
}

// documentText returns the first chat container's text, or the visible
// body text when there is none.
func documentText(doc *goquery.Document) string {
	if c := doc.Find(chatContainers).First(); c.Length() > 0 {
		return c.Text()
	}
	body := doc.Find("body")
	body.Find(invisible).Remove()
	return body.Text()
}
