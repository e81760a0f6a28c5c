package ctxmeter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const usageChunk = `[["wrb.fr",{"usageMetadata":{"promptTokenCount":100000,"candidatesTokenCount":2000,"totalTokenCount":102000}}]]`

const chatURL = "https://gemini.google.com/chat"

func waitUsage(t *testing.T, s *ContextService, ok func(Usage) bool) Usage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if u, err := s.Usage(context.Background()); err == nil && ok(u) {
			return u
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("usage of %s never matched", s.ID())
	return Usage{}
}

func TestContext_ObserveTraffic(t *testing.T) {
	c := newTestClient(t)
	tab := c.Context("tab-1")

	res, err := tab.ObserveTraffic(context.Background(), chatURL, usageChunk)
	if err != nil {
		t.Fatalf("ObserveTraffic: %v", err)
	}
	if !res.Matched || !res.Accepted {
		t.Errorf("observed = %+v", res)
	}

	u, err := tab.Usage(context.Background())
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if u.Total != 102000 || u.Prompt != 100000 || u.Candidates != 2000 {
		t.Errorf("counts = %+v", u)
	}
	if u.Source != SourceNetwork || u.Origin != "tab-1" {
		t.Errorf("source/origin = %s/%s", u.Source, u.Origin)
	}
	if u.Level != "warning" || u.MaxTokens != 131072 {
		t.Errorf("grading = %s/%d", u.Level, u.MaxTokens)
	}
}

func TestContext_ObserveTraffic_Filtered(t *testing.T) {
	c := newTestClient(t)
	res, err := c.Context("tab-1").ObserveTraffic(context.Background(), "https://cdn.example.com/app.js", usageChunk)
	if err != nil {
		t.Fatal(err)
	}
	if res.Matched || res.Accepted {
		t.Errorf("observed = %+v", res)
	}
}

func TestContext_ObserveTraffic_TooLarge(t *testing.T) {
	c := newTestClient(t, WithMaxBody(16))
	_, err := c.Context("tab-1").ObserveTraffic(context.Background(), chatURL, usageChunk)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestContext_InvalidID(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Context("").ObserveTraffic(context.Background(), chatURL, usageChunk)
	if !errors.Is(err, ErrInvalidContextID) {
		t.Errorf("expected ErrInvalidContextID, got %v", err)
	}
}

func TestContext_Usage_NotFound(t *testing.T) {
	c := newTestClient(t)
	if _, err := c.Context("nope").Usage(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown context: expected ErrNotFound, got %v", err)
	}

	tab := c.Context("tab-1")
	if err := tab.NotifyMutation(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := tab.Usage(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("context without usage: expected ErrNotFound, got %v", err)
	}
}

func TestContext_UpdateDocument_Estimates(t *testing.T) {
	c := newTestClient(t, WithEstimator(fixedEstimator(40, 2)))
	tab := c.Context("tab-1")

	if err := tab.UpdateDocument(context.Background(), "<p>hello</p>"); err != nil {
		t.Fatal(err)
	}
	u := waitUsage(t, tab, func(u Usage) bool { return u.Source == SourceFallbackEstimate })
	if u.Total != 42 {
		t.Errorf("total = %d, want 42", u.Total)
	}
}

func TestContext_EstimateSuppressedAfterNetwork(t *testing.T) {
	c := newTestClient(t, WithEstimator(fixedEstimator(40, 2)))
	tab := c.Context("tab-1")

	if _, err := tab.ObserveTraffic(context.Background(), chatURL, usageChunk); err != nil {
		t.Fatal(err)
	}
	if err := tab.UpdateDocument(context.Background(), "<p>hello</p>"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	u, err := tab.Usage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if u.Source != SourceNetwork {
		t.Errorf("estimate replaced fresh network usage: %+v", u)
	}
}

func TestContext_BroadcastToOtherContexts(t *testing.T) {
	c := newTestClient(t)
	other := c.Context("tab-2")
	if err := other.NotifyMutation(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Context("tab-1").ObserveTraffic(context.Background(), chatURL, usageChunk); err != nil {
		t.Fatal(err)
	}

	u := waitUsage(t, other, func(u Usage) bool { return u.Total == 102000 })
	if u.Origin != "tab-1" {
		t.Errorf("origin = %q, want tab-1", u.Origin)
	}
}

func TestContext_Subscribe(t *testing.T) {
	c := newTestClient(t)
	tab := c.Context("tab-1")

	sub := tab.Subscribe()
	defer sub.Cancel()

	if _, err := tab.ObserveTraffic(context.Background(), chatURL, usageChunk); err != nil {
		t.Fatal(err)
	}

	select {
	case u := <-sub.C:
		if u.Total != 102000 {
			t.Errorf("streamed %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	sub.Cancel()
	sub.Cancel()
}

func TestContext_Close(t *testing.T) {
	c := newTestClient(t)
	tab := c.Context("tab-1")
	if _, err := tab.ObserveTraffic(context.Background(), chatURL, usageChunk); err != nil {
		t.Fatal(err)
	}
	sub := tab.Subscribe()
	defer sub.Cancel()

	if !tab.Close(context.Background()) {
		t.Error("expected first Close to report an existing context")
	}
	if tab.Close(context.Background()) {
		t.Error("expected second Close to report a missing context")
	}

	// Replayed latest event, then closed.
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-sub.C:
			if !open {
				return
			}
		case <-timeout:
			t.Fatal("subscription not closed")
		}
	}
}

func TestClient_Transport(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, usageChunk)
	}))
	defer upstream.Close()

	c := newTestClient(t)
	httpClient := &http.Client{Transport: c.Transport(nil, "chat-1")}

	resp, err := httpClient.Post(upstream.URL+"/v1/chat", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != usageChunk {
		t.Errorf("caller got %q", body)
	}

	u := waitUsage(t, c.Context("chat-1"), func(u Usage) bool { return u.Total == 102000 })
	if u.Source != SourceNetwork {
		t.Errorf("source = %s", u.Source)
	}
}

func TestClient_OperationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newTestClient(t, WithPrometheus(reg))

	_, _ = c.Context("tab-1").ObserveTraffic(context.Background(), chatURL, usageChunk)
	_, _ = c.Context("nope").Usage(context.Background())

	if v := testutil.ToFloat64(c.obs.metrics.operations.WithLabelValues("observe_traffic", "ok")); v != 1 {
		t.Errorf("observe_traffic ok = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.obs.metrics.operations.WithLabelValues("usage", "error")); v != 1 {
		t.Errorf("usage error = %v, want 1", v)
	}
}
