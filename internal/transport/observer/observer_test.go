package observer

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

type call struct {
	url  string
	body string
	err  error
}

func recorder() (Observer, chan call) {
	ch := make(chan call, 4)
	return Func(func(_ context.Context, url string, body func() (string, error)) {
		text, err := body()
		ch <- call{url: url, body: text, err: err}
	}), ch
}

func waitCall(t *testing.T, ch chan call) call {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("observer not called")
		return call{}
	}
}

func newServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRoundTrip_PassThroughAndObserve(t *testing.T) {
	payload := `)]}'` + "\n" + `[{"usageMetadata":{"promptTokenCount":3,"totalTokenCount":3}}]`
	srv := newServer(t, payload)
	obs, ch := recorder()

	client := &http.Client{Transport: NewTransport(nil, func(*http.Request) Observer { return obs }, zap.NewNop())}
	resp, err := client.Get(srv.URL + "/chat")
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != payload {
		t.Errorf("caller got %q", got)
	}

	c := waitCall(t, ch)
	if c.err != nil || c.body != payload || !strings.HasSuffix(c.url, "/chat") {
		t.Errorf("observer got %+v", c)
	}
}

func TestRoundTrip_UnmatchedURLNotWrapped(t *testing.T) {
	srv := newServer(t, "static")
	obs, ch := recorder()

	tr := NewTransport(nil, func(*http.Request) Observer { return obs }, zap.NewNop()).
		WithMatch(func(url string) bool { return strings.Contains(url, "/chat") })
	resp, err := (&http.Client{Transport: tr}).Get(srv.URL + "/app.js")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if _, wrapped := resp.Body.(*teeBody); wrapped {
		t.Error("unmatched response body was wrapped")
	}
	select {
	case c := <-ch:
		t.Errorf("observer called for unmatched url: %+v", c)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestRoundTrip_CloseWithoutEOFNotifies(t *testing.T) {
	srv := newServer(t, strings.Repeat("x", 64))
	obs, ch := recorder()

	client := &http.Client{Transport: NewTransport(nil, func(*http.Request) Observer { return obs }, zap.NewNop())}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8)
	_, _ = io.ReadFull(resp.Body, buf)
	_ = resp.Body.Close()

	c := waitCall(t, ch)
	if c.body != "xxxxxxxx" {
		t.Errorf("observer got %q, want the consumed prefix", c.body)
	}
}

func TestRoundTrip_ObserverPanicIsolated(t *testing.T) {
	srv := newServer(t, "ok")
	panicking := Func(func(context.Context, string, func() (string, error)) { panic("boom") })

	client := &http.Client{Transport: NewTransport(nil, func(*http.Request) Observer { return panicking }, zap.NewNop())}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(got) != "ok" {
		t.Errorf("caller got %q", got)
	}
	time.Sleep(20 * time.Millisecond)
}

func TestRoundTrip_ResolverPanicPassesThrough(t *testing.T) {
	srv := newServer(t, "ok")
	client := &http.Client{Transport: NewTransport(nil, func(*http.Request) Observer { panic("bad resolver") }, zap.NewNop())}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(got) != "ok" {
		t.Errorf("caller got %q", got)
	}
}

func TestRoundTrip_TruncatedCapture(t *testing.T) {
	srv := newServer(t, strings.Repeat("y", 100))
	obs, ch := recorder()

	tr := NewTransport(nil, func(*http.Request) Observer { return obs }, zap.NewNop()).WithMaxBody(10)
	resp, err := (&http.Client{Transport: tr}).Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if len(got) != 100 {
		t.Errorf("caller got %d bytes, want 100", len(got))
	}

	c := waitCall(t, ch)
	if !errors.Is(c.err, ErrBodyTooLarge) {
		t.Errorf("err = %v, want ErrBodyTooLarge", c.err)
	}
}

func TestDecode_Gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte("compressed usage"))
	_ = zw.Close()

	got, err := decode(buf.Bytes(), "gzip", 1024)
	if err != nil || got != "compressed usage" {
		t.Errorf("got %q, %v", got, err)
	}

	if _, err := decode(buf.Bytes(), "gzip", 4); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("err = %v, want ErrBodyTooLarge", err)
	}
	if _, err := decode([]byte("x"), "br", 10); err == nil {
		t.Error("expected unsupported encoding error")
	}
	if got, _ := decode([]byte("plain"), "", 10); got != "plain" {
		t.Errorf("identity got %q", got)
	}
}
