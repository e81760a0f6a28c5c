package extract

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
)

func TestExtract_SingleRecord(t *testing.T) {
	body := `)]}'` + "\n" +
		`[["wrb.fr",null,"x"],{"usageMetadata":{"promptTokenCount":120,"candidatesTokenCount":45,"totalTokenCount":165}}]`

	s, ok := New(zap.NewNop()).Extract(body)
	if !ok {
		t.Fatal("expected a usage record")
	}
	if s != snapshot.New(120, 45, 0, 165) {
		t.Errorf("got %v", s)
	}
}

func TestExtract_NoMatch(t *testing.T) {
	e := New(zap.NewNop())
	for _, body := range []string{"", "plain text", `{"candidates":[{"content":"hi"}]}`} {
		if _, ok := e.Extract(body); ok {
			t.Errorf("Extract(%q): expected no record", body)
		}
		if _, err := e.Parse(body); !errors.Is(err, ErrNoUsageRecord) {
			t.Errorf("Parse(%q): expected ErrNoUsageRecord, got %v", body, err)
		}
	}
}

func TestExtract_LastMatchWins(t *testing.T) {
	body := strings.Join([]string{
		`data: {"usageMetadata": {"totalTokenCount": 10}}`,
		`data: {"usageMetadata":{"promptTokenCount":5,"totalTokenCount":18}}`,
		`data: {"usageMetadata" : {"promptTokenCount":7,"candidatesTokenCount":18,"totalTokenCount":25}}`,
	}, "\n")

	s, ok := New(zap.NewNop()).Extract(body)
	if !ok {
		t.Fatal("expected a usage record")
	}
	if s.Total() != 25 || s.Prompt() != 7 || s.Candidates() != 18 {
		t.Errorf("expected last record, got %v", s)
	}
}

func TestExtract_OnlyLastMatchIsParsed(t *testing.T) {
	// Earlier records are malformed but superseded; only the last is decoded.
	body := `"usageMetadata":{"totalTokenCount":"oops"} "usageMetadata":{"totalTokenCount":25}`

	s, err := New(zap.NewNop()).Parse(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Total() != 25 {
		t.Errorf("Total() = %d, want 25", s.Total())
	}
}

func TestExtract_MissingFieldsDefaultToZero(t *testing.T) {
	s, ok := New(zap.NewNop()).Extract(`"usageMetadata":{"promptTokenCount":9}`)
	if !ok {
		t.Fatal("expected a usage record")
	}
	if s != snapshot.New(9, 0, 0, 0) {
		t.Errorf("got %v", s)
	}
}

func TestExtract_CachedContentAndAuthoritativeTotal(t *testing.T) {
	body := `"usageMetadata":{"promptTokenCount":100,"candidatesTokenCount":20,` +
		`"cachedContentTokenCount":80,"totalTokenCount":200}`

	s, ok := New(zap.NewNop()).Extract(body)
	if !ok {
		t.Fatal("expected a usage record")
	}
	if s.Cached() != 80 {
		t.Errorf("Cached() = %d, want 80", s.Cached())
	}
	if s.Total() != 200 {
		t.Errorf("Total() = %d, want 200 (not recomputed)", s.Total())
	}
}

func TestExtract_MalformedIsSoftFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	e := New(zap.New(core))

	body := `"usageMetadata":{"totalTokenCount":25,,}`
	if _, ok := e.Extract(body); ok {
		t.Fatal("expected no record for malformed JSON")
	}
	if _, err := e.Parse(body); !errors.Is(err, ErrMalformedUsageRecord) {
		t.Errorf("expected ErrMalformedUsageRecord, got %v", err)
	}
	if logs.FilterMessage("Discarding malformed usage record").Len() != 1 {
		t.Errorf("expected one warning, got %d", logs.Len())
	}
}

func TestExtract_OpenAIDialect(t *testing.T) {
	e := New(zap.NewNop(), Gemini, OpenAI)
	body := `data: {"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":4,"total_tokens":14}}` + "\n" +
		`data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":6,"total_tokens":18,` +
		`"prompt_tokens_details":{"cached_tokens":8}}}`

	s, ok := e.Extract(body)
	if !ok {
		t.Fatal("expected a usage record")
	}
	if s != snapshot.New(12, 6, 8, 18) {
		t.Errorf("got %v", s)
	}
}

func TestExtract_FirstMatchingDialectDecides(t *testing.T) {
	e := New(zap.NewNop(), Gemini, OpenAI)
	body := `"usage":{"prompt_tokens":1,"total_tokens":1} "usageMetadata":{"totalTokenCount":3}`

	s, ok := e.Extract(body)
	if !ok {
		t.Fatal("expected a usage record")
	}
	if s.Total() != 3 {
		t.Errorf("expected gemini record, got %v", s)
	}
}

func TestDialectByName(t *testing.T) {
	for _, name := range []string{DialectGemini, DialectOpenAI} {
		d, err := DialectByName(name)
		if err != nil {
			t.Fatalf("DialectByName(%q): %v", name, err)
		}
		if d.Name != name {
			t.Errorf("got %q", d.Name)
		}
	}
	if _, err := DialectByName("anthropic"); err == nil {
		t.Error("expected error for unknown dialect")
	}
}

func TestFilter_Match(t *testing.T) {
	f := NewFilter(DefaultURLFilters...)

	tests := []struct {
		url  string
		want bool
	}{
		{"https://gemini.google.com/_/BardChatUi/data/batchexecute", true},
		{"https://example.com/api/chat/completions", true},
		{"https://example.com/v1/batched?rt=c", true},
		{"https://cdn.example.com/static/app.js", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := f.Match(tc.url); got != tc.want {
			t.Errorf("Match(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}

func TestFilter_Empty(t *testing.T) {
	if NewFilter().Match("https://gemini.google.com") {
		t.Error("empty filter should match nothing")
	}
	if NewFilter("", "").Match("anything") {
		t.Error("blank substrings should be ignored")
	}
}
