package extract

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/generative-ai-go/genai"
	openai "github.com/sashabaranov/go-openai"

	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
)

// Dialect names.
const (
	DialectGemini = "gemini"
	DialectOpenAI = "openai"
)

// Dialect describes how one upstream API embeds usage records in traffic.
// The first capture group of Pattern must be the JSON object.
type Dialect struct {
	Name    string
	Pattern *regexp.Regexp
	Decode  func(raw []byte) (snapshot.Snapshot, error)
}

// Gemini matches "usageMetadata" objects. Streamed responses repeat the
// record once per chunk with running totals.
var Gemini = Dialect{
	Name:    DialectGemini,
	Pattern: regexp.MustCompile(`"usageMetadata"\s*:\s*(\{[^}]+\})`),
	Decode:  decodeGemini,
}

// OpenAI matches OpenAI-compatible "usage" objects, allowing one level of
// nested detail objects.
var OpenAI = Dialect{
	Name:    DialectOpenAI,
	Pattern: regexp.MustCompile(`"usage"\s*:\s*(\{(?:[^{}]|\{[^{}]*\})*"prompt_tokens"(?:[^{}]|\{[^{}]*\})*\})`),
	Decode:  decodeOpenAI,
}

// DialectByName resolves a configured dialect name.
func DialectByName(name string) (Dialect, error) {
	switch name {
	case DialectGemini:
		return Gemini, nil
	case DialectOpenAI:
		return OpenAI, nil
	default:
		return Dialect{}, fmt.Errorf("unknown usage dialect %q", name)
	}
}

// decodeGemini decodes a usage record. Field names match the SDK type
// case-insensitively; absent fields stay zero.
func decodeGemini(raw []byte) (snapshot.Snapshot, error) {
	var m genai.UsageMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("decode usageMetadata: %w", err)
	}
	return snapshot.New(
		int(m.PromptTokenCount),
		int(m.CandidatesTokenCount),
		int(m.CachedContentTokenCount),
		int(m.TotalTokenCount),
	), nil
}

func decodeOpenAI(raw []byte) (snapshot.Snapshot, error) {
	var u openai.Usage
	if err := json.Unmarshal(raw, &u); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("decode usage: %w", err)
	}
	cached := 0
	if u.PromptTokensDetails != nil {
		cached = u.PromptTokensDetails.CachedTokens
	}
	return snapshot.New(u.PromptTokens, u.CompletionTokens, cached, u.TotalTokens), nil
}
