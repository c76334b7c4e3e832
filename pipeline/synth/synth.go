// Package synth provides LLM-backed step runners for pipelines that
// generate synthetic data or analysis text. Providers for Anthropic,
// OpenAI and Google Gemini all satisfy one Generator contract and report
// real token consumption, which feeds the orchestrator's budget
// accounting.
package synth

import (
	"context"
	"net/http"
)

// Request is a single generation request.
type Request struct {
	// Prompt is the user-facing prompt text.
	Prompt string

	// System is an optional system instruction.
	System string

	// MaxTokens caps the generated output length. Providers that require
	// a value receive a default when zero.
	MaxTokens int64

	// Temperature controls sampling randomness. Zero is deterministic-ish
	// and is what replayable pipelines should use.
	Temperature float64

	// Seed, when supported by the provider, pins sampling for
	// reproducibility.
	Seed int64
}

// Response is a completed generation.
type Response struct {
	// Text is the generated content.
	Text string

	// InputTokens and OutputTokens are the provider-reported usage
	// counts, not estimates.
	InputTokens  int64
	OutputTokens int64

	// Model is the concrete model that served the request.
	Model string
}

// Generator is the provider contract. Implementations wrap one vendor
// SDK and classify failures as transient or fatal so the orchestrator's
// retry loop can act on them.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// defaultMaxTokens is used when a request leaves MaxTokens zero and the
// provider requires an explicit cap.
const defaultMaxTokens = 1024

// retryableStatus reports whether an HTTP status from a provider API
// warrants a retry: rate limits, request timeouts, and server errors.
func retryableStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests:
		return true
	case code == http.StatusRequestTimeout:
		return true
	case code >= 500:
		return true
	}
	return false
}
