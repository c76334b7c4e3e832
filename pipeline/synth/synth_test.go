package synth

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/IncludeBrake/synthetic-market-machine-sub001/pipeline"
)

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusOK, false},
	}
	for _, tt := range tests {
		if got := retryableStatus(tt.code); got != tt.want {
			t.Errorf("retryableStatus(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

// fakeGenerator records the last request and returns a scripted response.
type fakeGenerator struct {
	lastReq Request
	resp    Response
	err     error
}

func (f *fakeGenerator) Generate(_ context.Context, req Request) (Response, error) {
	f.lastReq = req
	return f.resp, f.err
}

func TestRunnerForwardsRequest(t *testing.T) {
	gen := &fakeGenerator{
		resp: Response{
			Text:         "twelve synthetic orders",
			InputTokens:  40,
			OutputTokens: 360,
			Model:        "fake-model-1",
		},
	}
	r := NewRunner(gen)

	rc := pipeline.RunContext{RunID: "run-1", StepName: "generate", Attempt: 1, Seed: 9001}
	out, err := r.Run(context.Background(), rc, map[string]any{
		"prompt":      "generate orders",
		"system":      "you are a market simulator",
		"max_tokens":  512,
		"temperature": 0.2,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if gen.lastReq.Prompt != "generate orders" || gen.lastReq.System != "you are a market simulator" {
		t.Fatalf("request = %+v", gen.lastReq)
	}
	if gen.lastReq.MaxTokens != 512 || gen.lastReq.Temperature != 0.2 {
		t.Fatalf("request tuning = %+v", gen.lastReq)
	}
	if gen.lastReq.Seed != 9001 {
		t.Fatalf("seed = %d, want the step seed", gen.lastReq.Seed)
	}

	if out.Fields["text"] != "twelve synthetic orders" || out.Fields["model"] != "fake-model-1" {
		t.Fatalf("output fields = %v", out.Fields)
	}
	if out.ConsumedTokens != 400 {
		t.Fatalf("ConsumedTokens = %d, want input+output usage", out.ConsumedTokens)
	}
}

func TestRunnerMaxTokensCoercion(t *testing.T) {
	// JSON-decoded params arrive as float64; programmatic params as int or
	// int64. All three must land in MaxTokens.
	for name, value := range map[string]any{
		"int":     256,
		"int64":   int64(256),
		"float64": float64(256),
	} {
		t.Run(name, func(t *testing.T) {
			gen := &fakeGenerator{}
			_, err := NewRunner(gen).Run(context.Background(), pipeline.RunContext{}, map[string]any{
				"prompt":     "p",
				"max_tokens": value,
			})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if gen.lastReq.MaxTokens != 256 {
				t.Fatalf("MaxTokens = %d, want 256", gen.lastReq.MaxTokens)
			}
		})
	}
}

func TestRunnerRequiresPrompt(t *testing.T) {
	r := NewRunner(&fakeGenerator{})

	for name, params := range map[string]map[string]any{
		"missing": {},
		"empty":   {"prompt": ""},
		"not a string": {
			"prompt": 42,
		},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.Run(context.Background(), pipeline.RunContext{}, params)
			if err == nil || pipeline.IsTransient(err) {
				t.Fatalf("err = %v, want fatal", err)
			}
		})
	}
}

func TestRunnerPropagatesGeneratorError(t *testing.T) {
	providerErr := pipeline.Transient(errors.New("rate limited"))
	r := NewRunner(&fakeGenerator{err: providerErr})

	_, err := r.Run(context.Background(), pipeline.RunContext{}, map[string]any{"prompt": "p"})
	if !errors.Is(err, providerErr) {
		t.Fatalf("err = %v, want the provider error", err)
	}
	if !pipeline.IsTransient(err) {
		t.Fatal("transient classification lost")
	}
}
