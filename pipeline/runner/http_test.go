package runner

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/IncludeBrake/synthetic-market-machine-sub001/pipeline"
)

func httpRunContext() pipeline.RunContext {
	return pipeline.RunContext{RunID: "run-1", StepName: "fetch", Attempt: 1}
}

func TestHTTPRunnerGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	out, err := NewHTTPRunner().Run(context.Background(), httpRunContext(), map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Fields["status_code"] != "200" {
		t.Errorf("status_code = %q", out.Fields["status_code"])
	}
	if out.Fields["body"] != `{"ok":true}` {
		t.Errorf("body = %q", out.Fields["body"])
	}
	if want := int64(len(`{"ok":true}`) / 4); out.ConsumedTokens != want {
		t.Errorf("ConsumedTokens = %d, want %d", out.ConsumedTokens, want)
	}
}

func TestHTTPRunnerPostForwardsBodyAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("X-Trace"); got != "abc" {
			t.Errorf("X-Trace header = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"n":1}` {
			t.Errorf("request body = %q", body)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	out, err := NewHTTPRunner().Run(context.Background(), httpRunContext(), map[string]any{
		"url":     srv.URL,
		"method":  "post",
		"body":    `{"n":1}`,
		"headers": map[string]any{"X-Trace": "abc"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Fields["status_code"] != "201" {
		t.Errorf("status_code = %q", out.Fields["status_code"])
	}
}

func TestHTTPRunnerClassifiesFailures(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"not found", http.StatusNotFound, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewHTTPRunner().Run(context.Background(), httpRunContext(), map[string]any{"url": srv.URL})
			if err == nil {
				t.Fatal("no error for non-2xx response")
			}
			if got := pipeline.IsTransient(err); got != tt.wantTransient {
				t.Fatalf("IsTransient = %v, want %v", got, tt.wantTransient)
			}
		})
	}
}

func TestHTTPRunnerRejectsBadParams(t *testing.T) {
	r := NewHTTPRunner()

	_, err := r.Run(context.Background(), httpRunContext(), map[string]any{})
	if err == nil || pipeline.IsTransient(err) {
		t.Fatalf("missing url: err = %v, want fatal", err)
	}

	_, err = r.Run(context.Background(), httpRunContext(), map[string]any{"url": "http://localhost", "method": "DELETE"})
	if err == nil || pipeline.IsTransient(err) {
		t.Fatalf("unsupported method: err = %v, want fatal", err)
	}
}

func TestHTTPRunnerHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	_, err := NewHTTPRunner().Run(ctx, httpRunContext(), map[string]any{"url": srv.URL})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
