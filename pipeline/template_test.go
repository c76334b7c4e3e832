package pipeline

import (
	"context"
	"errors"
	"testing"
)

func noopRunner() Runner {
	return RunnerFunc(func(ctx context.Context, rc RunContext, params map[string]any) (StepOutput, error) {
		return StepOutput{}, nil
	})
}

func mustAdd(t *testing.T, tmpl *Template, step Step) {
	t.Helper()
	if step.Runner == nil {
		step.Runner = noopRunner()
	}
	if err := tmpl.Add(step); err != nil {
		t.Fatalf("Add(%s): %v", step.Name, err)
	}
}

func TestTemplateAdd(t *testing.T) {
	t.Run("rejects empty name", func(t *testing.T) {
		tmpl := NewTemplate("test")
		err := tmpl.Add(Step{Runner: noopRunner()})
		var cfg *ConfigError
		if !errors.As(err, &cfg) {
			t.Fatalf("expected ConfigError, got %v", err)
		}
	})

	t.Run("rejects duplicate name", func(t *testing.T) {
		tmpl := NewTemplate("test")
		mustAdd(t, tmpl, Step{Name: "a"})
		err := tmpl.Add(Step{Name: "a", Runner: noopRunner()})
		var cfg *ConfigError
		if !errors.As(err, &cfg) {
			t.Fatalf("expected ConfigError for duplicate, got %v", err)
		}
	})

	t.Run("rejects nil runner", func(t *testing.T) {
		tmpl := NewTemplate("test")
		err := tmpl.Add(Step{Name: "a"})
		var cfg *ConfigError
		if !errors.As(err, &cfg) {
			t.Fatalf("expected ConfigError for nil runner, got %v", err)
		}
	})

	t.Run("defaults priority to normal", func(t *testing.T) {
		tmpl := NewTemplate("test")
		mustAdd(t, tmpl, Step{Name: "a"})
		if got := tmpl.Step("a").Priority; got != PriorityNormal {
			t.Fatalf("priority = %q, want %q", got, PriorityNormal)
		}
	})
}

func TestTemplateValidate(t *testing.T) {
	tests := []struct {
		name    string
		deps    map[string][]string
		wantErr error
	}{
		{
			name: "valid linear chain",
			deps: map[string][]string{"a": nil, "b": {"a"}, "c": {"b"}},
		},
		{
			name: "valid diamond",
			deps: map[string][]string{"a": nil, "b": {"a"}, "c": {"a"}, "d": {"b", "c"}},
		},
		{
			name:    "two step cycle",
			deps:    map[string][]string{"a": {"b"}, "b": {"a"}},
			wantErr: ErrCycle,
		},
		{
			name:    "three step cycle",
			deps:    map[string][]string{"a": {"c"}, "b": {"a"}, "c": {"b"}},
			wantErr: ErrCycle,
		},
		{
			name:    "self dependency",
			deps:    map[string][]string{"a": {"a"}},
			wantErr: ErrCycle,
		},
		{
			name:    "unknown dependency",
			deps:    map[string][]string{"a": {"ghost"}},
			wantErr: ErrUnknownDependency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := NewTemplate("test")
			for name, deps := range tt.deps {
				mustAdd(t, tmpl, Step{Name: name, DependsOn: deps})
			}
			err := tmpl.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
			var cfg *ConfigError
			if !errors.As(err, &cfg) {
				t.Fatalf("expected ConfigError wrapper, got %T", err)
			}
		})
	}
}

func TestTemplateValidateRetryPolicy(t *testing.T) {
	tmpl := NewTemplate("test")
	mustAdd(t, tmpl, Step{
		Name:  "a",
		Retry: &RetryPolicy{MaxAttempts: 0},
	})
	if err := tmpl.Validate(); !errors.Is(err, ErrInvalidRetryPolicy) {
		t.Fatalf("Validate() = %v, want ErrInvalidRetryPolicy", err)
	}
}

func TestTemplateClosures(t *testing.T) {
	//     a
	//    / \
	//   b   c
	//   |   |
	//   d   e
	tmpl := NewTemplate("test")
	mustAdd(t, tmpl, Step{Name: "a"})
	mustAdd(t, tmpl, Step{Name: "b", DependsOn: []string{"a"}})
	mustAdd(t, tmpl, Step{Name: "c", DependsOn: []string{"a"}})
	mustAdd(t, tmpl, Step{Name: "d", DependsOn: []string{"b"}})
	mustAdd(t, tmpl, Step{Name: "e", DependsOn: []string{"c"}})
	if err := tmpl.Validate(); err != nil {
		t.Fatalf("Validate(): %v", err)
	}

	down := tmpl.Downstream("b")
	for _, want := range []string{"b", "d"} {
		if !down[want] {
			t.Errorf("Downstream(b) missing %q", want)
		}
	}
	for _, wrong := range []string{"a", "c", "e"} {
		if down[wrong] {
			t.Errorf("Downstream(b) wrongly contains %q", wrong)
		}
	}

	up := tmpl.Upstream("e")
	for _, want := range []string{"e", "c", "a"} {
		if !up[want] {
			t.Errorf("Upstream(e) missing %q", want)
		}
	}
	if up["b"] || up["d"] {
		t.Errorf("Upstream(e) wrongly contains sibling branch: %v", up)
	}
}

func TestTemplateTopoOrder(t *testing.T) {
	// Registered in reverse so insertion order and dependency order
	// disagree; ties break lexicographically.
	tmpl := NewTemplate("topo")
	mustAdd(t, tmpl, Step{Name: "e", DependsOn: []string{"c"}})
	mustAdd(t, tmpl, Step{Name: "d", DependsOn: []string{"b"}})
	mustAdd(t, tmpl, Step{Name: "c", DependsOn: []string{"a"}})
	mustAdd(t, tmpl, Step{Name: "b", DependsOn: []string{"a"}})
	mustAdd(t, tmpl, Step{Name: "a"})
	if err := tmpl.Validate(); err != nil {
		t.Fatalf("Validate(): %v", err)
	}

	want := []string{"a", "b", "c", "d", "e"}
	got := tmpl.TopoOrder()
	if len(got) != len(want) {
		t.Fatalf("TopoOrder() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("TopoOrder() = %v, want %v", got, want)
		}
	}
}
