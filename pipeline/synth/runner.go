package synth

import (
	"context"
	"fmt"

	"github.com/IncludeBrake/synthetic-market-machine-sub001/pipeline"
)

// Runner adapts a Generator to the pipeline.Runner contract.
//
// Step parameters:
//   - prompt: Prompt text (required)
//   - system: Optional system instruction
//   - max_tokens: Optional cap on generated output
//   - temperature: Optional sampling temperature
//
// The step's derived seed is forwarded to the provider, so providers
// that honor seeds produce replay-stable output.
//
// Output fields:
//   - text: The generated content
//   - model: The concrete model that served the request
//
// ConsumedTokens is the provider-reported input plus output usage, which
// is exactly what the budget monitor audits against the grant.
type Runner struct {
	gen Generator
}

// NewRunner wraps a generator as a step runner.
func NewRunner(gen Generator) *Runner {
	return &Runner{gen: gen}
}

// Run implements pipeline.Runner.
func (r *Runner) Run(ctx context.Context, rc pipeline.RunContext, params map[string]any) (pipeline.StepOutput, error) {
	prompt, ok := params["prompt"].(string)
	if !ok || prompt == "" {
		return pipeline.StepOutput{}, pipeline.Fatal(fmt.Errorf("prompt parameter required (string)"))
	}

	req := Request{
		Prompt: prompt,
		Seed:   rc.Seed,
	}
	if system, ok := params["system"].(string); ok {
		req.System = system
	}
	switch v := params["max_tokens"].(type) {
	case int:
		req.MaxTokens = int64(v)
	case int64:
		req.MaxTokens = v
	case float64:
		req.MaxTokens = int64(v)
	}
	if temp, ok := params["temperature"].(float64); ok {
		req.Temperature = temp
	}

	resp, err := r.gen.Generate(ctx, req)
	if err != nil {
		return pipeline.StepOutput{}, err
	}

	return pipeline.StepOutput{
		ConsumedTokens: resp.InputTokens + resp.OutputTokens,
		Fields: map[string]string{
			"text":  resp.Text,
			"model": resp.Model,
		},
	}, nil
}
