package synth

import (
	"context"
	"errors"
	"fmt"

	"github.com/IncludeBrake/synthetic-market-machine-sub001/pipeline"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicGenerator implements Generator for Anthropic's Messages API.
//
// Example usage:
//
//	gen := synth.NewAnthropicGenerator(os.Getenv("ANTHROPIC_API_KEY"), "")
//	resp, err := gen.Generate(ctx, synth.Request{Prompt: "..."})
type AnthropicGenerator struct {
	client    anthropic.Client
	modelName string
}

// NewAnthropicGenerator creates a generator for the given model. An
// empty model name selects claude-sonnet-4-20250514.
func NewAnthropicGenerator(apiKey, modelName string) *AnthropicGenerator {
	if modelName == "" {
		modelName = "claude-sonnet-4-20250514"
	}
	return &AnthropicGenerator{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		modelName: modelName,
	}
}

// Generate implements Generator.
func (g *AnthropicGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.modelName),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	msg, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, classifyAnthropicError(err)
	}

	text := ""
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return Response{
		Text:         text,
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		Model:        string(msg.Model),
	}, nil
}

// classifyAnthropicError maps SDK errors onto the transient/fatal
// taxonomy.
func classifyAnthropicError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		wrapped := fmt.Errorf("anthropic API error (status %d): %w", apierr.StatusCode, err)
		if retryableStatus(apierr.StatusCode) {
			return pipeline.Transient(wrapped)
		}
		return pipeline.Fatal(wrapped)
	}
	// Transport-level failures (connection resets, DNS) are retryable.
	return pipeline.Transient(fmt.Errorf("anthropic request failed: %w", err))
}
